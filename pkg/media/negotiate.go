package media

// NegotiateFormat выбирает конкретный формат для pipeline из списка
// поддерживаемых источником или трансформом.
//
// Политика выбора:
//   - точное совпадение имеет приоритет;
//   - для видео допускается ближайшее совпадение по кодированию и частоте
//     с корректировкой размера (наибольший поддерживаемый размер, не
//     превышающий запрошенный, иначе наименьший доступный) и ограничением
//     битрейта поддерживаемым максимумом;
//   - для аудио кодирование, частота и количество каналов должны совпадать.
//
// Функция чистая: не имеет побочных эффектов, при неудаче возвращает
// ошибку с кодом ErrorCodeFormatNotSupported, не изменяя аргументы.
func NegotiateFormat(requested Format, supported []Format) (Format, error) {
	for _, f := range supported {
		if requested.Matches(f) {
			return mergeNegotiated(requested, f), nil
		}
	}

	if requested.Kind == KindVideo {
		if f, ok := closestVideoFormat(requested, supported); ok {
			return f, nil
		}
	}

	return Format{}, NewFormatError("", requested, supported)
}

// mergeNegotiated переносит назначенный транспортом payload type из
// запрошенного формата в согласованный, если поддерживаемый его не задает.
// Нулевой payload type однозначен только для PCMU (RFC 3551).
func mergeNegotiated(requested, supported Format) Format {
	result := supported
	if result.PayloadType == 0 && result.Encoding != "PCMU" {
		result.PayloadType = requested.PayloadType
	}
	return result
}

// closestVideoFormat ищет ближайший совместимый видео формат.
// Размер корректируется в меньшую сторону (масштабатор уменьшает кадр
// без потери совместимости), битрейт ограничивается поддерживаемым.
func closestVideoFormat(requested Format, supported []Format) (Format, bool) {
	var best Format
	bestArea := -1
	found := false

	reqArea := requested.Width * requested.Height
	for _, f := range supported {
		if !requested.Compatible(f) {
			continue
		}
		area := f.Width * f.Height
		fits := area <= reqArea || reqArea == 0
		switch {
		case !found:
			best, bestArea, found = f, area, true
		case fits && (bestArea > reqArea || area > bestArea):
			// Найден размер, не превышающий запрошенный и больший текущего
			best, bestArea = f, area
		case !fits && bestArea > reqArea && area < bestArea:
			// Все кандидаты больше запрошенного - берем наименьший
			best, bestArea = f, area
		}
	}
	if !found {
		return Format{}, false
	}

	if requested.MaxBitrate > 0 && (best.MaxBitrate == 0 || requested.MaxBitrate < best.MaxBitrate) {
		best.MaxBitrate = requested.MaxBitrate
	}
	return best, true
}

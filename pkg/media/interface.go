package media

// DataSource представляет источник медиа кадров, которым владеет внешний
// слой устройств или транспорта. Кадры доставляются push-моделью: после
// Start источник вызывает deliver из собственного рабочего потока для
// каждого готового кадра (50+ вызовов в секунду для аудио).
//
// Реализации: захват с физического устройства, декодированный входящий
// RTP поток, тестовые генераторы.
type DataSource interface {
	// SupportedFormats возвращает список форматов, которые источник
	// может отдавать. Используется при согласовании формата pipeline.
	SupportedFormats() []Format

	// SetFormat фиксирует согласованный формат до запуска.
	SetFormat(format Format) error

	// Start начинает доставку кадров в deliver. Повторный Start без
	// Stop является ошибкой источника, pipeline этого не допускает.
	Start(deliver func(frame []byte)) error

	// Stop приостанавливает доставку кадров. Источник остается
	// пригодным для повторного Start.
	Stop() error

	// Close освобождает ресурсы источника. Терминально.
	Close() error
}

// DataSink представляет приемник медиа кадров: выход в сторону сети,
// рендер устройства вывода или шина микширования.
type DataSink interface {
	// WriteFrame принимает очередной кадр. Вызывается из потока
	// доставки источника, реализация не должна блокировать.
	WriteFrame(frame []byte) error

	// Close освобождает ресурсы приемника. Терминально.
	Close() error
}

// Transform представляет один этап обработки в цепочке pipeline:
// кодер, декодер, масштабатор, измеритель уровня. Этапы подключаются
// при реализации pipeline и вызываются последовательно для каждого кадра.
type Transform interface {
	// SupportedFormats возвращает форматы, которые этап принимает на вход.
	SupportedFormats() []Format

	// SetFormat настраивает этап на согласованный формат.
	// Возвращает ошибку с кодом ErrorCodeFormatNotSupported, если этап
	// не поддерживает формат - такой этап исключается из цепочки.
	SetFormat(format Format) error

	// Process обрабатывает кадр и возвращает результат.
	// Вызывается на горячем пути аудио потока: реализация не должна
	// аллоцировать и не должна сохранять ссылку на frame.
	Process(frame []byte) []byte
}

// Device представляет ручку устройства захвата или воспроизведения,
// полученную от внешнего резолвера устройств. Идентификатор считается
// стабильным ключом, политика миграции идентификаторов - забота резолвера.
type Device interface {
	// ID возвращает стабильный идентификатор устройства
	ID() string

	// SupportedFormats возвращает нативные форматы устройства
	SupportedFormats() []Format

	// Connect подключает устройство. Возвращает ошибку с кодом
	// ErrorCodeDeviceUnavailable, если ручка более недействительна.
	Connect() error

	// Disconnect отключает устройство
	Disconnect() error
}

package media

import "fmt"

// SSRC идентифицирует источник синхронизации одного входящего медиа потока
// в рамках RTP транспорта (RFC 3550).
type SSRC uint32

// Kind определяет вид медиа данных формата
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// PayloadType тип полезной нагрузки RTP согласно RFC 3551
type PayloadType = uint8

// Стандартные payload типы из RFC 3551
const (
	PayloadTypePCMU = PayloadType(0)  // μ-law
	PayloadTypeGSM  = PayloadType(3)  // GSM 06.10
	PayloadTypePCMA = PayloadType(8)  // A-law
	PayloadTypeG722 = PayloadType(9)  // G.722
	PayloadTypeG728 = PayloadType(15) // G.728
	PayloadTypeG729 = PayloadType(18) // G.729
)

// Format описывает формат одного медиа потока.
//
// Для аудио значимы Encoding, ClockRate и Channels; для видео дополнительно
// Width, Height и MaxBitrate. Формат является значением: все операции
// согласования возвращают новый Format, не изменяя исходный.
type Format struct {
	Kind        Kind
	Encoding    string // Имя кодирования в нотации rtpmap ("PCMU", "opus", "H264")
	PayloadType PayloadType
	ClockRate   uint32
	Channels    int

	// Видео параметры (нулевые для аудио)
	Width      int
	Height     int
	MaxBitrate int // бит/с, 0 - без ограничения
}

func (f Format) String() string {
	if f.Kind == KindVideo {
		return fmt.Sprintf("%s %s/%d %dx%d", f.Kind, f.Encoding, f.ClockRate, f.Width, f.Height)
	}
	return fmt.Sprintf("%s %s/%d/%d", f.Kind, f.Encoding, f.ClockRate, f.Channels)
}

// Matches проверяет точное совпадение форматов.
// Payload type не участвует в сравнении: он назначается транспортом
// и не влияет на совместимость трактов обработки.
func (f Format) Matches(other Format) bool {
	if f.Kind != other.Kind || f.Encoding != other.Encoding || f.ClockRate != other.ClockRate {
		return false
	}
	if f.Kind == KindAudio {
		return f.Channels == other.Channels
	}
	return f.Width == other.Width && f.Height == other.Height && f.MaxBitrate == other.MaxBitrate
}

// Compatible проверяет, допустимо ли пересогласование форматов без
// пересоздания pipeline. Вид, кодирование и частота должны совпадать;
// для видео размер и битрейт могут отличаться (меняются масштабатором),
// для аудио количество каналов должно совпадать.
func (f Format) Compatible(other Format) bool {
	if f.Kind != other.Kind || f.Encoding != other.Encoding || f.ClockRate != other.ClockRate {
		return false
	}
	if f.Kind == KindAudio {
		return f.Channels == other.Channels
	}
	return true
}

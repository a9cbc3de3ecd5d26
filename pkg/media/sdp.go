package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// FormatsFromSDP извлекает список форматов из SDP медиа описания.
// Список пригоден как аргумент supported для NegotiateFormat, когда
// возможности удаленной стороны приходят в виде SDP offer/answer.
//
// Разбираются атрибуты rtpmap; payload типы без rtpmap трактуются как
// статические из RFC 3551 (поддерживается подмножество телефонных кодеков).
// Направления и прочие атрибуты игнорируются - ими занимается сигнальный слой.
func FormatsFromSDP(md *sdp.MediaDescription) []Format {
	if md == nil {
		return nil
	}

	kind := KindAudio
	if md.MediaName.Media == "video" {
		kind = KindVideo
	}

	rtpmaps := make(map[uint8]Format)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if f, pt, ok := parseRTPMap(kind, attr.Value); ok {
			rtpmaps[pt] = f
		}
	}

	var formats []Format
	for _, fmtStr := range md.MediaName.Formats {
		ptInt, err := strconv.Atoi(fmtStr)
		if err != nil || ptInt < 0 || ptInt > 127 {
			continue
		}
		pt := uint8(ptInt)
		if f, ok := rtpmaps[pt]; ok {
			formats = append(formats, f)
			continue
		}
		if f, ok := staticPayloadFormat(pt); ok {
			formats = append(formats, f)
		}
	}
	return formats
}

// RTPMapValue возвращает значение атрибута rtpmap для формата,
// пригодное для sdp.NewAttribute("rtpmap", ...).
func RTPMapValue(f Format) string {
	if f.Kind == KindAudio && f.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", f.PayloadType, f.Encoding, f.ClockRate, f.Channels)
	}
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Encoding, f.ClockRate)
}

// parseRTPMap разбирает значение rtpmap вида "96 opus/48000/2"
func parseRTPMap(kind Kind, value string) (Format, uint8, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return Format{}, 0, false
	}
	ptInt, err := strconv.Atoi(fields[0])
	if err != nil || ptInt < 0 || ptInt > 127 {
		return Format{}, 0, false
	}

	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return Format{}, 0, false
	}
	clock, err := strconv.Atoi(parts[1])
	if err != nil || clock <= 0 {
		return Format{}, 0, false
	}

	f := Format{
		Kind:        kind,
		Encoding:    parts[0],
		PayloadType: uint8(ptInt),
		ClockRate:   uint32(clock),
		Channels:    1,
	}
	if kind == KindVideo {
		f.Channels = 0
	}
	if len(parts) == 3 && kind == KindAudio {
		if ch, err := strconv.Atoi(parts[2]); err == nil && ch > 0 {
			f.Channels = ch
		}
	}
	return f, uint8(ptInt), true
}

// staticPayloadFormat возвращает формат для статического payload типа RFC 3551
func staticPayloadFormat(pt uint8) (Format, bool) {
	var encoding string
	switch pt {
	case PayloadTypePCMU:
		encoding = "PCMU"
	case PayloadTypeGSM:
		encoding = "GSM"
	case PayloadTypePCMA:
		encoding = "PCMA"
	case PayloadTypeG722:
		encoding = "G722"
	case PayloadTypeG728:
		encoding = "G728"
	case PayloadTypeG729:
		encoding = "G729"
	default:
		return Format{}, false
	}
	return Format{
		Kind:        KindAudio,
		Encoding:    encoding,
		PayloadType: pt,
		ClockRate:   8000,
		Channels:    1,
	}, true
}

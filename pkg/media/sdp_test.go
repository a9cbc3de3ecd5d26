package media

import (
	"testing"

	"github.com/pion/sdp/v3"
)

// === ТЕСТЫ ПРЕОБРАЗОВАНИЯ SDP ===

// TestFormatsFromSDP тестирует извлечение форматов из SDP медиа описания
// Проверяет:
// - Разбор динамических rtpmap атрибутов
// - Подстановку статических payload типов RFC 3551
// - Игнорирование неизвестных payload типов
func TestFormatsFromSDP(t *testing.T) {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Formats: []string{"0", "8", "111", "101"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: "111 opus/48000/2"},
			{Key: "sendrecv"},
		},
	}

	formats := FormatsFromSDP(md)
	if len(formats) != 3 {
		t.Fatalf("извлечено %d форматов, ожидалось 3: %v", len(formats), formats)
	}

	expected := []Format{
		{Kind: KindAudio, Encoding: "PCMU", PayloadType: PayloadTypePCMU, ClockRate: 8000, Channels: 1},
		{Kind: KindAudio, Encoding: "PCMA", PayloadType: PayloadTypePCMA, ClockRate: 8000, Channels: 1},
		{Kind: KindAudio, Encoding: "opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
	}
	for i, want := range expected {
		if formats[i] != want {
			t.Errorf("формат %d = %+v, ожидалось %+v", i, formats[i], want)
		}
	}
}

// TestFormatsFromSDPVideo тестирует разбор видео описания
func TestFormatsFromSDPVideo(t *testing.T) {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Formats: []string{"96"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: "96 VP8/90000"},
		},
	}

	formats := FormatsFromSDP(md)
	if len(formats) != 1 {
		t.Fatalf("извлечено %d форматов, ожидался 1", len(formats))
	}
	f := formats[0]
	if f.Kind != KindVideo || f.Encoding != "VP8" || f.ClockRate != 90000 || f.PayloadType != 96 {
		t.Errorf("неверный видео формат: %+v", f)
	}
}

// TestRTPMapValue тестирует обратное преобразование формата в rtpmap
func TestRTPMapValue(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		expected string
	}{
		{
			name:     "Моно аудио",
			format:   Format{Kind: KindAudio, Encoding: "PCMU", PayloadType: 0, ClockRate: 8000, Channels: 1},
			expected: "0 PCMU/8000",
		},
		{
			name:     "Стерео аудио",
			format:   Format{Kind: KindAudio, Encoding: "opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
			expected: "111 opus/48000/2",
		},
		{
			name:     "Видео",
			format:   Format{Kind: KindVideo, Encoding: "VP8", PayloadType: 96, ClockRate: 90000},
			expected: "96 VP8/90000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RTPMapValue(tt.format); got != tt.expected {
				t.Errorf("RTPMapValue() = %q, ожидалось %q", got, tt.expected)
			}
		})
	}
}

// TestFormatsFromSDPRoundTrip проверяет, что формат, сериализованный в rtpmap,
// разбирается обратно в эквивалентный
func TestFormatsFromSDPRoundTrip(t *testing.T) {
	original := Format{Kind: KindAudio, Encoding: "G722", PayloadType: PayloadTypeG722, ClockRate: 8000, Channels: 1}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Formats: []string{"9"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: RTPMapValue(original)},
		},
	}

	formats := FormatsFromSDP(md)
	if len(formats) != 1 || formats[0] != original {
		t.Errorf("round trip дал %v, ожидалось %+v", formats, original)
	}
}

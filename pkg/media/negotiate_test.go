package media

import (
	"errors"
	"testing"
)

// === ТЕСТЫ СОГЛАСОВАНИЯ ФОРМАТОВ ===

var (
	pcmu = Format{Kind: KindAudio, Encoding: "PCMU", PayloadType: PayloadTypePCMU, ClockRate: 8000, Channels: 1}
	pcma = Format{Kind: KindAudio, Encoding: "PCMA", PayloadType: PayloadTypePCMA, ClockRate: 8000, Channels: 1}
	opus = Format{Kind: KindAudio, Encoding: "opus", PayloadType: 111, ClockRate: 48000, Channels: 2}

	vp8HD = Format{Kind: KindVideo, Encoding: "VP8", PayloadType: 96, ClockRate: 90000, Width: 1280, Height: 720}
	vp8SD = Format{Kind: KindVideo, Encoding: "VP8", PayloadType: 96, ClockRate: 90000, Width: 640, Height: 360}
)

// TestNegotiateFormat тестирует выбор формата из списка поддерживаемых
// Проверяет:
// - Точное совпадение имеет приоритет
// - Перенос payload type из запрошенного формата
// - Подбор ближайшего размера для видео
// - Ошибку ErrorCodeFormatNotSupported при несовместимости
func TestNegotiateFormat(t *testing.T) {
	tests := []struct {
		name        string
		requested   Format
		supported   []Format
		expected    Format
		expectError bool
		description string
	}{
		{
			name:        "Точное совпадение аудио",
			requested:   pcmu,
			supported:   []Format{pcma, pcmu},
			expected:    pcmu,
			description: "PCMU выбирается из списка при точном совпадении",
		},
		{
			name:      "Перенос payload type",
			requested: opus,
			supported: []Format{{Kind: KindAudio, Encoding: "opus", ClockRate: 48000, Channels: 2}},
			expected:  opus,
			description: "Динамический payload type запрошенного формата " +
				"переносится в согласованный",
		},
		{
			name:        "Видео с понижением размера",
			requested:   vp8HD,
			supported:   []Format{vp8SD},
			expected:    vp8SD,
			description: "При отсутствии точного размера берется наибольший не превышающий",
		},
		{
			name:      "Видео только большего размера",
			requested: vp8SD,
			supported: []Format{vp8HD},
			expected:  vp8HD,
			description: "Если все поддерживаемые размеры больше запрошенного, " +
				"берется наименьший доступный",
		},
		{
			name:      "Ограничение битрейта",
			requested: Format{Kind: KindVideo, Encoding: "VP8", ClockRate: 90000, Width: 1280, Height: 720, MaxBitrate: 500_000},
			supported: []Format{{Kind: KindVideo, Encoding: "VP8", ClockRate: 90000, Width: 640, Height: 360, MaxBitrate: 2_000_000}},
			expected:  Format{Kind: KindVideo, Encoding: "VP8", ClockRate: 90000, Width: 640, Height: 360, MaxBitrate: 500_000},
			description: "Битрейт согласованного формата ограничивается " +
				"запрошенным максимумом",
		},
		{
			name:        "Несовместимое кодирование",
			requested:   pcmu,
			supported:   []Format{opus},
			expectError: true,
			description: "Аудио без совпадения кодирования не согласуется",
		},
		{
			name:        "Несовпадение каналов аудио",
			requested:   Format{Kind: KindAudio, Encoding: "opus", ClockRate: 48000, Channels: 1},
			supported:   []Format{opus},
			expectError: true,
			description: "Количество каналов аудио должно совпадать точно",
		},
		{
			name:        "Пустой список поддерживаемых",
			requested:   pcmu,
			supported:   nil,
			expectError: true,
			description: "Пустой список всегда дает ошибку",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateFormat(tt.requested, tt.supported)
			if tt.expectError {
				if err == nil {
					t.Fatalf("ожидалась ошибка: %s", tt.description)
				}
				if !errors.Is(err, ErrCode(ErrorCodeFormatNotSupported)) {
					t.Errorf("код ошибки не ErrorCodeFormatNotSupported: %v", err)
				}
				var fe *FormatError
				if !errors.As(err, &fe) {
					t.Errorf("ошибка не является *FormatError: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("неожиданная ошибка: %v (%s)", err, tt.description)
			}
			if got != tt.expected {
				t.Errorf("NegotiateFormat() = %+v, ожидалось %+v (%s)", got, tt.expected, tt.description)
			}
		})
	}
}

// TestFormatMatchesCompatible тестирует отношения точного совпадения
// и совместимости форматов
func TestFormatMatchesCompatible(t *testing.T) {
	tests := []struct {
		name       string
		a, b       Format
		matches    bool
		compatible bool
	}{
		{
			name:       "Идентичные аудио форматы",
			a:          pcmu,
			b:          pcmu,
			matches:    true,
			compatible: true,
		},
		{
			name:       "Payload type не влияет на совпадение",
			a:          pcmu,
			b:          Format{Kind: KindAudio, Encoding: "PCMU", PayloadType: 96, ClockRate: 8000, Channels: 1},
			matches:    true,
			compatible: true,
		},
		{
			name:       "Видео разных размеров совместимы",
			a:          vp8HD,
			b:          vp8SD,
			matches:    false,
			compatible: true,
		},
		{
			name:       "Разные кодирования несовместимы",
			a:          pcmu,
			b:          pcma,
			matches:    false,
			compatible: false,
		},
		{
			name:       "Аудио и видео несовместимы",
			a:          pcmu,
			b:          vp8HD,
			matches:    false,
			compatible: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Matches(tt.b); got != tt.matches {
				t.Errorf("Matches() = %v, ожидалось %v", got, tt.matches)
			}
			if got := tt.a.Compatible(tt.b); got != tt.compatible {
				t.Errorf("Compatible() = %v, ожидалось %v", got, tt.compatible)
			}
		})
	}
}

// TestMediaErrorWrapping тестирует обертывание и сопоставление медиа ошибок
func TestMediaErrorWrapping(t *testing.T) {
	err := NewMediaError(ErrorCodeDeviceUnavailable, "session-1", "устройство занято")

	if !errors.Is(err, ErrCode(ErrorCodeDeviceUnavailable)) {
		t.Error("errors.Is не сопоставляет ошибку по коду")
	}
	if errors.Is(err, ErrCode(ErrorCodeSessionClosed)) {
		t.Error("errors.Is сопоставил ошибку с чужим кодом")
	}

	var me *MediaError
	if !errors.As(err, &me) {
		t.Fatal("errors.As не извлекает *MediaError")
	}
	if me.SessionID != "session-1" {
		t.Errorf("SessionID = %q, ожидалось session-1", me.SessionID)
	}
}

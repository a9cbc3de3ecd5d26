package mixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodePCM разбирает кадр PCM 16 бит little-endian в срез отсчетов
func decodePCM(frame []byte) []int16 {
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
	}
	return out
}

// TestBusMixing проверяет суммирование вкладов нескольких потоков
func TestBusMixing(t *testing.T) {
	b := NewBus()
	var frames [][]byte
	b.setDeliver(func(frame []byte) {
		frames = append(frames, append([]byte(nil), frame...))
	})

	b.Contribute(1, pcmFrame(100, 4))
	b.Contribute(2, pcmFrame(200, 4))
	b.Flush()

	require.Len(t, frames, 1)
	for _, s := range decodePCM(frames[0]) {
		assert.Equal(t, int16(300), s, "вклады должны суммироваться поотсчетно")
	}
}

// TestBusSaturation проверяет ограничение суммы диапазоном int16
func TestBusSaturation(t *testing.T) {
	b := NewBus()
	var frames [][]byte
	b.setDeliver(func(frame []byte) {
		frames = append(frames, append([]byte(nil), frame...))
	})

	b.Contribute(1, pcmFrame(30000, 2))
	b.Contribute(2, pcmFrame(30000, 2))
	b.Contribute(3, pcmFrame(-30000, 2))
	b.Contribute(3, pcmFrame(0, 2)) // дубликат закрывает поколение

	require.Len(t, frames, 1)
	for _, s := range decodePCM(frames[0]) {
		assert.Equal(t, int16(30000), s)
	}

	b.Contribute(1, pcmFrame(-30000, 2))
	b.Contribute(2, pcmFrame(-30000, 2))
	b.Flush()
	require.Len(t, frames, 2)
	for _, s := range decodePCM(frames[1]) {
		assert.Equal(t, int16(-32768), s, "переполнение вниз ограничивается минимумом int16")
	}
}

// TestBusGenerations проверяет, что повторный вклад потока закрывает
// текущее поколение: каждое поколение выдается ровно один раз и
// невыданных поколений не накапливается
func TestBusGenerations(t *testing.T) {
	b := NewBus()
	var frames [][]byte
	b.setDeliver(func(frame []byte) {
		frames = append(frames, append([]byte(nil), frame...))
	})

	// Пустая шина не выдает кадров
	b.Flush()
	assert.Empty(t, frames)

	b.Contribute(7, pcmFrame(10, 2))
	b.Contribute(7, pcmFrame(20, 2)) // второй кадр того же потока
	b.Contribute(7, pcmFrame(30, 2))

	require.Len(t, frames, 2, "каждый дубликат закрывает предыдущее поколение")
	assert.Equal(t, int16(10), decodePCM(frames[0])[0])
	assert.Equal(t, int16(20), decodePCM(frames[1])[0])

	b.Flush()
	require.Len(t, frames, 3)
	assert.Equal(t, int16(30), decodePCM(frames[2])[0])

	// Повторный Flush без вкладов ничего не выдает
	b.Flush()
	assert.Len(t, frames, 3)
}

// TestBusFrameLengths проверяет микс вкладов разной длины
func TestBusFrameLengths(t *testing.T) {
	b := NewBus()
	var frames [][]byte
	b.setDeliver(func(frame []byte) {
		frames = append(frames, append([]byte(nil), frame...))
	})

	b.Contribute(1, pcmFrame(100, 2))
	b.Contribute(2, pcmFrame(50, 4))
	b.Flush()

	require.Len(t, frames, 1)
	samples := decodePCM(frames[0])
	require.Len(t, samples, 4, "длина микса равна длине наибольшего вклада")
	assert.Equal(t, int16(150), samples[0])
	assert.Equal(t, int16(150), samples[1])
	assert.Equal(t, int16(50), samples[2])
	assert.Equal(t, int16(50), samples[3])
}

package mixer

import (
	"sync"

	"github.com/arzzra/media_engine/pkg/media"
)

// Bus шина микширования: суммирует вклады входящих потоков в один кадр
// и отдает смешанный результат единственному потребителю.
//
// Кадры предполагаются PCM 16 бит little-endian, доставленными в порядке
// воспроизведения (джиттер и упорядочивание - забота транспорта). Вклады
// накапливаются в 32-битном аккумуляторе и ограничиваются диапазоном int16
// при выдаче. Повторный вклад от уже учтенного потока закрывает текущее
// поколение кадра: каждое поколение выдается ровно один раз.
type Bus struct {
	mu          sync.Mutex
	pending     []int32
	pendingLen  int
	contributed map[media.SSRC]struct{}
	out         []byte

	deliver func(frame []byte)
}

// NewBus создает пустую шину микширования
func NewBus() *Bus {
	return &Bus{
		contributed: make(map[media.SSRC]struct{}),
	}
}

// setDeliver устанавливает потребителя смешанных кадров
func (b *Bus) setDeliver(deliver func(frame []byte)) {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
}

// Contribute добавляет кадр потока в текущее поколение микса
func (b *Bus) Contribute(ssrc media.SSRC, frame []byte) {
	b.mu.Lock()

	if _, dup := b.contributed[ssrc]; dup {
		b.flushLocked()
	}
	b.contributed[ssrc] = struct{}{}

	samples := len(frame) / 2
	if samples > len(b.pending) {
		grown := make([]int32, samples)
		copy(grown, b.pending)
		b.pending = grown
	}
	if samples > b.pendingLen {
		b.pendingLen = samples
	}
	for i := 0; i < samples; i++ {
		b.pending[i] += int32(int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8))
	}

	b.mu.Unlock()
}

// Flush выдает накопленное поколение микса потребителю. Вызывается в
// каденсе кадров захвата; пустое поколение не выдается.
func (b *Bus) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// flushLocked ограничивает аккумулятор диапазоном int16 и выдает кадр
func (b *Bus) flushLocked() {
	if b.pendingLen == 0 {
		return
	}

	n := b.pendingLen * 2
	if cap(b.out) < n {
		b.out = make([]byte, n)
	}
	out := b.out[:n]
	for i := 0; i < b.pendingLen; i++ {
		v := b.pending[i]
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
		b.pending[i] = 0
	}
	b.pendingLen = 0
	for ssrc := range b.contributed {
		delete(b.contributed, ssrc)
	}

	if b.deliver != nil {
		b.deliver(out)
	}
}

// busSource адаптирует выход шины под media.DataSource для тракта
// воспроизведения микса
type busSource struct {
	bus    *Bus
	format media.Format
}

var _ media.DataSource = (*busSource)(nil)

func (s *busSource) SupportedFormats() []media.Format {
	return []media.Format{s.format}
}

func (s *busSource) SetFormat(media.Format) error { return nil }

func (s *busSource) Start(deliver func(frame []byte)) error {
	s.bus.setDeliver(deliver)
	return nil
}

func (s *busSource) Stop() error {
	s.bus.setDeliver(nil)
	return nil
}

func (s *busSource) Close() error {
	s.bus.setDeliver(nil)
	return nil
}

package session

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/arzzra/media_engine/pkg/media"
)

// PacketSource адаптирует поток RTP пакетов от транспортного слоя под
// media.DataSource, пригодный для AddInboundStream.
//
// Транспорт вызывает Push для каждого пакета из своего потока приема;
// пакеты предполагаются декодированными и упорядоченными (джиттер-буфер -
// забота транспорта). Пока тракт не запущен, пакеты отбрасываются.
type PacketSource struct {
	ssrc   media.SSRC
	format media.Format

	mu      sync.Mutex
	deliver func(frame []byte)

	started atomic.Bool
	closed  atomic.Bool

	// Счетчики для диагностики
	packetsIn      atomic.Uint64
	packetsDropped atomic.Uint64
}

var _ media.DataSource = (*PacketSource)(nil)

// NewPacketSource создает источник кадров для входящего потока с указанным
// SSRC и форматом полезной нагрузки.
func NewPacketSource(ssrc media.SSRC, format media.Format) *PacketSource {
	return &PacketSource{
		ssrc:   ssrc,
		format: format,
	}
}

// SSRC возвращает идентификатор источника синхронизации потока
func (ps *PacketSource) SSRC() media.SSRC {
	return ps.ssrc
}

// Push принимает очередной RTP пакет от транспорта. Пакеты с чужим SSRC и
// пакеты до запуска тракта отбрасываются со счетчиком.
func (ps *PacketSource) Push(packet *rtp.Packet) {
	if packet == nil || ps.closed.Load() {
		return
	}
	ps.packetsIn.Add(1)

	if media.SSRC(packet.SSRC) != ps.ssrc || !ps.started.Load() {
		ps.packetsDropped.Add(1)
		return
	}

	ps.mu.Lock()
	deliver := ps.deliver
	ps.mu.Unlock()
	if deliver == nil {
		ps.packetsDropped.Add(1)
		return
	}
	deliver(packet.Payload)
}

// SupportedFormats реализует media.DataSource
func (ps *PacketSource) SupportedFormats() []media.Format {
	return []media.Format{ps.format}
}

// SetFormat реализует media.DataSource; формат фиксирован транспортом
func (ps *PacketSource) SetFormat(format media.Format) error {
	if !format.Matches(ps.format) {
		return media.NewFormatError("", format, []media.Format{ps.format})
	}
	return nil
}

// Start начинает доставку полезной нагрузки пакетов в deliver
func (ps *PacketSource) Start(deliver func(frame []byte)) error {
	if ps.closed.Load() {
		return media.NewMediaError(media.ErrorCodeClosedPipeline, "", "источник пакетов закрыт")
	}
	ps.mu.Lock()
	ps.deliver = deliver
	ps.mu.Unlock()
	ps.started.Store(true)
	return nil
}

// Stop приостанавливает доставку
func (ps *PacketSource) Stop() error {
	ps.started.Store(false)
	return nil
}

// Close терминально останавливает источник
func (ps *PacketSource) Close() error {
	ps.closed.Store(true)
	ps.started.Store(false)
	ps.mu.Lock()
	ps.deliver = nil
	ps.mu.Unlock()
	return nil
}

// Stats возвращает счетчики принятых и отброшенных пакетов
func (ps *PacketSource) Stats() (received, dropped uint64) {
	return ps.packetsIn.Load(), ps.packetsDropped.Load()
}

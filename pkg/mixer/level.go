package mixer

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/metrics"
)

// LevelSilence уровень полной тишины. Шкала уровней инвертирована и
// совместима по диапазону с RFC 6464: 0 - максимальная громкость,
// 127 - тишина.
const LevelSilence uint8 = 127

// LevelListener получает вычисленные уровни звука. Вызывается синхронно
// из потока обработки аудио: реализация не должна блокировать. Паника
// слушателя перехватывается и логируется, не прерывая цикл микширования.
type LevelListener interface {
	OnLevel(level uint8)
}

// LevelCache разделяемый кеш последних уровней по ключу SSRC.
// Позволяет опрашивать уровни (pull), а не только получать их push-моделью.
type LevelCache struct {
	levels sync.Map // media.SSRC -> uint8
}

// LocalLevelKey ключ кеша для уровня локального пользователя.
// Значение вне диапазона валидных SSRC потоков данной сессии.
const LocalLevelKey media.SSRC = 0

// NewLevelCache создает пустой кеш уровней
func NewLevelCache() *LevelCache {
	return &LevelCache{}
}

// Store записывает последний уровень для ключа
func (c *LevelCache) Store(key media.SSRC, level uint8) {
	c.levels.Store(key, level)
}

// Load возвращает последний уровень для ключа
func (c *LevelCache) Load(key media.SSRC) (uint8, bool) {
	v, ok := c.levels.Load(key)
	if !ok {
		return LevelSilence, false
	}
	return v.(uint8), true
}

// Delete удаляет ключ из кеша
func (c *LevelCache) Delete(key media.SSRC) {
	c.levels.Delete(key)
}

// ComputeLevel вычисляет уровень звука кадра PCM 16 бит little-endian.
// RMS энергия переводится в dBFS и отображается на шкалу 0..127
// (0 - максимум, 127 - тишина). Не аллоцирует.
func ComputeLevel(frame []byte) uint8 {
	samples := len(frame) / 2
	if samples == 0 {
		return LevelSilence
	}

	var sum uint64
	for i := 0; i+1 < len(frame); i += 2 {
		s := int64(int16(uint16(frame[i]) | uint16(frame[i+1])<<8))
		sum += uint64(s * s)
	}
	if sum == 0 {
		return LevelSilence
	}

	rms := math.Sqrt(float64(sum) / float64(samples))
	dbfs := 20 * math.Log10(rms/32768.0)
	level := int(math.Round(-dbfs))

	if level < 0 {
		return 0
	}
	if level > int(LevelSilence) {
		return LevelSilence
	}
	return uint8(level)
}

// listenerBox обертка для атомарного хранения слушателя разных конкретных типов
type listenerBox struct {
	listener LevelListener
}

// cacheRef привязка дескриптора к разделяемому кешу
type cacheRef struct {
	cache *LevelCache
	key   media.SSRC
}

// AudioLevelDispatcher вычисляет уровень звука по кадрам и раздает его
// слушателю и разделяемому кешу.
//
// Переиспользуемый узел fan-out: AddData вызывается на каждый аудио буфер
// (50+ раз в секунду) и не аллоцирует. Слушатель nil отключает вычисление
// целиком, если не подключен кеш - экономия CPU, когда уровень никому
// не нужен.
type AudioLevelDispatcher struct {
	listener atomic.Pointer[listenerBox]
	cache    atomic.Pointer[cacheRef]
	last     atomic.Uint32

	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewAudioLevelDispatcher создает дескриптор уровней без слушателя и кеша
func NewAudioLevelDispatcher(logger *slog.Logger, collector *metrics.Collector) *AudioLevelDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &AudioLevelDispatcher{
		logger:  logger,
		metrics: collector,
	}
	d.last.Store(uint32(LevelSilence))
	return d
}

// SetListener заменяет зарегистрированного слушателя; nil отключает
// вычисление уровней (короткое замыкание горячего пути).
func (d *AudioLevelDispatcher) SetListener(l LevelListener) {
	if l == nil {
		d.listener.Store(nil)
		return
	}
	d.listener.Store(&listenerBox{listener: l})
}

// SetCache подключает разделяемый кеш уровней с ключом потока;
// nil отключает запись в кеш.
func (d *AudioLevelDispatcher) SetCache(cache *LevelCache, key media.SSRC) {
	if cache == nil {
		d.cache.Store(nil)
		return
	}
	d.cache.Store(&cacheRef{cache: cache, key: key})
}

// Level возвращает последний вычисленный уровень
func (d *AudioLevelDispatcher) Level() uint8 {
	return uint8(d.last.Load())
}

// AddData вычисляет уровень очередного кадра и уведомляет слушателя.
// Горячий путь: без слушателя и кеша возвращается немедленно, уровень
// не вычисляется. Уведомление синхронно в вызывающем потоке; паника
// слушателя перехватывается.
func (d *AudioLevelDispatcher) AddData(frame []byte) {
	box := d.listener.Load()
	ref := d.cache.Load()
	if box == nil && ref == nil {
		return
	}

	level := ComputeLevel(frame)
	d.last.Store(uint32(level))

	if ref != nil {
		ref.cache.Store(ref.key, level)
	}
	if box != nil {
		d.notify(box.listener, level)
	}
}

// notify вызывает слушателя, изолируя его панику от аудио потока
func (d *AudioLevelDispatcher) notify(l LevelListener, level uint8) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("паника слушателя уровня", slog.Any("panic", r))
		}
	}()
	l.OnLevel(level)
	d.metrics.LevelDispatched()
}

// LevelProbe трансформ-измеритель уровня: вставляется в цепочку тракта
// и прозрачно пропускает кадры, передавая их дескриптору уровней.
type LevelProbe struct {
	dispatcher *AudioLevelDispatcher
}

var _ media.Transform = (*LevelProbe)(nil)

// NewLevelProbe создает измеритель уровня поверх дескриптора
func NewLevelProbe(d *AudioLevelDispatcher) *LevelProbe {
	return &LevelProbe{dispatcher: d}
}

// SupportedFormats реализует media.Transform; измеритель принимает любой
// аудио формат
func (p *LevelProbe) SupportedFormats() []media.Format {
	return nil
}

// SetFormat реализует media.Transform
func (p *LevelProbe) SetFormat(format media.Format) error {
	if format.Kind != media.KindAudio {
		return media.NewFormatError("", format, nil)
	}
	return nil
}

// Process передает кадр дескриптору уровней и возвращает его без изменений
func (p *LevelProbe) Process(frame []byte) []byte {
	p.dispatcher.AddData(frame)
	return frame
}

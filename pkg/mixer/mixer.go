// Package mixer реализует сессию микширования: координацию многих медиа
// сессий вокруг одного физического устройства захвата и одной общей шины
// вывода.
//
// MixingSession владеет общим трактом захвата (один на все дочерние сессии,
// закрывается при удалении последней), раздает захваченные кадры дочерним
// сессиям через ответвления, подавляет выделенные тракты воспроизведения
// дочерних сессий (весь удаленный звук суммируется шиной и рендерится один
// раз) и ведет диспетчеризацию уровней звука: локального и по SSRC каждого
// входящего потока.
//
// Списки слушателей копируются при изменении (copy-on-write): доставка
// уровня никогда не держит блокировку во время вызова пользовательского
// callback'а, поэтому медленный или реентерабельный слушатель не блокирует
// аудио поток и не создает инверсию порядка блокировок с путем записи.
package mixer

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/metrics"
	"github.com/arzzra/media_engine/pkg/pipeline"
	"github.com/arzzra/media_engine/pkg/session"
)

// Handler содержит callback'и событий сессии микширования.
// Все поля опциональны; вызовы приходят из потоков обработки аудио.
type Handler struct {
	// OnLocalLevel уровень локально захваченного звука
	OnLocalLevel func(level uint8)

	// OnStreamLevel уровень входящего потока по SSRC
	OnStreamLevel func(ssrc media.SSRC, level uint8)

	// OnSSRCListChanged изменение набора участвующих потоков
	OnSSRCListChanged func(old, updated []media.SSRC)
}

// Config содержит параметры конфигурации для создания MixingSession
type Config struct {
	SessionID string

	// CaptureSource фабрика ручек общего физического устройства захвата
	CaptureSource session.SourceFactory

	// CaptureSink сетевой приемник локально захваченного звука; опционален
	CaptureSink session.SinkFactory

	// CaptureTransforms цепочка трансформов общего тракта захвата
	CaptureTransforms []media.Transform

	// BusSink рендер смешанного звука (устройство вывода)
	BusSink media.DataSink

	// Format формат работы шины и тракта захвата
	Format media.Format

	// LevelCache разделяемый кеш уровней; nil означает собственный кеш
	LevelCache *LevelCache

	Handler          *Handler
	ConfigureTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Collector
}

// levelListenerEntry слушатель локального уровня со счетчиком регистраций.
// Один и тот же слушатель, добавленный двумя дочерними сессиями, считается
// дважды и удаляется только после двух снятий.
type levelListenerEntry struct {
	listener LevelListener
	refs     int
}

// MixingSession координирует дочерние медиа сессии вокруг общего
// устройства захвата и общей шины микширования
type MixingSession struct {
	id     string
	format media.Format

	// bus владеет общим трактом захвата; его выход раздается ответвлениям
	bus *session.Session

	// busPlayback единственный тракт воспроизведения микса
	mixBus      *Bus
	busPlayback *pipeline.Pipeline
	busSink     media.DataSink

	mu             sync.Mutex
	children       map[*session.Session]struct{}
	captureStarted bool

	// Ответвления общего захвата для дочерних сессий (copy-on-write)
	taps atomic.Pointer[[]*captureTap]

	// Слушатели локального уровня (copy-on-write, со счетчиками)
	listenersMu     sync.Mutex
	listeners       atomic.Pointer[[]levelListenerEntry]
	localDispatcher *AudioLevelDispatcher

	// Диспетчеры уровней входящих потоков по SSRC. Ассоциация слушателя,
	// зарегистрированного до появления потока, откладывается в deferred
	// и применяется при появлении.
	streamsMu   sync.RWMutex
	dispatchers map[media.SSRC]*AudioLevelDispatcher
	deferred    map[media.SSRC]LevelListener
	sources     map[media.SSRC]media.DataSource
	ssrcs       []media.SSRC

	cache   *LevelCache
	handler *Handler
	closing atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New создает сессию микширования. Общий тракт захвата создается лениво:
// при первом ответвлении дочерней сессии или первом слушателе локального
// уровня.
func New(config Config) (*MixingSession, error) {
	if config.SessionID == "" {
		return nil, media.NewMediaError(media.ErrorCodeInvalidConfig, "", "session ID обязателен")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "mixing_session"), slog.String("session_id", config.SessionID))

	cache := config.LevelCache
	if cache == nil {
		cache = NewLevelCache()
	}

	bus, err := session.New(session.Config{
		SessionID:         config.SessionID + "-bus",
		CaptureSource:     config.CaptureSource,
		CaptureSink:       config.CaptureSink,
		CaptureTransforms: config.CaptureTransforms,
		Format:            config.Format,
		ConfigureTimeout:  config.ConfigureTimeout,
		Logger:            logger,
		Metrics:           config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	m := &MixingSession{
		id:          config.SessionID,
		format:      config.Format,
		bus:         bus,
		mixBus:      NewBus(),
		busSink:     config.BusSink,
		children:    make(map[*session.Session]struct{}),
		dispatchers: make(map[media.SSRC]*AudioLevelDispatcher),
		deferred:    make(map[media.SSRC]LevelListener),
		sources:     make(map[media.SSRC]media.DataSource),
		cache:       cache,
		handler:     config.Handler,
		logger:      logger,
		metrics:     config.Metrics,
	}
	m.localDispatcher = NewAudioLevelDispatcher(logger, config.Metrics)
	return m, nil
}

// ID возвращает идентификатор сессии микширования
func (m *MixingSession) ID() string {
	return m.id
}

// Levels возвращает разделяемый кеш уровней для опроса по ключу
func (m *MixingSession) Levels() *LevelCache {
	return m.cache
}

// NewChildSession создает дочернюю медиа сессию, подключенную к общему
// устройству захвата и шине микширования, и добавляет ее в членство.
// Тракт захвата дочерней сессии получает кадры из ответвления общего
// тракта; тракты воспроизведения подавлены стратегией шины.
func (m *MixingSession) NewChildSession(childID string) (*session.Session, error) {
	if m.closing.Load() {
		return nil, media.NewMediaError(media.ErrorCodeSessionClosed, m.id, "сессия микширования закрыта")
	}

	child, err := session.New(session.Config{
		SessionID: childID,
		CaptureSource: func() (media.DataSource, error) {
			return m.newCaptureTap()
		},
		Format:   m.format,
		Strategy: &busPlaybackStrategy{mixer: m},
		Handler: &session.Handler{
			OnPlaybackRemoved: func(ssrc media.SSRC) {
				m.unregisterInboundStream(ssrc)
			},
		},
		Logger:  m.logger,
		Metrics: m.metrics,
	})
	if err != nil {
		return nil, err
	}

	m.AddChildSession(child)
	return child, nil
}

// AddChildSession добавляет сессию в членство сессии микширования
func (m *MixingSession) AddChildSession(child *session.Session) {
	m.mu.Lock()
	m.children[child] = struct{}{}
	count := len(m.children)
	m.mu.Unlock()

	m.logger.Debug("дочерняя сессия добавлена",
		slog.String("child_id", child.ID()), slog.Int("children", count))
}

// RemoveChildSession удаляет сессию из членства. Удаление последней
// дочерней сессии закрывает общий тракт захвата и всю сессию микширования:
// счетчиком владения служит само членство.
func (m *MixingSession) RemoveChildSession(child *session.Session) {
	m.mu.Lock()
	delete(m.children, child)
	empty := len(m.children) == 0
	m.mu.Unlock()

	m.logger.Debug("дочерняя сессия удалена", slog.String("child_id", child.ID()))
	if empty {
		_ = m.Close()
	}
}

// ChildCount возвращает количество дочерних сессий
func (m *MixingSession) ChildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.children)
}

// SharedCapture возвращает общий тракт захвата или nil, если он еще
// не создан. Предназначен для тестов.
func (m *MixingSession) SharedCapture() *pipeline.Pipeline {
	return m.bus.Capture()
}

// AddLocalLevelListener регистрирует слушателя уровня локального звука.
// Повторная регистрация того же слушателя увеличивает счетчик ссылок:
// разные дочерние сессии могут независимо интересоваться одним слушателем.
// Первый слушатель включает вычисление уровней, до того оно выключено
// полностью (экономия CPU на горячем пути).
func (m *MixingSession) AddLocalLevelListener(l LevelListener) {
	if l == nil {
		return
	}

	m.listenersMu.Lock()
	old := m.loadListeners()
	updated := make([]levelListenerEntry, len(old), len(old)+1)
	copy(updated, old)

	found := false
	for i := range updated {
		if updated[i].listener == l {
			updated[i].refs++
			found = true
			break
		}
	}
	if !found {
		updated = append(updated, levelListenerEntry{listener: l, refs: 1})
	}
	m.listeners.Store(&updated)
	becameActive := len(old) == 0
	m.listenersMu.Unlock()

	if becameActive {
		m.localDispatcher.SetCache(m.cache, LocalLevelKey)
		m.localDispatcher.SetListener(&localFanout{mixer: m})
		if err := m.ensureCaptureStarted(); err != nil {
			m.logger.Warn("запуск общего тракта захвата", slog.String("error", err.Error()))
		}
	}
}

// RemoveLocalLevelListener уменьшает счетчик регистраций слушателя и
// удаляет его при достижении нуля. Снятие последнего слушателя выключает
// вычисление локальных уровней.
func (m *MixingSession) RemoveLocalLevelListener(l LevelListener) {
	m.listenersMu.Lock()
	old := m.loadListeners()
	updated := make([]levelListenerEntry, 0, len(old))
	for _, e := range old {
		if e.listener == l {
			e.refs--
			if e.refs <= 0 {
				continue
			}
		}
		updated = append(updated, e)
	}
	m.listeners.Store(&updated)
	empty := len(updated) == 0
	m.listenersMu.Unlock()

	if empty {
		m.localDispatcher.SetListener(nil)
		m.localDispatcher.SetCache(nil, 0)
	}
}

// loadListeners возвращает текущий список слушателей (может быть nil)
func (m *MixingSession) loadListeners() []levelListenerEntry {
	if p := m.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

// AddInboundStream регистрирует входящий поток на шине микширования.
// Выделенный тракт воспроизведения не создается: весь удаленный звук
// суммируется шиной и рендерится один раз.
func (m *MixingSession) AddInboundStream(ssrc media.SSRC, source media.DataSource) error {
	if m.closing.Load() {
		return media.NewMediaError(media.ErrorCodeSessionClosed, m.id, "addInboundStream на закрытой сессии микширования")
	}
	m.registerInboundStream(ssrc, source)
	return nil
}

// RemoveInboundStream снимает поток с шины микширования. Идемпотентен.
func (m *MixingSession) RemoveInboundStream(ssrc media.SSRC) error {
	m.unregisterInboundStream(ssrc)
	return nil
}

// SSRCs возвращает текущий набор участвующих потоков
func (m *MixingSession) SSRCs() []media.SSRC {
	m.streamsMu.RLock()
	defer m.streamsMu.RUnlock()
	out := make([]media.SSRC, len(m.ssrcs))
	copy(out, m.ssrcs)
	return out
}

// SetStreamLevelListener ассоциирует слушателя уровня с входящим потоком
// или снимает ассоциацию (nil). Регистрация до появления потока
// откладывается и применяется, когда поток начнет поступать: порядок
// "слушатель, затем поток" и "поток, затем слушатель" эквивалентен.
func (m *MixingSession) SetStreamLevelListener(ssrc media.SSRC, l LevelListener) {
	m.streamsMu.Lock()
	d, exists := m.dispatchers[ssrc]
	if !exists {
		if l == nil {
			delete(m.deferred, ssrc)
		} else {
			m.deferred[ssrc] = l
		}
		m.streamsMu.Unlock()
		return
	}
	m.streamsMu.Unlock()

	m.applyStreamListener(d, ssrc, l)
}

// applyStreamListener устанавливает слушателя диспетчера потока с учетом
// подписки владельца на уровни потоков
func (m *MixingSession) applyStreamListener(d *AudioLevelDispatcher, ssrc media.SSRC, l LevelListener) {
	if l == nil && (m.handler == nil || m.handler.OnStreamLevel == nil) {
		d.SetListener(nil)
		return
	}
	d.SetListener(&streamFanout{mixer: m, ssrc: ssrc, listener: l})
}

// MixContribution принимает очередной буфер вклада входящего потока:
// уровень раздается диспетчеру потока, кадр суммируется шиной.
// Вызывается на каждый аудио буфер из потоков транспортного слоя.
func (m *MixingSession) MixContribution(ssrc media.SSRC, frame []byte) {
	if m.closing.Load() {
		return
	}
	start := time.Now()

	m.streamsMu.RLock()
	d := m.dispatchers[ssrc]
	m.streamsMu.RUnlock()
	if d != nil {
		d.AddData(frame)
	}

	m.mixBus.Contribute(ssrc, frame)
	m.metrics.ObserveMix(time.Since(start))
}

// Close закрывает сессию микширования: останавливает входящие потоки,
// закрывает тракт воспроизведения шины и общий тракт захвата. Идемпотентен.
func (m *MixingSession) Close() error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}

	m.streamsMu.Lock()
	sources := m.sources
	old := m.ssrcs
	m.sources = make(map[media.SSRC]media.DataSource)
	m.dispatchers = make(map[media.SSRC]*AudioLevelDispatcher)
	m.deferred = make(map[media.SSRC]LevelListener)
	m.ssrcs = nil
	m.streamsMu.Unlock()

	for _, src := range sources {
		if err := src.Stop(); err != nil {
			m.logger.Debug("остановка входящего источника", slog.String("error", err.Error()))
		}
	}
	if len(old) > 0 {
		m.notifySSRCListChanged(old, nil)
	}

	m.mu.Lock()
	busPlayback := m.busPlayback
	m.busPlayback = nil
	m.mu.Unlock()
	if busPlayback != nil {
		_ = busPlayback.Close()
	}

	err := m.bus.Close()
	m.logger.Debug("сессия микширования закрыта")
	return err
}

// newCaptureTap создает ответвление общего тракта захвата для дочерней
// сессии и запускает общий тракт, если он еще не запущен
func (m *MixingSession) newCaptureTap() (media.DataSource, error) {
	if err := m.ensureCaptureStarted(); err != nil {
		return nil, err
	}

	tap := &captureTap{mixer: m, format: m.format}

	m.mu.Lock()
	old := m.loadTaps()
	updated := make([]*captureTap, len(old), len(old)+1)
	copy(updated, old)
	updated = append(updated, tap)
	m.taps.Store(&updated)
	m.mu.Unlock()

	return tap, nil
}

// removeTap удаляет ответвление из списка раздачи
func (m *MixingSession) removeTap(tap *captureTap) {
	m.mu.Lock()
	old := m.loadTaps()
	updated := make([]*captureTap, 0, len(old))
	for _, t := range old {
		if t != tap {
			updated = append(updated, t)
		}
	}
	m.taps.Store(&updated)
	m.mu.Unlock()
}

// loadTaps возвращает текущий список ответвлений (может быть nil)
func (m *MixingSession) loadTaps() []*captureTap {
	if p := m.taps.Load(); p != nil {
		return *p
	}
	return nil
}

// ensureCaptureStarted запускает общий тракт захвата, направляя его выход
// в onLocalFrame. Идемпотентен.
func (m *MixingSession) ensureCaptureStarted() error {
	m.mu.Lock()
	if m.captureStarted {
		m.mu.Unlock()
		return nil
	}
	m.captureStarted = true
	m.mu.Unlock()

	if err := m.bus.Start(media.DirectionSendOnly); err != nil {
		m.mu.Lock()
		m.captureStarted = false
		m.mu.Unlock()
		return err
	}
	out, err := m.bus.OutputDataSource()
	if err != nil {
		m.mu.Lock()
		m.captureStarted = false
		m.mu.Unlock()
		return err
	}
	return out.Start(m.onLocalFrame)
}

// onLocalFrame обрабатывает очередной кадр общего тракта захвата:
// уровень локального звука, раздача ответвлениям дочерних сессий и
// закрытие текущего поколения микса (каденс кадров захвата задает
// каденс рендера шины).
func (m *MixingSession) onLocalFrame(frame []byte) {
	if m.closing.Load() {
		return
	}

	m.localDispatcher.AddData(frame)

	for _, tap := range m.loadTaps() {
		tap.deliverFrame(frame)
	}

	m.mixBus.Flush()
}

// registerInboundStream подключает входящий поток к шине: создает диспетчер
// уровня с кешем, применяет отложенного слушателя, запускает источник и
// объявляет изменение набора SSRC.
func (m *MixingSession) registerInboundStream(ssrc media.SSRC, source media.DataSource) {
	m.streamsMu.Lock()
	if _, dup := m.dispatchers[ssrc]; dup {
		m.streamsMu.Unlock()
		return
	}

	d := NewAudioLevelDispatcher(m.logger, m.metrics)
	d.SetCache(m.cache, ssrc)
	deferred, hasDeferred := m.deferred[ssrc]
	delete(m.deferred, ssrc)

	m.dispatchers[ssrc] = d
	m.sources[ssrc] = source

	old := m.ssrcs
	updated := make([]media.SSRC, len(old), len(old)+1)
	copy(updated, old)
	updated = append(updated, ssrc)
	m.ssrcs = updated
	m.streamsMu.Unlock()

	if hasDeferred {
		m.applyStreamListener(d, ssrc, deferred)
	} else {
		m.applyStreamListener(d, ssrc, nil)
	}

	if err := m.ensureBusPlayback(); err != nil {
		m.logger.Warn("тракт воспроизведения шины", slog.String("error", err.Error()))
	}

	if err := source.SetFormat(m.format); err != nil {
		m.logger.Warn("формат входящего потока",
			slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
	}
	if err := source.Start(func(frame []byte) {
		m.MixContribution(ssrc, frame)
	}); err != nil {
		m.logger.Warn("запуск входящего источника",
			slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
	}

	m.notifySSRCListChanged(old, updated)
}

// unregisterInboundStream снимает поток с шины и объявляет изменение
// набора SSRC. Идемпотентен.
func (m *MixingSession) unregisterInboundStream(ssrc media.SSRC) {
	m.streamsMu.Lock()
	source, exists := m.sources[ssrc]
	if !exists {
		m.streamsMu.Unlock()
		return
	}
	delete(m.sources, ssrc)
	delete(m.dispatchers, ssrc)

	old := m.ssrcs
	updated := make([]media.SSRC, 0, len(old))
	for _, s := range old {
		if s != ssrc {
			updated = append(updated, s)
		}
	}
	m.ssrcs = updated
	m.streamsMu.Unlock()

	if err := source.Stop(); err != nil {
		m.logger.Debug("остановка входящего источника", slog.String("error", err.Error()))
	}
	m.cache.Delete(ssrc)
	m.notifySSRCListChanged(old, updated)
}

// ensureBusPlayback лениво создает и запускает единственный тракт
// воспроизведения микса: шина -> BusSink
func (m *MixingSession) ensureBusPlayback() error {
	m.mu.Lock()
	if m.busPlayback != nil || m.busSink == nil {
		m.mu.Unlock()
		return nil
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID: m.id + "-bus",
		Source:    &busSource{bus: m.mixBus, format: m.format},
		Sink:      m.busSink,
		Logger:    m.logger,
		Metrics:   m.metrics,
	})
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.busPlayback = p
	m.mu.Unlock()

	if err := p.Configure(m.format); err != nil {
		return err
	}
	if err := p.Realize(); err != nil {
		return err
	}
	return p.Start()
}

// notifySSRCListChanged объявляет владельцу изменение набора потоков
func (m *MixingSession) notifySSRCListChanged(old, updated []media.SSRC) {
	if m.handler != nil && m.handler.OnSSRCListChanged != nil {
		m.handler.OnSSRCListChanged(old, updated)
	}
}

// dispatchLocalLevel раздает уровень локального звука слушателям из
// copy-on-write списка. Блокировка не удерживается: список неизменяем,
// паника каждого слушателя изолирована.
func (m *MixingSession) dispatchLocalLevel(level uint8) {
	for _, e := range m.loadListeners() {
		m.safeNotify(e.listener, level)
	}
	if m.handler != nil && m.handler.OnLocalLevel != nil {
		m.handler.OnLocalLevel(level)
	}
}

// safeNotify вызывает слушателя, изолируя его панику от цикла микширования
func (m *MixingSession) safeNotify(l LevelListener, level uint8) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("паника слушателя локального уровня", slog.Any("panic", r))
		}
	}()
	l.OnLevel(level)
}

// localFanout адаптер диспетчера локального уровня к списку слушателей
type localFanout struct {
	mixer *MixingSession
}

func (f *localFanout) OnLevel(level uint8) {
	f.mixer.dispatchLocalLevel(level)
}

// streamFanout адаптер диспетчера уровня потока: уведомляет явного
// слушателя и владельца сессии
type streamFanout struct {
	mixer    *MixingSession
	ssrc     media.SSRC
	listener LevelListener
}

func (f *streamFanout) OnLevel(level uint8) {
	if f.listener != nil {
		f.mixer.safeNotify(f.listener, level)
	}
	if f.mixer.handler != nil && f.mixer.handler.OnStreamLevel != nil {
		f.mixer.handler.OnStreamLevel(f.ssrc, level)
	}
}

// captureTap ответвление общего тракта захвата: источник кадров для
// тракта захвата одной дочерней сессии
type captureTap struct {
	mixer  *MixingSession
	format media.Format

	mu      sync.Mutex
	deliver func(frame []byte)
	started atomic.Bool
}

var _ media.DataSource = (*captureTap)(nil)

func (t *captureTap) SupportedFormats() []media.Format {
	return []media.Format{t.format}
}

func (t *captureTap) SetFormat(media.Format) error { return nil }

func (t *captureTap) Start(deliver func(frame []byte)) error {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()
	t.started.Store(true)
	return nil
}

func (t *captureTap) Stop() error {
	t.started.Store(false)
	return nil
}

func (t *captureTap) Close() error {
	t.started.Store(false)
	t.mu.Lock()
	t.deliver = nil
	t.mu.Unlock()
	t.mixer.removeTap(t)
	return nil
}

// deliverFrame доставляет кадр общего захвата дочерней сессии
func (t *captureTap) deliverFrame(frame []byte) {
	if !t.started.Load() {
		return
	}
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver != nil {
		deliver(frame)
	}
}

// busPlaybackStrategy стратегия воспроизведения дочерних сессий: вместо
// выделенного тракта поток регистрируется на шине микширования
type busPlaybackStrategy struct {
	mixer *MixingSession
}

var _ session.PlaybackStrategy = (*busPlaybackStrategy)(nil)

// NewPlaybackPipeline реализует session.PlaybackStrategy: перенаправляет
// входящий поток на шину и не создает тракта
func (st *busPlaybackStrategy) NewPlaybackPipeline(_ *session.Session, ssrc media.SSRC, source media.DataSource) (*pipeline.Pipeline, error) {
	st.mixer.registerInboundStream(ssrc, source)
	return nil, nil
}

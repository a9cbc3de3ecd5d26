// Package pipeline реализует один тракт захвата или воспроизведения медиа
// данных с собственным жизненным циклом.
//
// Pipeline связывает источник кадров, цепочку трансформов и приемник в
// направленную цепь Source -> Transform(s) -> Sink и проводит ее через
// состояния unrealized -> configured -> realized -> started. Stop возвращает
// тракт в realized, Close терминален и достижим из любого состояния.
//
// События переходов доставляются владеющей сессии через LifecycleHandler
// строго упорядоченно в рамках одного pipeline. После начала закрытия все
// события, кроме closed, проглатываются и логируются: запросы закрытия и
// события жизненного цикла гоняются между потоками, и липкий флаг закрытия -
// единственный надежный признак (см. onEnterState).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/metrics"
)

// Состояния жизненного цикла pipeline
const (
	StateUnrealized = "unrealized"
	StateConfigured = "configured"
	StateRealized   = "realized"
	StateStarted    = "started"
	StateClosed     = "closed"
)

// События конечного автомата
const (
	eventConfigure = "configure"
	eventRealize   = "realize"
	eventStart     = "start"
	eventStop      = "stop"
	eventClose     = "close"
)

// DefaultConfigureTimeout ограничивает блокирующее ожидание состояния
// configured при создании pipeline. Это единственное блокирующее ожидание
// во всем жизненном цикле - дальнейшее продвижение событийное.
const DefaultConfigureTimeout = 5 * time.Second

// Config содержит параметры конфигурации для создания Pipeline.
// Source обязателен, остальные поля опциональны.
type Config struct {
	// SessionID идентификатор владеющей сессии для логов и ошибок
	SessionID string

	// Source источник кадров (устройство захвата или входящий поток)
	Source media.DataSource

	// Sink приемник кадров (сетевой выход, рендер, шина микширования)
	Sink media.DataSink

	// Transforms цепочка этапов обработки, подключаемая при Realize
	Transforms []media.Transform

	// Handler получатель событий жизненного цикла
	Handler media.LifecycleHandler

	// Logger структурированный логгер; nil означает slog.Default
	Logger *slog.Logger

	// Metrics сборщик метрик; nil допустим
	Metrics *metrics.Collector
}

// Pipeline представляет один тракт захвата или воспроизведения.
//
// Все публичные методы thread-safe. Методы не удерживают внутреннюю
// блокировку во время вызова пользовательских callback'ов: события
// накапливаются под блокировкой и доставляются после ее освобождения,
// очередность доставки сохраняется.
type Pipeline struct {
	sessionID string

	source     media.DataSource
	sink       media.DataSink
	transforms []media.Transform
	chain      []media.Transform // связанная при Realize цепочка

	machine *fsm.FSM
	mu      sync.Mutex

	format   *media.Format
	closing  atomic.Bool
	muted    atomic.Bool
	closeErr error // причина закрытия, прикладывается к событию closed

	// Выход тракта: единственный потребитель, устанавливается через Output()
	downstream atomic.Value // func([]byte)

	configured     chan struct{}
	configuredOnce sync.Once

	// События, накопленные под mu для доставки после разблокировки
	pending []media.LifecycleEvent

	handler media.LifecycleHandler
	logger  *slog.Logger
	metrics *metrics.Collector

	silence []byte // переиспользуемый кадр тишины для mute
}

// New создает новый pipeline в состоянии unrealized
func New(config Config) (*Pipeline, error) {
	if config.Source == nil {
		return nil, media.NewMediaError(media.ErrorCodeDeviceUnavailable,
			config.SessionID, "источник данных не задан")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		sessionID:  config.SessionID,
		source:     config.Source,
		sink:       config.Sink,
		transforms: config.Transforms,
		handler:    config.Handler,
		configured: make(chan struct{}),
		logger:     logger.With(slog.String("component", "pipeline"), slog.String("session_id", config.SessionID)),
		metrics:    config.Metrics,
	}
	p.initStateMachine()
	p.metrics.PipelineCreated()

	return p, nil
}

// initStateMachine инициализирует конечный автомат жизненного цикла
func (p *Pipeline) initStateMachine() {
	p.machine = fsm.NewFSM(
		StateUnrealized,
		fsm.Events{
			{Name: eventConfigure, Src: []string{StateUnrealized}, Dst: StateConfigured},
			{Name: eventRealize, Src: []string{StateConfigured}, Dst: StateRealized},
			{Name: eventStart, Src: []string{StateRealized}, Dst: StateStarted},
			{Name: eventStop, Src: []string{StateStarted}, Dst: StateRealized},
			// Закрытие достижимо из любого состояния и терминально
			{Name: eventClose, Src: []string{StateUnrealized, StateConfigured, StateRealized, StateStarted}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				p.onEnterState(e)
			},
		},
	)
}

// onEnterState накапливает событие перехода для доставки вне блокировки.
// Вызывается конечным автоматом под p.mu.
func (p *Pipeline) onEnterState(e *fsm.Event) {
	ev, ok := p.lifecycleEventFor(e)
	if !ok {
		return
	}

	// Липкий флаг закрытия: событие, пришедшее после начала закрытия,
	// проглатывается, чтобы не было use-after-close у владельца.
	if p.closing.Load() && ev.Type != media.EventClosed {
		p.logger.Debug("событие жизненного цикла отброшено после закрытия",
			slog.String("event", ev.Type.String()))
		p.metrics.EventSwallowed()
		return
	}

	p.pending = append(p.pending, ev)
}

// lifecycleEventFor сопоставляет переход автомата событию жизненного цикла
func (p *Pipeline) lifecycleEventFor(e *fsm.Event) (media.LifecycleEvent, bool) {
	switch e.Dst {
	case StateConfigured:
		return media.LifecycleEvent{Type: media.EventConfigured, Format: p.format}, true
	case StateRealized:
		if e.Src == StateStarted {
			return media.LifecycleEvent{Type: media.EventStopped}, true
		}
		return media.LifecycleEvent{Type: media.EventRealized, Format: p.format}, true
	case StateStarted:
		return media.LifecycleEvent{Type: media.EventStarted}, true
	case StateClosed:
		return media.LifecycleEvent{Type: media.EventClosed, Err: p.closeErr}, true
	default:
		return media.LifecycleEvent{}, false
	}
}

// flushEvents доставляет накопленные события владельцу вне блокировки
func (p *Pipeline) flushEvents() {
	p.mu.Lock()
	events := p.pending
	p.pending = nil
	handler := p.handler
	p.mu.Unlock()

	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(ev)
	}
}

// State возвращает текущее состояние жизненного цикла
func (p *Pipeline) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Current()
}

// Format возвращает согласованный формат или nil до завершения согласования
func (p *Pipeline) Format() *media.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Closing сообщает, начато ли закрытие pipeline
func (p *Pipeline) Closing() bool {
	return p.closing.Load()
}

// Configure согласует формат тракта и переводит pipeline в configured.
//
// До реализации повторный Configure пересогласовывает формат на месте.
// После реализации допускается только совместимый формат (см.
// media.Format.Compatible) - несовместимый формат требует пересоздания
// pipeline и возвращает ошибку с кодом ErrorCodeFormatImmutable.
// При отказе согласования pipeline остается в исходном состоянии.
func (p *Pipeline) Configure(requested media.Format) error {
	p.mu.Lock()

	if p.closing.Load() {
		p.mu.Unlock()
		return media.NewMediaError(media.ErrorCodeClosedPipeline, p.sessionID,
			"configure на закрытом pipeline")
	}

	state := p.machine.Current()
	if state == StateRealized || state == StateStarted {
		err := p.reconfigureLocked(requested)
		p.mu.Unlock()
		p.flushEvents()
		return err
	}

	negotiated, err := media.NegotiateFormat(requested, p.source.SupportedFormats())
	if err != nil {
		p.mu.Unlock()
		p.metrics.NegotiationFailed()
		return err
	}
	if err := p.source.SetFormat(negotiated); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("установка формата источника: %w", err)
	}

	changed := p.format == nil || !negotiated.Matches(*p.format)
	p.format = &negotiated

	if state == StateConfigured {
		// Пересогласование до реализации происходит на месте, без перехода
		if changed && !p.closing.Load() {
			p.pending = append(p.pending, media.LifecycleEvent{Type: media.EventFormatChanged, Format: p.format})
		}
	} else {
		if err := p.machine.Event(context.Background(), eventConfigure); err != nil {
			p.mu.Unlock()
			return p.stateError("configure", err)
		}
	}
	p.configuredOnce.Do(func() { close(p.configured) })
	p.mu.Unlock()

	p.flushEvents()
	return nil
}

// reconfigureLocked пересогласовывает формат реализованного тракта на месте.
// Формат после реализации неизменяем, кроме совместимых уточнений.
func (p *Pipeline) reconfigureLocked(requested media.Format) error {
	if p.format == nil {
		return media.NewMediaError(media.ErrorCodePipelineStateInvalid, p.sessionID,
			"реализованный pipeline без формата")
	}
	if requested.Matches(*p.format) {
		return nil
	}
	if !requested.Compatible(*p.format) {
		return media.NewMediaError(media.ErrorCodeFormatImmutable, p.sessionID,
			fmt.Sprintf("формат %s несовместим с реализованным %s", requested, *p.format))
	}

	negotiated, err := media.NegotiateFormat(requested, p.source.SupportedFormats())
	if err != nil {
		p.metrics.NegotiationFailed()
		return err
	}

	sizeChanged := p.format.Kind == media.KindVideo &&
		(negotiated.Width != p.format.Width || negotiated.Height != p.format.Height)
	p.format = &negotiated

	ev := media.LifecycleEvent{Type: media.EventFormatChanged, Format: p.format}
	if sizeChanged {
		ev = media.LifecycleEvent{Type: media.EventSizeChanged, Format: p.format}
	}
	if !p.closing.Load() {
		p.pending = append(p.pending, ev)
	}
	return nil
}

// Realize связывает цепочку трансформов и переводит pipeline в realized.
// Идемпотентен: повторный вызов в realized возвращает nil.
//
// Трансформ, не поддерживающий согласованный формат, исключается из цепочки
// с записью в лог: отказ одного этапа не фатален для тракта (частичная
// деградация вместо полного отказа).
func (p *Pipeline) Realize() error {
	p.mu.Lock()

	if p.closing.Load() {
		p.mu.Unlock()
		return media.NewMediaError(media.ErrorCodeClosedPipeline, p.sessionID,
			"realize на закрытом pipeline")
	}
	if p.machine.Current() == StateRealized || p.machine.Current() == StateStarted {
		p.mu.Unlock()
		return nil
	}
	if p.format == nil {
		p.mu.Unlock()
		return media.NewMediaError(media.ErrorCodePipelineStateInvalid, p.sessionID,
			"realize до согласования формата")
	}

	chain := make([]media.Transform, 0, len(p.transforms))
	for _, t := range p.transforms {
		if err := t.SetFormat(*p.format); err != nil {
			p.logger.Warn("трансформ исключен из цепочки",
				slog.String("format", p.format.String()),
				slog.String("error", err.Error()))
			continue
		}
		chain = append(chain, t)
	}
	p.chain = chain
	p.silence = nil

	if err := p.machine.Event(context.Background(), eventRealize); err != nil {
		p.mu.Unlock()
		return p.stateError("realize", err)
	}
	p.mu.Unlock()

	p.flushEvents()
	return nil
}

// Start запускает доставку кадров. No-op если тракт уже started.
func (p *Pipeline) Start() error {
	p.mu.Lock()

	if p.closing.Load() {
		p.mu.Unlock()
		return media.NewMediaError(media.ErrorCodeClosedPipeline, p.sessionID,
			"start на закрытом pipeline")
	}
	if p.machine.Current() == StateStarted {
		p.mu.Unlock()
		return nil
	}
	if err := p.machine.Event(context.Background(), eventStart); err != nil {
		p.mu.Unlock()
		return p.stateError("start", err)
	}

	if err := p.source.Start(p.process); err != nil {
		// Откат: источник не запустился, тракт остается realized
		_ = p.machine.Event(context.Background(), eventStop)
		p.pending = nil
		p.mu.Unlock()
		return fmt.Errorf("запуск источника: %w", err)
	}
	p.mu.Unlock()

	p.flushEvents()
	return nil
}

// Stop приостанавливает доставку кадров, возвращая тракт в realized.
// No-op если тракт не started.
func (p *Pipeline) Stop() error {
	p.mu.Lock()

	if p.machine.Current() != StateStarted {
		p.mu.Unlock()
		return nil
	}
	if err := p.source.Stop(); err != nil {
		p.logger.Warn("остановка источника", slog.String("error", err.Error()))
	}
	if err := p.machine.Event(context.Background(), eventStop); err != nil {
		p.mu.Unlock()
		return p.stateError("stop", err)
	}
	p.mu.Unlock()

	p.flushEvents()
	return nil
}

// Close освобождает ресурсы источника и приемника. Терминален и
// идемпотентен; достижим из любого состояния. Флаг закрытия взводится
// до перехода автомата, чтобы гонящиеся события были проглочены.
func (p *Pipeline) Close() error {
	return p.closeWith(nil)
}

// CloseWithError закрывает тракт из-за ошибки. Причина прикладывается к
// событию closed (LifecycleEvent.Err), чтобы владелец мог отличить отказ
// устройства или согласования от штатной разборки.
func (p *Pipeline) CloseWithError(reason error) error {
	return p.closeWith(reason)
}

func (p *Pipeline) closeWith(reason error) error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	p.closeErr = reason
	if p.machine.Current() == StateStarted {
		if err := p.source.Stop(); err != nil {
			p.logger.Warn("остановка источника при закрытии", slog.String("error", err.Error()))
		}
	}
	if err := p.source.Close(); err != nil {
		p.logger.Warn("закрытие источника", slog.String("error", err.Error()))
	}
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.logger.Warn("закрытие приемника", slog.String("error", err.Error()))
		}
	}
	if err := p.machine.Event(context.Background(), eventClose); err != nil {
		// Недостижимо при корректном наборе переходов
		p.logger.Error("переход close", slog.String("error", err.Error()))
	}
	p.configuredOnce.Do(func() { close(p.configured) })
	p.mu.Unlock()

	p.metrics.PipelineClosed()
	p.flushEvents()
	return nil
}

// WaitConfigured блокирует до перехода pipeline в configured, истечения
// контекста или закрытия. Единственное допустимое блокирующее ожидание -
// используется один раз при создании тракта, когда формат еще неизвестен.
func (p *Pipeline) WaitConfigured(ctx context.Context) error {
	select {
	case <-p.configured:
		if p.closing.Load() {
			return media.NewMediaError(media.ErrorCodeClosedPipeline, p.sessionID,
				"pipeline закрыт до завершения конфигурации")
		}
		return nil
	case <-ctx.Done():
		return media.NewMediaError(media.ErrorCodeConfigureTimeout, p.sessionID,
			"истекло ожидание конфигурации pipeline")
	}
}

// SetMute включает или выключает заглушение тракта. Заглушенный тракт
// продолжает доставлять кадры той же длины, заполненные тишиной, не
// разрывая цепочку (кодеки и измерители продолжают работать).
func (p *Pipeline) SetMute(muted bool) {
	p.muted.Store(muted)
}

// Muted возвращает текущее состояние заглушения
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Output возвращает источник данных выхода тракта: кадры после всех
// трансформов. Потребитель - транспортный слой или шина микширования.
func (p *Pipeline) Output() media.DataSource {
	return &outputSource{p: p}
}

// process прогоняет кадр через цепочку трансформов и доставляет результат.
// Горячий путь: вызывается из рабочего потока источника для каждого кадра,
// не аллоцирует, кроме одноразового кадра тишины.
func (p *Pipeline) process(frame []byte) {
	if p.closing.Load() {
		return
	}

	if p.muted.Load() {
		frame = p.silenceFrame(len(frame))
	}

	for _, t := range p.chain {
		frame = t.Process(frame)
	}

	if deliver, ok := p.downstream.Load().(func([]byte)); ok && deliver != nil {
		deliver(frame)
	}
	if p.sink != nil {
		if err := p.sink.WriteFrame(frame); err != nil {
			p.logger.Debug("запись кадра в приемник", slog.String("error", err.Error()))
		}
	}
}

// silenceFrame возвращает переиспользуемый кадр тишины нужной длины
func (p *Pipeline) silenceFrame(n int) []byte {
	if len(p.silence) < n {
		p.silence = make([]byte, n)
	}
	return p.silence[:n]
}

// stateError оборачивает ошибку перехода автомата в типизированную ошибку
func (p *Pipeline) stateError(op string, err error) error {
	return &media.MediaError{
		Code:      media.ErrorCodePipelineStateInvalid,
		Message:   fmt.Sprintf("недопустимый переход %s из состояния %s", op, p.machine.Current()),
		SessionID: p.sessionID,
		Wrapped:   err,
	}
}

// outputSource адаптирует выход pipeline под media.DataSource.
// Start регистрирует потребителя выхода, Stop снимает регистрацию.
type outputSource struct {
	p *Pipeline
}

var _ media.DataSource = (*outputSource)(nil)

func (o *outputSource) SupportedFormats() []media.Format {
	if f := o.p.Format(); f != nil {
		return []media.Format{*f}
	}
	return nil
}

func (o *outputSource) SetFormat(media.Format) error { return nil }

func (o *outputSource) Start(deliver func([]byte)) error {
	o.p.downstream.Store(deliver)
	return nil
}

func (o *outputSource) Stop() error {
	o.p.downstream.Store((func([]byte))(nil))
	return nil
}

func (o *outputSource) Close() error {
	o.p.downstream.Store((func([]byte))(nil))
	return nil
}

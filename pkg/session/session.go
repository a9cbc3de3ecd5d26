// Package session реализует медиа сессию: использование одного логического
// устройства одним медиа потоком.
//
// Session владеет ровно одним трактом захвата и динамическим набором трактов
// воспроизведения (по одному на входящий поток), управляет направлением
// send/receive, заглушением и сменами формата, и публикует события
// жизненного цикла владельцу.
//
// # Модель потоков
//
// Пакет не владеет собственным пулом потоков: события жизненного цикла и
// кадровые callback'и приходят из рабочих потоков слоя устройств и кодеков.
// Все публичные методы thread-safe; коллекция playback записей защищена
// RWMutex (итерация для рендера конкурентна, добавление и удаление потоков
// взаимно исключены). Блокировки никогда не удерживаются во время вызова
// пользовательских callback'ов.
//
// # Порядок разборки
//
// Close останавливает отправку, затем закрывает тракт захвата и только после
// этого освобождает тракты воспроизведения: трансформы захвата (например,
// эхоподавление) читают буферы воспроизведения и не должны гоняться с их
// освобождением.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/metrics"
	"github.com/arzzra/media_engine/pkg/pipeline"
)

// SourceFactory выдает новую ручку источника захвата. Вызывается при каждом
// (пере)создании тракта захвата: закрытый тракт освобождает свою ручку, и
// резолвер устройств обязан выдать свежую.
type SourceFactory func() (media.DataSource, error)

// SinkFactory выдает приемник для тракта
type SinkFactory func() media.DataSink

// Handler содержит callback'и событий сессии, публикуемых владельцу.
// Все поля опциональны. Callback'и вызываются из рабочих потоков слоя
// устройств, реализация обязана быть thread-safe.
type Handler struct {
	// OnFormatChanged вызывается при смене согласованного формата захвата
	OnFormatChanged func(media.Format)

	// OnOutputSourceChanged вызывается при пересоздании тракта захвата,
	// когда прежний выходной источник данных стал недействительным
	OnOutputSourceChanged func(media.DataSource)

	// OnPlaybackAdded вызывается после регистрации входящего потока
	OnPlaybackAdded func(media.SSRC)

	// OnPlaybackRemoved вызывается после удаления входящего потока
	OnPlaybackRemoved func(media.SSRC)
}

// Config содержит параметры конфигурации для создания Session.
// Обязательны SessionID и CaptureSource.
type Config struct {
	SessionID string

	// CaptureSource фабрика ручек устройства захвата от резолвера устройств
	CaptureSource SourceFactory

	// CaptureSink приемник исходящих кадров (сетевой выход); опционален
	CaptureSink SinkFactory

	// CaptureTransforms цепочка трансформов тракта захвата
	CaptureTransforms []media.Transform

	// Format запрошенный формат сессии
	Format media.Format

	// Strategy способ создания трактов воспроизведения;
	// nil означает DefaultPlaybackStrategy
	Strategy PlaybackStrategy

	// PlaybackSink фабрика приемников воспроизведения по SSRC; опциональна
	PlaybackSink func(media.SSRC) media.DataSink

	// PlaybackTransforms фабрика цепочек трансформов воспроизведения по SSRC
	PlaybackTransforms func(media.SSRC) []media.Transform

	// Handler события сессии
	Handler *Handler

	// ConfigureTimeout ограничение блокирующего ожидания конфигурации
	// тракта захвата (по умолчанию pipeline.DefaultConfigureTimeout)
	ConfigureTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Session представляет медиа сессию: один тракт захвата и набор трактов
// воспроизведения
type Session struct {
	id string

	captureSource      SourceFactory
	captureSink        SinkFactory
	captureTransforms  []media.Transform
	playbackSink       func(media.SSRC) media.DataSink
	playbackTransforms func(media.SSRC) []media.Transform

	// Состояние под mu
	mu              sync.Mutex
	capture         *pipeline.Pipeline
	direction       media.Direction
	requested       media.Format
	muted           bool
	pendingRecreate bool // преждевременное закрытие или смена размера: тракт пересоздается

	// Playback записи под отдельным RW замком: читатели (итерация для
	// рендера, поиск уровня) конкурентны, писатели исключительны
	playbacksMu sync.RWMutex
	playbacks   map[media.SSRC]*Playback

	closing atomic.Bool
	wg      sync.WaitGroup

	strategy         PlaybackStrategy
	handler          *Handler
	configureTimeout time.Duration
	logger           *slog.Logger
	metrics          *metrics.Collector
}

// New создает новую медиа сессию в направлении inactive.
// Тракт захвата создается лениво при первом использовании.
func New(config Config) (*Session, error) {
	if config.SessionID == "" {
		return nil, media.NewMediaError(media.ErrorCodeInvalidConfig, "", "session ID обязателен")
	}
	if config.CaptureSource == nil {
		return nil, media.NewMediaError(media.ErrorCodeDeviceUnavailable, config.SessionID,
			"фабрика источника захвата не задана")
	}

	strategy := config.Strategy
	if strategy == nil {
		strategy = DefaultPlaybackStrategy{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.ConfigureTimeout
	if timeout <= 0 {
		timeout = pipeline.DefaultConfigureTimeout
	}

	s := &Session{
		id:                 config.SessionID,
		captureSource:      config.CaptureSource,
		captureSink:        config.CaptureSink,
		captureTransforms:  config.CaptureTransforms,
		playbackSink:       config.PlaybackSink,
		playbackTransforms: config.PlaybackTransforms,
		direction:          media.DirectionInactive,
		requested:          config.Format,
		playbacks:          make(map[media.SSRC]*Playback),
		strategy:           strategy,
		handler:            config.Handler,
		configureTimeout:   timeout,
		logger:             logger.With(slog.String("component", "media_session"), slog.String("session_id", config.SessionID)),
		metrics:            config.Metrics,
	}
	s.metrics.SessionOpened()
	return s, nil
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// Direction возвращает текущее действующее направление сессии
func (s *Session) Direction() media.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// Start добавляет направление к действующему. Действующее направление -
// объединение всех направлений, переданных в Start, за вычетом переданных
// в Stop, в порядке вызовов. Изменение направления запускает тракт захвата
// (при переходе к отправке) и реализованные тракты воспроизведения (при
// переходе к приему); нереализованные тракты запустятся сами после
// реализации.
func (s *Session) Start(direction media.Direction) error {
	if s.closing.Load() {
		return media.NewMediaError(media.ErrorCodeSessionClosed, s.id, "start на закрытой сессии")
	}

	s.mu.Lock()
	old := s.direction
	updated := old.Union(direction)
	if updated == old {
		s.mu.Unlock()
		return nil
	}
	s.direction = updated
	s.mu.Unlock()

	return s.onDirectionChanged(old, updated)
}

// Stop убирает направление из действующего
func (s *Session) Stop(direction media.Direction) error {
	s.mu.Lock()
	old := s.direction
	updated := old.Diff(direction)
	if updated == old {
		s.mu.Unlock()
		return nil
	}
	s.direction = updated
	s.mu.Unlock()

	return s.onDirectionChanged(old, updated)
}

// onDirectionChanged приводит тракты в соответствие новому направлению
func (s *Session) onDirectionChanged(old, updated media.Direction) error {
	s.logger.Debug("направление изменено",
		slog.String("old", old.String()), slog.String("new", updated.String()))

	var firstErr error

	switch {
	case updated.CanSend() && !old.CanSend():
		if err := s.startCapture(); err != nil {
			firstErr = err
		}
	case !updated.CanSend() && old.CanSend():
		s.mu.Lock()
		capture := s.capture
		s.mu.Unlock()
		if capture != nil {
			if err := capture.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if updated.CanReceive() != old.CanReceive() {
		for _, pb := range s.snapshotPlaybacks() {
			if pb.Pipeline == nil {
				continue
			}
			state := pb.Pipeline.State()
			if updated.CanReceive() && state == pipeline.StateRealized {
				if err := pb.Pipeline.Start(); err != nil {
					s.logger.Warn("запуск тракта воспроизведения",
						slog.Uint64("ssrc", uint64(pb.SSRC)), slog.String("error", err.Error()))
				}
			}
			if !updated.CanReceive() && state == pipeline.StateStarted {
				if err := pb.Pipeline.Stop(); err != nil {
					s.logger.Warn("остановка тракта воспроизведения",
						slog.Uint64("ssrc", uint64(pb.SSRC)), slog.String("error", err.Error()))
				}
			}
		}
	}

	return firstErr
}

// startCapture создает при необходимости тракт захвата, реализует и запускает его
func (s *Session) startCapture() error {
	p, err := s.ensureCapture()
	if err != nil {
		return err
	}
	if err := p.Realize(); err != nil {
		return err
	}
	return p.Start()
}

// ensureCapture возвращает тракт захвата, создавая его лениво.
//
// Создание включает единственное блокирующее ожидание: тракт нельзя
// осмысленно использовать до состояния configured, поэтому вызывающий
// поток ждет завершения конфигурации с ограничением по времени. Все
// дальнейшее продвижение жизненного цикла событийное.
func (s *Session) ensureCapture() (*pipeline.Pipeline, error) {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return nil, media.NewMediaError(media.ErrorCodeSessionClosed, s.id, "сессия закрыта")
	}
	if s.capture != nil {
		p := s.capture
		s.mu.Unlock()
		return p, nil
	}

	source, err := s.captureSource()
	if err != nil {
		s.mu.Unlock()
		return nil, &media.MediaError{
			Code:      media.ErrorCodeDeviceUnavailable,
			Message:   "резолвер не выдал устройство захвата",
			SessionID: s.id,
			Wrapped:   err,
		}
	}
	var sink media.DataSink
	if s.captureSink != nil {
		sink = s.captureSink()
	}

	p, err := pipeline.New(pipeline.Config{
		SessionID:  s.id,
		Source:     source,
		Sink:       sink,
		Transforms: s.captureTransforms,
		Handler:    s.onCaptureEvent,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.capture = p
	s.pendingRecreate = false
	p.SetMute(s.muted)
	requested := s.requested
	s.mu.Unlock()

	// Конфигурация асинхронна, дальше вызывающий ждет только configured
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := p.Configure(requested); err != nil {
			s.logger.Warn("конфигурация тракта захвата",
				slog.String("format", requested.String()), slog.String("error", err.Error()))
			_ = p.CloseWithError(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.configureTimeout)
	defer cancel()
	if err := p.WaitConfigured(ctx); err != nil {
		_ = p.CloseWithError(err)
		s.mu.Lock()
		if s.capture == p {
			s.capture = nil
		}
		s.mu.Unlock()
		return nil, err
	}

	if s.handler != nil && s.handler.OnOutputSourceChanged != nil {
		s.handler.OnOutputSourceChanged(p.Output())
	}
	return p, nil
}

// SetFormat сохраняет запрошенный формат сессии.
//
// Повторный вызов с тем же форматом не выполняет никакой работы. Если тракт
// захвата существует и новый формат совместим с согласованным (или тракт еще
// не реализован), пересогласование происходит на месте. Несовместимый формат
// или взведенный флаг ожидающего пересоздания закрывают тракт; новый тракт
// создается лениво при следующем использовании, что исключает лишние
// переподключения устройства.
func (s *Session) SetFormat(format media.Format) error {
	if s.closing.Load() {
		return media.NewMediaError(media.ErrorCodeSessionClosed, s.id, "setFormat на закрытой сессии")
	}

	s.mu.Lock()
	if format.Matches(s.requested) && !s.pendingRecreate {
		s.mu.Unlock()
		return nil
	}
	s.requested = format

	capture := s.capture
	if capture == nil {
		s.pendingRecreate = false
		s.mu.Unlock()
		return nil
	}

	recreate := s.pendingRecreate
	if !recreate {
		if cur := capture.Format(); cur != nil && !format.Compatible(*cur) {
			recreate = true
		}
	}
	if recreate {
		s.capture = nil
		s.pendingRecreate = false
	}
	restart := recreate && s.direction.CanSend()
	s.mu.Unlock()

	if recreate {
		_ = capture.Close()
		if restart {
			return s.startCapture()
		}
		return nil
	}
	return capture.Configure(format)
}

// RequestedFormat возвращает запрошенный формат сессии
func (s *Session) RequestedFormat() media.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Mute переключает заглушение тракта захвата. Если тракт существует,
// заглушение применяется немедленно без пересоздания: вместо захваченного
// звука доставляется тишина.
func (s *Session) Mute(muted bool) {
	s.mu.Lock()
	s.muted = muted
	capture := s.capture
	s.mu.Unlock()

	if capture != nil {
		capture.SetMute(muted)
	}
}

// Muted возвращает состояние заглушения
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// OutputDataSource возвращает выходной источник тракта захвата, гарантируя
// состояние не ниже realized. Если направление сессии допускает отправку,
// тракт попутно запускается (ленивая активация по запросу потребителя).
func (s *Session) OutputDataSource() (media.DataSource, error) {
	p, err := s.ensureCapture()
	if err != nil {
		return nil, err
	}
	if err := p.Realize(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	canSend := s.direction.CanSend()
	s.mu.Unlock()
	if canSend {
		if err := p.Start(); err != nil {
			return nil, err
		}
	}
	return p.Output(), nil
}

// AddInboundStream регистрирует входящий поток и асинхронно строит его
// тракт воспроизведения. Вызывающий поток не блокируется: конфигурация и
// реализация идут в фоне, прогресс доставляется событиями жизненного цикла.
//
// Отказ согласования формата не фатален: он логируется, запись потока
// снимается и никаких побочных эффектов не остается. Повторная регистрация
// того же потока игнорируется - на поток существует ровно одна запись.
func (s *Session) AddInboundStream(ssrc media.SSRC, source media.DataSource) error {
	if s.closing.Load() {
		return media.NewMediaError(media.ErrorCodeSessionClosed, s.id, "addInboundStream на закрытой сессии")
	}

	s.playbacksMu.Lock()
	if _, exists := s.playbacks[ssrc]; exists {
		s.playbacksMu.Unlock()
		return nil
	}
	pb := &Playback{SSRC: ssrc, Source: source}
	s.playbacks[ssrc] = pb
	s.playbacksMu.Unlock()

	s.metrics.PlaybackAdded()
	if s.handler != nil && s.handler.OnPlaybackAdded != nil {
		s.handler.OnPlaybackAdded(ssrc)
	}

	p, err := s.strategy.NewPlaybackPipeline(s, ssrc, source)
	if err != nil {
		// Частичный отказ: поток отключается, сессия продолжает работу
		s.logger.Warn("создание тракта воспроизведения",
			slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
		s.dropPlayback(ssrc)
		return nil
	}

	if p != nil {
		s.playbacksMu.Lock()
		_, live := s.playbacks[ssrc]
		if !live || s.closing.Load() {
			// Close успел начать разборку: запись либо уже снята сметающим
			// проходом, либо снимается здесь, а тракт не объявляется.
			// wg.Add под замком исключает гонку с wg.Wait в Close.
			delete(s.playbacks, ssrc)
			s.playbacksMu.Unlock()
			_ = p.Close()
			if live {
				s.metrics.PlaybackRemoved()
				if s.handler != nil && s.handler.OnPlaybackRemoved != nil {
					s.handler.OnPlaybackRemoved(ssrc)
				}
			}
			return media.NewMediaError(media.ErrorCodeSessionClosed, s.id,
				"сессия закрыта во время регистрации потока")
		}
		pb.Pipeline = p
		s.wg.Add(1)
		s.playbacksMu.Unlock()

		go s.realizePlayback(ssrc, p)
	}

	// Вставка могла пройти после сметающего прохода Close: повторная
	// проверка снимает осиротевшую запись и закрывает ее тракт
	if s.closing.Load() {
		_ = s.RemoveInboundStream(ssrc)
		return media.NewMediaError(media.ErrorCodeSessionClosed, s.id, "addInboundStream на закрытой сессии")
	}
	return nil
}

// realizePlayback конфигурирует и реализует тракт воспроизведения в фоне.
// Запуск произойдет событийно в onPlaybackEvent после реализации.
func (s *Session) realizePlayback(ssrc media.SSRC, p *pipeline.Pipeline) {
	defer s.wg.Done()

	s.mu.Lock()
	requested := s.requested
	s.mu.Unlock()

	if err := p.Configure(requested); err != nil {
		s.logger.Warn("конфигурация тракта воспроизведения",
			slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
		_ = p.CloseWithError(err)
		s.dropPlayback(ssrc)
		return
	}
	if err := p.Realize(); err != nil {
		s.logger.Warn("реализация тракта воспроизведения",
			slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
		_ = p.CloseWithError(err)
		s.dropPlayback(ssrc)
		return
	}
}

// RemoveInboundStream удаляет запись входящего потока и закрывает его
// выделенный тракт, если он был создан. Идемпотентен: удаление
// незарегистрированного потока является no-op.
func (s *Session) RemoveInboundStream(ssrc media.SSRC) error {
	s.playbacksMu.Lock()
	pb, exists := s.playbacks[ssrc]
	if exists {
		delete(s.playbacks, ssrc)
	}
	s.playbacksMu.Unlock()
	if !exists {
		return nil
	}

	if pb.Pipeline != nil {
		_ = pb.Pipeline.Close()
	}
	s.metrics.PlaybackRemoved()
	if s.handler != nil && s.handler.OnPlaybackRemoved != nil {
		s.handler.OnPlaybackRemoved(ssrc)
	}
	return nil
}

// InboundStreams возвращает SSRC всех зарегистрированных входящих потоков
func (s *Session) InboundStreams() []media.SSRC {
	s.playbacksMu.RLock()
	defer s.playbacksMu.RUnlock()
	ssrcs := make([]media.SSRC, 0, len(s.playbacks))
	for ssrc := range s.playbacks {
		ssrcs = append(ssrcs, ssrc)
	}
	return ssrcs
}

// Capture возвращает текущий тракт захвата или nil.
// Предназначен для специализаций сессии и тестов.
func (s *Session) Capture() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

// Close закрывает сессию. Порядок разборки фиксирован: остановка отправки,
// закрытие тракта захвата, освобождение трактов воспроизведения (см.
// комментарий пакета). Идемпотентен.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	old := s.direction
	s.direction = media.DirectionInactive
	capture := s.capture
	s.capture = nil
	s.mu.Unlock()

	// Остановить отправку до разборки трактов
	if capture != nil {
		if old.CanSend() {
			_ = capture.Stop()
		}
		_ = capture.Close()
	}

	// Тракт захвата закрыт - теперь можно освобождать воспроизведение
	s.playbacksMu.Lock()
	playbacks := make([]*Playback, 0, len(s.playbacks))
	for _, pb := range s.playbacks {
		playbacks = append(playbacks, pb)
	}
	s.playbacks = make(map[media.SSRC]*Playback)
	s.playbacksMu.Unlock()

	for _, pb := range playbacks {
		if pb.Pipeline != nil {
			_ = pb.Pipeline.Close()
		}
		s.metrics.PlaybackRemoved()
		if s.handler != nil && s.handler.OnPlaybackRemoved != nil {
			s.handler.OnPlaybackRemoved(pb.SSRC)
		}
	}

	s.wg.Wait()
	s.metrics.SessionClosed()
	s.logger.Debug("сессия закрыта")
	return nil
}

// Closed сообщает, закрыта ли сессия
func (s *Session) Closed() bool {
	return s.closing.Load()
}

// dropPlayback снимает запись потока после отказа конфигурации:
// неудавшаяся реализация не оставляет следов кроме лога
func (s *Session) dropPlayback(ssrc media.SSRC) {
	s.playbacksMu.Lock()
	_, exists := s.playbacks[ssrc]
	if exists {
		delete(s.playbacks, ssrc)
	}
	s.playbacksMu.Unlock()

	if exists {
		s.metrics.PlaybackRemoved()
		if s.handler != nil && s.handler.OnPlaybackRemoved != nil {
			s.handler.OnPlaybackRemoved(ssrc)
		}
	}
}

// snapshotPlaybacks возвращает копию списка записей для итерации вне замка
func (s *Session) snapshotPlaybacks() []*Playback {
	s.playbacksMu.RLock()
	defer s.playbacksMu.RUnlock()
	playbacks := make([]*Playback, 0, len(s.playbacks))
	for _, pb := range s.playbacks {
		playbacks = append(playbacks, pb)
	}
	return playbacks
}

// onCaptureEvent обрабатывает события жизненного цикла тракта захвата.
// Единая точка входа: переключение по типу события делает правило
// "проглатывать события после закрытия" одной проверкой в pipeline,
// а не россыпью nil-проверок здесь.
func (s *Session) onCaptureEvent(ev media.LifecycleEvent) {
	switch ev.Type {
	case media.EventFormatChanged:
		if s.handler != nil && s.handler.OnFormatChanged != nil && ev.Format != nil {
			s.handler.OnFormatChanged(*ev.Format)
		}

	case media.EventSizeChanged:
		// Смена выходного размера требует пересоздания тракта при
		// следующей смене формата
		s.mu.Lock()
		s.pendingRecreate = true
		s.mu.Unlock()
		if s.handler != nil && s.handler.OnFormatChanged != nil && ev.Format != nil {
			s.handler.OnFormatChanged(*ev.Format)
		}

	case media.EventClosed:
		if s.closing.Load() {
			return
		}
		// Закрытие вне ожидаемой разборки: тракт не переиспользуется
		s.mu.Lock()
		premature := s.capture != nil
		if premature {
			s.capture = nil
			s.pendingRecreate = true
		}
		s.mu.Unlock()
		if premature {
			attrs := []any{slog.String("code", media.ErrorCodePrematureClose.String())}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("cause", ev.Err.Error()))
			}
			s.logger.Warn("преждевременное закрытие тракта захвата", attrs...)
		}
	}
}

// onPlaybackEvent обрабатывает события жизненного цикла трактов
// воспроизведения. Реализованный тракт запускается, если направление
// сессии допускает прием (автозапуск после реализации).
func (s *Session) onPlaybackEvent(ssrc media.SSRC, ev media.LifecycleEvent) {
	switch ev.Type {
	case media.EventRealized:
		if s.closing.Load() {
			return
		}
		s.mu.Lock()
		canReceive := s.direction.CanReceive()
		s.mu.Unlock()
		if !canReceive {
			return
		}

		s.playbacksMu.RLock()
		pb := s.playbacks[ssrc]
		s.playbacksMu.RUnlock()
		if pb == nil || pb.Pipeline == nil {
			return
		}
		if err := pb.Pipeline.Start(); err != nil {
			s.logger.Warn("автозапуск тракта воспроизведения",
				slog.Uint64("ssrc", uint64(ssrc)), slog.String("error", err.Error()))
		}

	case media.EventClosed:
		if s.closing.Load() {
			return
		}
		// Преждевременное закрытие входящего тракта: запись снимается
		s.dropPlayback(ssrc)
	}
}

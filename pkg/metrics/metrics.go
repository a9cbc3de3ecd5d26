// Package metrics собирает и экспортирует метрики медиа слоя.
//
// Предоставляет Prometheus метрики для внешнего мониторинга:
//   - счетчики созданных и закрытых pipeline
//   - счетчики отказов согласования форматов
//   - gauge активных сессий и playback трактов
//   - гистограмму длительности callback'а микширования
//
// Все операции thread-safe; nil-коллектор является валидным no-op,
// поэтому вызывающий код не обязан проверять наличие метрик.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector собирает метрики медиа слоя
type Collector struct {
	pipelinesCreated    prometheus.Counter
	pipelinesClosed     prometheus.Counter
	negotiationFailures prometheus.Counter
	levelDispatches     prometheus.Counter
	swallowedEvents     prometheus.Counter
	sessionsActive      prometheus.Gauge
	playbacksActive     prometheus.Gauge
	mixDuration         prometheus.Histogram
}

// Config конфигурация системы метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр Prometheus; nil означает реестр по умолчанию
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		Namespace: "media",
		Subsystem: "session",
	}
}

// NewCollector создает новый сборщик метрик
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = DefaultConfig()
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		pipelinesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "pipelines_created_total",
			Help:      "Total number of media pipelines created",
		}),
		pipelinesClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "pipelines_closed_total",
			Help:      "Total number of media pipelines closed",
		}),
		negotiationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "negotiation_failures_total",
			Help:      "Total number of format negotiation failures",
		}),
		levelDispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "level_dispatches_total",
			Help:      "Total number of audio level listener notifications",
		}),
		swallowedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "swallowed_events_total",
			Help:      "Total number of lifecycle events dropped after pipeline close",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently active media sessions",
		}),
		playbacksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "playbacks_active",
			Help:      "Number of currently active playback records",
		}),
		mixDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "mix_callback_duration_seconds",
			Help:      "Duration of mixing contribution callbacks",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		}),
	}
}

// PipelineCreated учитывает создание pipeline
func (c *Collector) PipelineCreated() {
	if c == nil {
		return
	}
	c.pipelinesCreated.Inc()
}

// PipelineClosed учитывает закрытие pipeline
func (c *Collector) PipelineClosed() {
	if c == nil {
		return
	}
	c.pipelinesClosed.Inc()
}

// NegotiationFailed учитывает отказ согласования формата
func (c *Collector) NegotiationFailed() {
	if c == nil {
		return
	}
	c.negotiationFailures.Inc()
}

// LevelDispatched учитывает уведомление слушателя уровня
func (c *Collector) LevelDispatched() {
	if c == nil {
		return
	}
	c.levelDispatches.Inc()
}

// EventSwallowed учитывает событие, отброшенное после закрытия pipeline
func (c *Collector) EventSwallowed() {
	if c == nil {
		return
	}
	c.swallowedEvents.Inc()
}

// SessionOpened учитывает открытие сессии
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionClosed учитывает закрытие сессии
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

// PlaybackAdded учитывает добавление playback записи
func (c *Collector) PlaybackAdded() {
	if c == nil {
		return
	}
	c.playbacksActive.Inc()
}

// PlaybackRemoved учитывает удаление playback записи
func (c *Collector) PlaybackRemoved() {
	if c == nil {
		return
	}
	c.playbacksActive.Dec()
}

// ObserveMix учитывает длительность callback'а микширования
func (c *Collector) ObserveMix(d time.Duration) {
	if c == nil {
		return
	}
	c.mixDuration.Observe(d.Seconds())
}

// Демонстрация сессии микширования: два синтетических входящих потока
// суммируются на шине и рендерятся в каденсе локального захвата, уровни
// звука публикуются слушателям и в разделяемый кеш.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/metrics"
	"github.com/arzzra/media_engine/pkg/mixer"
)

const (
	sampleRate = 8000
	frameSize  = 160 // 20ms при 8kHz
)

var demoFormat = media.Format{
	Kind:        media.KindAudio,
	Encoding:    "PCMU",
	PayloadType: media.PayloadTypePCMU,
	ClockRate:   sampleRate,
	Channels:    1,
}

// toneSource синтетический источник: синусоида заданной частоты,
// кадры по 20мс в реальном времени
type toneSource struct {
	freq      float64
	amplitude float64

	mu     sync.Mutex
	stop   chan struct{}
	closed bool
}

func newToneSource(freq float64, amplitude float64) *toneSource {
	return &toneSource{freq: freq, amplitude: amplitude}
}

func (s *toneSource) SupportedFormats() []media.Format {
	return []media.Format{demoFormat}
}

func (s *toneSource) SetFormat(media.Format) error { return nil }

func (s *toneSource) Start(deliver func(frame []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.NewMediaError(media.ErrorCodeDeviceUnavailable, "", "источник закрыт")
	}
	if s.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	s.stop = stop

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()

		frame := make([]byte, frameSize*2)
		phase := 0.0
		step := 2 * math.Pi * s.freq / sampleRate
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for i := 0; i < frameSize; i++ {
					v := int16(s.amplitude * 32767 * math.Sin(phase))
					frame[2*i] = byte(uint16(v))
					frame[2*i+1] = byte(uint16(v) >> 8)
					phase += step
				}
				deliver(frame)
			}
		}
	}()
	return nil
}

func (s *toneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

func (s *toneSource) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// renderSink считает отрендеренные кадры смешанного звука
type renderSink struct {
	mu     sync.Mutex
	frames int
	bytes  int
}

func (s *renderSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.bytes += len(frame)
	return nil
}

func (s *renderSink) Close() error { return nil }

func (s *renderSink) stats() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.bytes
}

// levelPrinter печатает уровни с прореживанием
type levelPrinter struct {
	label string
	every int

	mu sync.Mutex
	n  int
}

func (p *levelPrinter) OnLevel(level uint8) {
	p.mu.Lock()
	p.n++
	print := p.n%p.every == 0
	p.mu.Unlock()
	if print {
		fmt.Printf("[%s] уровень %d/127\n", p.label, level)
	}
}

func main() {
	metricsAddr := flag.String("metrics", "", "адрес HTTP endpoint метрик (пусто - выключено)")
	duration := flag.Duration("duration", 2*time.Second, "длительность демонстрации")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(&metrics.Config{
		Namespace:  "media",
		Subsystem:  "mixdemo",
		Registerer: registry,
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("endpoint метрик: %v", err)
			}
		}()
	}

	render := &renderSink{}
	mix, err := mixer.New(mixer.Config{
		SessionID: "mixdemo",
		CaptureSource: func() (media.DataSource, error) {
			// Локальный "микрофон": тихий тон 440Гц
			return newToneSource(440, 0.1), nil
		},
		Format:  demoFormat,
		BusSink: render,
		Handler: &mixer.Handler{
			OnSSRCListChanged: func(old, updated []media.SSRC) {
				fmt.Printf("[шина] потоки %v -> %v\n", old, updated)
			},
		},
		Metrics: collector,
	})
	if err != nil {
		log.Fatalf("создание сессии микширования: %v", err)
	}

	child, err := mix.NewChildSession("demo-call")
	if err != nil {
		log.Fatalf("создание дочерней сессии: %v", err)
	}
	if err := child.Start(media.DirectionSendRecv); err != nil {
		log.Fatalf("запуск дочерней сессии: %v", err)
	}

	mix.AddLocalLevelListener(&levelPrinter{label: "локальный", every: 25})
	mix.SetStreamLevelListener(101, &levelPrinter{label: "поток 101", every: 25})

	// Два удаленных участника с разной громкостью
	if err := child.AddInboundStream(101, newToneSource(330, 0.5)); err != nil {
		log.Fatalf("поток 101: %v", err)
	}
	if err := child.AddInboundStream(202, newToneSource(550, 0.2)); err != nil {
		log.Fatalf("поток 202: %v", err)
	}

	time.Sleep(*duration)

	for _, ssrc := range mix.SSRCs() {
		if level, ok := mix.Levels().Load(ssrc); ok {
			fmt.Printf("[кеш] поток %d: уровень %d/127\n", ssrc, level)
		}
	}
	if level, ok := mix.Levels().Load(mixer.LocalLevelKey); ok {
		fmt.Printf("[кеш] локальный: уровень %d/127\n", level)
	}

	_ = child.Close()
	mix.RemoveChildSession(child)

	frames, bytes := render.stats()
	fmt.Printf("[рендер] %d кадров, %d байт смешанного звука\n", frames, bytes)
}

package session

import (
	"log/slog"

	"github.com/arzzra/media_engine/pkg/media"
	"github.com/arzzra/media_engine/pkg/pipeline"
)

// Playback представляет один входящий источник данных, возможно связанный
// с выделенным трактом воспроизведения.
//
// На каждый различимый входящий поток (SSRC) или внешне добавленный источник
// существует ровно одна запись Playback. Pipeline может быть nil: сессия
// микширования перенаправляет воспроизведение на общую шину и не создает
// выделенных трактов, удаление такой записи не освобождает ничего.
type Playback struct {
	// SSRC идентификатор входящего потока; 0 для внешних источников
	SSRC media.SSRC

	// Source источник декодированных кадров, владение у транспортного слоя
	Source media.DataSource

	// Pipeline выделенный тракт воспроизведения или nil
	Pipeline *pipeline.Pipeline
}

// PlaybackStrategy определяет способ создания трактов воспроизведения.
//
// Обобщенная сессия использует DefaultPlaybackStrategy, строящую выделенный
// тракт на каждый входящий поток. Сессия микширования подставляет стратегию,
// которая регистрирует поток на шине и не создает тракта (композиция вместо
// наследования).
type PlaybackStrategy interface {
	// NewPlaybackPipeline создает тракт воспроизведения для входящего потока.
	// Возвращает (nil, nil), если выделенный тракт не нужен.
	NewPlaybackPipeline(sess *Session, ssrc media.SSRC, source media.DataSource) (*pipeline.Pipeline, error)
}

// DefaultPlaybackStrategy строит выделенный тракт воспроизведения
// на каждый входящий поток.
type DefaultPlaybackStrategy struct{}

var _ PlaybackStrategy = (*DefaultPlaybackStrategy)(nil)

// NewPlaybackPipeline создает тракт Source -> Transforms -> Sink для потока
func (DefaultPlaybackStrategy) NewPlaybackPipeline(sess *Session, ssrc media.SSRC, source media.DataSource) (*pipeline.Pipeline, error) {
	var sink media.DataSink
	if sess.playbackSink != nil {
		sink = sess.playbackSink(ssrc)
	}
	var transforms []media.Transform
	if sess.playbackTransforms != nil {
		transforms = sess.playbackTransforms(ssrc)
	}

	return pipeline.New(pipeline.Config{
		SessionID:  sess.id,
		Source:     source,
		Sink:       sink,
		Transforms: transforms,
		Handler: func(ev media.LifecycleEvent) {
			sess.onPlaybackEvent(ssrc, ev)
		},
		Logger:  sess.logger.With(slog.Uint64("ssrc", uint64(ssrc))),
		Metrics: sess.metrics,
	})
}

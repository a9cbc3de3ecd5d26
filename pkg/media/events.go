package media

// LifecycleEventType перечисляет события жизненного цикла pipeline.
// События доставляются владеющей сессии строго упорядоченно в рамках
// одного pipeline: Configured раньше Realized, Realized раньше Started.
type LifecycleEventType int

const (
	EventConfigured LifecycleEventType = iota + 1
	EventRealized
	EventStarted
	EventStopped
	EventClosed
	EventFormatChanged
	EventSizeChanged
)

func (t LifecycleEventType) String() string {
	switch t {
	case EventConfigured:
		return "configured"
	case EventRealized:
		return "realized"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventClosed:
		return "closed"
	case EventFormatChanged:
		return "format_changed"
	case EventSizeChanged:
		return "size_changed"
	default:
		return "unknown"
	}
}

// LifecycleEvent описывает одно событие жизненного цикла pipeline.
// Format заполнен для событий Configured и FormatChanged. Err заполнен
// для события Closed, когда закрытие вызвано ошибкой (отказ устройства
// или согласования формата); при штатной разборке Err равен nil.
type LifecycleEvent struct {
	Type   LifecycleEventType
	Format *Format
	Err    error
}

// LifecycleHandler получает события жизненного цикла pipeline.
// Вызывается из горутин рабочих потоков устройств и кодеков,
// реализация обязана быть thread-safe и не блокировать надолго.
type LifecycleHandler func(LifecycleEvent)

package mixer

import "sync"

// GatePhase именованная фаза операций над системой устройств
type GatePhase int

const (
	// PhaseOpenStream открытие или закрытие потока устройства
	PhaseOpenStream GatePhase = iota
	// PhaseUpdateDevices обновление списка устройств
	PhaseUpdateDevices
)

func (p GatePhase) String() string {
	switch p {
	case PhaseOpenStream:
		return "open_stream"
	case PhaseUpdateDevices:
		return "update_devices"
	default:
		return "unknown"
	}
}

// DeviceGate взаимоисключающий шлюз между двумя фазами операций нативной
// системы устройств: открытие потоков и обновление списка устройств не
// должны пересекаться, но вызовы одной фазы конкурентны между собой.
//
// Справедливость FIFO между фазами: более ранний ожидающий противоположной
// фазы блокирует более поздних участников текущей фазы, исключая
// голодание. Один экземпляр на объект системы устройств, глобального
// состояния нет.
type DeviceGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active [2]int
	queue  []*gateWaiter
}

type gateWaiter struct {
	phase GatePhase
}

// NewDeviceGate создает шлюз без активных участников
func NewDeviceGate() *DeviceGate {
	g := &DeviceGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Enter блокирует до допуска участника фазы phase
func (g *DeviceGate) Enter(phase GatePhase) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := &gateWaiter{phase: phase}
	g.queue = append(g.queue, w)
	for !g.mayEnterLocked(w) {
		g.cond.Wait()
	}
	g.removeLocked(w)
	g.active[phase]++
}

// Leave освобождает участника фазы phase
func (g *DeviceGate) Leave(phase GatePhase) {
	g.mu.Lock()
	if g.active[phase] > 0 {
		g.active[phase]--
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// mayEnterLocked проверяет условие допуска: противоположная фаза не
// активна и перед w в очереди нет ожидающего противоположной фазы
func (g *DeviceGate) mayEnterLocked(w *gateWaiter) bool {
	other := 1 - int(w.phase)
	if g.active[other] > 0 {
		return false
	}
	for _, q := range g.queue {
		if q == w {
			return true
		}
		if q.phase != w.phase {
			return false
		}
	}
	return true
}

// removeLocked удаляет участника из очереди ожидания
func (g *DeviceGate) removeLocked(w *gateWaiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

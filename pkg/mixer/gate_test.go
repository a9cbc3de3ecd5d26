package mixer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeviceGateSamePhaseConcurrent проверяет конкурентность участников
// одной фазы
func TestDeviceGateSamePhaseConcurrent(t *testing.T) {
	g := NewDeviceGate()

	g.Enter(PhaseOpenStream)
	done := make(chan struct{})
	go func() {
		g.Enter(PhaseOpenStream) // не должен блокироваться
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("участник той же фазы заблокирован")
	}

	g.Leave(PhaseOpenStream)
	g.Leave(PhaseOpenStream)
}

// TestDeviceGatePhaseExclusion проверяет взаимное исключение фаз:
// обновление списка устройств не пересекается с открытием потоков
func TestDeviceGatePhaseExclusion(t *testing.T) {
	g := NewDeviceGate()
	g.Enter(PhaseOpenStream)

	entered := make(chan struct{})
	go func() {
		g.Enter(PhaseUpdateDevices)
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("противоположная фаза допущена при активной текущей")
	case <-time.After(50 * time.Millisecond):
	}

	g.Leave(PhaseOpenStream)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("ожидающий не допущен после освобождения фазы")
	}
	g.Leave(PhaseUpdateDevices)
}

// TestDeviceGateFIFOFairness проверяет справедливость между фазами:
// поздний участник текущей фазы не обгоняет более раннего ожидающего
// противоположной фазы
func TestDeviceGateFIFOFairness(t *testing.T) {
	g := NewDeviceGate()
	g.Enter(PhaseOpenStream)

	updateEntered := make(chan struct{})
	go func() {
		g.Enter(PhaseUpdateDevices)
		close(updateEntered)
	}()

	// Дождаться постановки ожидающего в очередь
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.queue) == 1
	}, time.Second, time.Millisecond)

	lateEntered := make(chan struct{})
	go func() {
		g.Enter(PhaseOpenStream)
		close(lateEntered)
	}()

	// Поздний open_stream обязан ждать за update_devices
	select {
	case <-lateEntered:
		t.Fatal("поздний участник обогнал более раннего ожидающего другой фазы")
	case <-time.After(50 * time.Millisecond):
	}

	g.Leave(PhaseOpenStream)
	select {
	case <-updateEntered:
	case <-time.After(time.Second):
		t.Fatal("ранний ожидающий не допущен первым")
	}

	g.Leave(PhaseUpdateDevices)
	select {
	case <-lateEntered:
	case <-time.After(time.Second):
		t.Fatal("поздний участник не допущен после завершения противоположной фазы")
	}
	g.Leave(PhaseOpenStream)
}

// TestDeviceGateStress проверяет отсутствие пересечения фаз под нагрузкой
func TestDeviceGateStress(t *testing.T) {
	g := NewDeviceGate()

	var mu sync.Mutex
	active := [2]int{}
	violations := 0

	var wg sync.WaitGroup
	work := func(phase GatePhase) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			g.Enter(phase)
			mu.Lock()
			active[phase]++
			if active[1-int(phase)] > 0 {
				violations++
			}
			mu.Unlock()

			mu.Lock()
			active[phase]--
			mu.Unlock()
			g.Leave(phase)
		}
	}

	for i := 0; i < 4; i++ {
		wg.Add(2)
		go work(PhaseOpenStream)
		go work(PhaseUpdateDevices)
	}
	wg.Wait()

	assert.Zero(t, violations, "фазы пересеклись")
	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.queue)
	assert.Zero(t, g.active[PhaseOpenStream])
	assert.Zero(t, g.active[PhaseUpdateDevices])
}

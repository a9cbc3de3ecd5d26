package media

import "testing"

// === ТЕСТЫ НАПРАВЛЕНИЙ МЕДИА ПОТОКА ===

// TestDirectionCapabilities тестирует возможности отправки и приема
// для каждого направления
func TestDirectionCapabilities(t *testing.T) {
	tests := []struct {
		direction  Direction
		canSend    bool
		canReceive bool
		str        string
	}{
		{DirectionSendRecv, true, true, "sendrecv"},
		{DirectionSendOnly, true, false, "sendonly"},
		{DirectionRecvOnly, false, true, "recvonly"},
		{DirectionInactive, false, false, "inactive"},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if tt.direction.CanSend() != tt.canSend {
				t.Errorf("CanSend() = %v, ожидалось %v", tt.direction.CanSend(), tt.canSend)
			}
			if tt.direction.CanReceive() != tt.canReceive {
				t.Errorf("CanReceive() = %v, ожидалось %v", tt.direction.CanReceive(), tt.canReceive)
			}
			if tt.direction.String() != tt.str {
				t.Errorf("String() = %q, ожидалось %q", tt.direction.String(), tt.str)
			}
		})
	}
}

// TestDirectionUnionDiff тестирует операции объединения и разности направлений
// Проверяет:
// - Union добавляет возможности второго операнда
// - Diff удаляет возможности второго операнда
// - Граничные случаи с Inactive и SendRecv
func TestDirectionUnionDiff(t *testing.T) {
	tests := []struct {
		name        string
		a, b        Direction
		union, diff Direction
		description string
	}{
		{
			name:        "Отправка плюс прием",
			a:           DirectionSendOnly,
			b:           DirectionRecvOnly,
			union:       DirectionSendRecv,
			diff:        DirectionSendOnly,
			description: "Объединение дополняющих направлений дает sendrecv",
		},
		{
			name:        "Inactive нейтрален для Union",
			a:           DirectionSendOnly,
			b:           DirectionInactive,
			union:       DirectionSendOnly,
			diff:        DirectionSendOnly,
			description: "Inactive не добавляет и не удаляет возможностей",
		},
		{
			name:        "SendRecv поглощает Union",
			a:           DirectionSendRecv,
			b:           DirectionRecvOnly,
			union:       DirectionSendRecv,
			diff:        DirectionSendOnly,
			description: "Diff удаляет только прием, оставляя отправку",
		},
		{
			name:        "Полная разность",
			a:           DirectionSendRecv,
			b:           DirectionSendRecv,
			union:       DirectionSendRecv,
			diff:        DirectionInactive,
			description: "Удаление всех возможностей дает inactive",
		},
		{
			name:        "Разность непересекающихся",
			a:           DirectionRecvOnly,
			b:           DirectionSendOnly,
			union:       DirectionSendRecv,
			diff:        DirectionRecvOnly,
			description: "Удаление отсутствующей возможности ничего не меняет",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Union(tt.b); got != tt.union {
				t.Errorf("%s.Union(%s) = %s, ожидалось %s (%s)", tt.a, tt.b, got, tt.union, tt.description)
			}
			if got := tt.a.Diff(tt.b); got != tt.diff {
				t.Errorf("%s.Diff(%s) = %s, ожидалось %s (%s)", tt.a, tt.b, got, tt.diff, tt.description)
			}
		})
	}
}

// TestDirectionFold тестирует эквивалентность последовательности Start/Stop
// ее свертке: итоговое направление зависит только от набора примененных
// операций, а не от их группировки
func TestDirectionFold(t *testing.T) {
	// Start(sendonly), Start(recvonly), Stop(sendonly)
	d := DirectionInactive
	d = d.Union(DirectionSendOnly)
	d = d.Union(DirectionRecvOnly)
	d = d.Diff(DirectionSendOnly)

	if d != DirectionRecvOnly {
		t.Errorf("свертка = %s, ожидалось recvonly", d)
	}

	// Та же последовательность с другой группировкой
	alt := DirectionInactive.Union(DirectionSendRecv).Diff(DirectionSendOnly)
	if alt != d {
		t.Errorf("перегруппировка изменила результат: %s != %s", alt, d)
	}
}

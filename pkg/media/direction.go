package media

// Direction определяет направление медиа потока сессии.
// Значения соответствуют SDP атрибутам направления (RFC 4566).
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// directionOf собирает направление из флагов отправки и приема
func directionOf(send, recv bool) Direction {
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}

// Union возвращает объединение направлений: результат может отправлять,
// если отправлять может хотя бы одно из направлений, аналогично для приема.
// Используется при комбинировании нескольких вызовов Start у сессии.
func (d Direction) Union(other Direction) Direction {
	return directionOf(d.CanSend() || other.CanSend(), d.CanReceive() || other.CanReceive())
}

// Diff возвращает разность направлений: из возможностей d удаляются
// возможности other. Используется при обработке Stop у сессии.
func (d Direction) Diff(other Direction) Direction {
	return directionOf(d.CanSend() && !other.CanSend(), d.CanReceive() && !other.CanReceive())
}

package session

import "github.com/tlink-protocol/tlink-go/pkg/connection"

// Observer receives the lifecycle and inbound messages of sessions.
//
// OnConnected and OnConnectFailed are called by Container.Service or
// Container.Run. OnMessage and OnClose are called on the session's
// dispatcher goroutine, never on the connection's read loop.
type Observer interface {
	// OnConnected reports a new session. winner is the index into stats of
	// the attempt that produced it. active is false for connections kept
	// after the race was already won.
	OnConnected(s *Session, stats []connection.Stats, winner int, active bool)

	// OnConnectFailed reports a race that produced no connection.
	OnConnectFailed(stats []connection.Stats, kind connection.ErrorKind)

	// OnClose is called exactly once per session.
	OnClose(s *Session)

	OnMessage(s *Session, data []byte, binary bool)
}

// Funcs adapts optional callbacks to Observer.
type Funcs struct {
	Connected     func(s *Session, stats []connection.Stats, winner int, active bool)
	ConnectFailed func(stats []connection.Stats, kind connection.ErrorKind)
	Close         func(s *Session)
	Message       func(s *Session, data []byte, binary bool)
}

func (f Funcs) OnConnected(s *Session, stats []connection.Stats, winner int, active bool) {
	if f.Connected != nil {
		f.Connected(s, stats, winner, active)
	}
}

func (f Funcs) OnConnectFailed(stats []connection.Stats, kind connection.ErrorKind) {
	if f.ConnectFailed != nil {
		f.ConnectFailed(stats, kind)
	}
}

func (f Funcs) OnClose(s *Session) {
	if f.Close != nil {
		f.Close(s)
	}
}

func (f Funcs) OnMessage(s *Session, data []byte, binary bool) {
	if f.Message != nil {
		f.Message(s, data, binary)
	}
}

var _ Observer = Funcs{}

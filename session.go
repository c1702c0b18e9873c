package balancerd

import "net"

type sessFlag uint32

const (
	// SessDirect means the session was routed by an explicit affinity
	// (stick table hit) rather than the balancing map.
	SessDirect sessFlag = 1 << iota
	// SessAssigned means a server has been chosen for this session.
	SessAssigned
	// SessAddrSet means the outbound address has been resolved from the
	// chosen server.
	SessAddrSet
)

// sessTxn carries the per-session routing state derived from the client,
// such as the source affinity used to pick a server.
type sessTxn struct {
	stickKey string
	// stickValid is cleared when the affinity target goes away so the
	// session does not re-stick to a dead server.
	stickValid bool
}

// Session is one accepted frontend connection making its way to a server.
// Routing fields are guarded by the backend lock; the wake channel is how
// queue drains and redispatches resume a parked session.
type Session struct {
	be    *Backend
	conn  net.Conn
	flags sessFlag

	srv  *Server
	txn  sessTxn
	pend *pendConn

	wake chan struct{}
}

func newSession(be *Backend, conn net.Conn) *Session {
	sess := &Session{
		be:   be,
		conn: conn,
		wake: make(chan struct{}, 1),
	}
	if conn != nil {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			sess.txn.stickKey = host
			sess.txn.stickValid = true
		}
	}
	return sess
}

func (s *Session) hasFlag(f sessFlag) bool { return s.flags&f != 0 }
func (s *Session) setFlag(f sessFlag)      { s.flags |= f }
func (s *Session) clearFlag(f sessFlag)    { s.flags &^= f }

// Wake unparks the session's task. Non-blocking; multiple wakes coalesce.
func (s *Session) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// redispatch strips every routing decision made so far so the session can be
// dispatched from scratch. Callers hold the backend lock.
func (s *Session) redispatch() {
	s.clearFlag(SessDirect | SessAssigned | SessAddrSet)
	s.srv = nil
	s.txn.stickValid = false
}

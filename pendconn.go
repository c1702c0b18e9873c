package balancerd

import "container/list"

// pendConn is one session waiting in a queue for a server slot. It sits
// either on a specific server's queue (the session insists on that server)
// or on the backend-level queue (any server will do). The queues are FIFO.
// All pendConn manipulation happens under the backend lock.
type pendConn struct {
	sess *Session
	// srv is set while the entry sits on a server queue, nil on the
	// backend queue.
	srv *Server

	elem  *list.Element
	queue *list.List
}

// pendconnAdd queues a session. A session that already insists on a server
// (sticky routing) waits on that server's queue, anything else waits on the
// backend queue. Callers hold the backend lock.
func pendconnAdd(sess *Session) *pendConn {
	pc := &pendConn{sess: sess}
	be := sess.be

	if sess.srv != nil && sess.hasFlag(SessDirect|SessAssigned) {
		pc.srv = sess.srv
		pc.queue = sess.srv.pendconns
		sess.srv.nbPend++
	} else {
		pc.queue = be.pendconns
	}
	pc.elem = pc.queue.PushBack(pc)
	sess.pend = pc

	RecordPendingQueueDepth(be.Name, be.queueDepth())
	return pc
}

// unlink detaches the entry from whatever queue holds it. Callers hold the
// backend lock.
func (pc *pendConn) unlink() {
	if pc.elem == nil {
		return
	}
	pc.queue.Remove(pc.elem)
	pc.elem = nil
	if pc.srv != nil {
		pc.srv.nbPend--
	}
	if pc.sess.pend == pc {
		pc.sess.pend = nil
	}
}

// pendconnFree removes the entry from wherever it is queued. Callers hold
// the backend lock.
func pendconnFree(pc *pendConn) {
	pc.unlink()
}

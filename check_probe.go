// check_probe.go is the probe driver: it opens one fresh TCP connection per
// probe, optionally performs a minimal application-layer handshake (HTTP,
// SSLv3 CLIENT-HELLO, or SMTP), and classifies the reply. The verdict is
// posted on the attempt and the owning check task is woken; nothing here
// blocks the task or escapes as an error.
package balancerd

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// replyBufSize bounds the single read used to classify a probe reply. The
// three protocols decide on far fewer bytes than this.
const replyBufSize = 64

// prober starts probe attempts. The indirection exists so the state-machine
// tests can feed scripted outcomes instead of opening sockets.
type prober interface {
	// begin launches one probe against srv. The attempt posts its outcome
	// and calls wake. A setup error means no probe could be started this
	// tick; the caller absorbs it and retries next interval.
	begin(srv *Server, deadline time.Time, wake func()) (probeAttempt, error)
}

type probeAttempt interface {
	// result is the attempt's tri-state verdict.
	result() probeResult
	// abort releases the attempt's socket. Idempotent; called on every
	// exit path.
	abort()
}

type tcpProber struct {
	clock Clock
	log   zerolog.Logger
}

type tcpProbeAttempt struct {
	verdict atomic.Int32

	cancel context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (a *tcpProbeAttempt) result() probeResult {
	return probeResult(a.verdict.Load())
}

// succeed and fail are first-writer-wins: a failure observed on the read
// side never demotes a success already recorded on the same probe.
func (a *tcpProbeAttempt) succeed() {
	a.verdict.CompareAndSwap(int32(resUnset), int32(resSuccess))
}

func (a *tcpProbeAttempt) fail() {
	a.verdict.CompareAndSwap(int32(resUnset), int32(resFailure))
}

func (a *tcpProbeAttempt) abort() {
	a.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// adopt takes ownership of the dialed socket unless the attempt was already
// aborted, in which case the socket is closed immediately.
func (a *tcpProbeAttempt) adopt(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		conn.Close()
		return false
	}
	a.conn = conn
	return true
}

func (p *tcpProber) begin(srv *Server, deadline time.Time, wake func()) (probeAttempt, error) {
	dialer, err := newOutboundDialer(srv)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	att := &tcpProbeAttempt{cancel: cancel}

	go p.probe(ctx, att, dialer, srv, deadline, wake)
	return att, nil
}

// newOutboundDialer builds the dialer used to reach a server, for probes and
// relayed sessions alike: TCP_NODELAY on the socket, and the server- or
// backend-level source binding with SO_REUSEADDR (plus the transparent-source
// mark when configured). Outbound sockets are IPv4 only.
func newOutboundDialer(srv *Server) (*net.Dialer, error) {
	dialer := &net.Dialer{
		Control: probeControl(srv.hasFlag(SrvTransparent)),
	}
	if srv.sourceAddr != "" {
		laddr, err := net.ResolveTCPAddr("tcp4", srv.sourceAddr)
		if err != nil {
			return nil, wrapErr(ErrProbeSocketSetup, err.Error())
		}
		dialer.LocalAddr = laddr
	}
	return dialer, nil
}

func (p *tcpProber) probe(ctx context.Context, att *tcpProbeAttempt, dialer *net.Dialer, srv *Server, deadline time.Time, wake func()) {
	defer wake()

	start := p.clock.Now()
	defer func() {
		RecordProbeDuration(srv.backend.Name, srv.Name, p.clock.Now().Sub(start).Seconds())
	}()

	conn, err := dialer.DialContext(ctx, "tcp4", srv.probeAddr())
	if err != nil {
		if isBindError(err) {
			p.log.Error().
				Str("backend", srv.backend.Name).
				Str("server", srv.Name).
				Str("source", srv.sourceAddr).
				Err(err).
				Msg("cannot bind probe source address")
		}
		att.fail()
		return
	}
	if !att.adopt(conn) {
		return
	}
	defer att.abort()

	req := srv.backend.checkReq
	if req == nil {
		// Plain TCP probe: a completed connect is the whole check.
		att.succeed()
		return
	}

	if err := conn.SetDeadline(deadline); err != nil {
		att.fail()
		return
	}

	if srv.backend.checkProto == SSL3Check && len(req) >= sslv3TimestampOffset+4 {
		req = bytes.Clone(req)
		binary.BigEndian.PutUint32(req[sslv3TimestampOffset:], uint32(p.clock.Now().Unix()))
	}

	if n, err := conn.Write(req); err != nil || n != len(req) {
		att.fail()
		return
	}

	buf := make([]byte, replyBufSize)
	n, err := conn.Read(buf)
	if err != nil {
		att.fail()
		return
	}

	if classifyReply(srv.backend.checkProto, buf[:n]) {
		att.succeed()
	} else {
		att.fail()
	}
}

// classifyReply decides whether the first bytes of the server's reply pass
// the protocol check:
//
//   - HTTP: a status line "HTTP/1.x NNN" whose status class is 2xx or 3xx
//   - SSLv3: a record of type alert (0x15) or handshake (0x16), at least a
//     record header long
//   - SMTP: a banner whose code starts with '2'
func classifyReply(proto CheckProtocol, reply []byte) bool {
	switch proto {
	case HTTPCheck:
		return len(reply) >= len("HTTP/1.0 000") &&
			bytes.HasPrefix(reply, []byte("HTTP/1.")) &&
			(reply[9] == '2' || reply[9] == '3')
	case SSL3Check:
		return len(reply) >= 5 && (reply[0] == 0x15 || reply[0] == 0x16)
	case SMTPCheck:
		return len(reply) >= 3 && reply[0] == '2'
	default:
		return false
	}
}

// isBindError reports whether a dial failed while binding the local source
// address rather than while connecting.
func isBindError(err error) bool {
	return strings.Contains(err.Error(), "bind:")
}

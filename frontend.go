// frontend.go is the data path: a TCP listener per backend whose accepted
// connections are dispatched to an alive server and relayed byte for byte.
// The frontend only observes liveness; it never mutates it.
package balancerd

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultQueueTimeout = 5 * time.Second

	// A session gets a few shots at different servers before giving up.
	maxDispatchAttempts = 3
	dispatchBackoffStep = 50 * time.Millisecond
	dispatchBackoffMax  = time.Second

	upstreamConnectTimeout = 5 * time.Second
)

type Frontend struct {
	be           *Backend
	listenAddr   string
	queueTimeout time.Duration

	// sem caps relayed sessions process-wide; nil means unlimited.
	sem *semaphore.Weighted
	// acceptLimiter throttles the accept loop globally.
	acceptLimiter *rate.Limiter
	// srcLimiter bounds accepts per client address.
	srcLimiter FrontendRateLimiter

	log zerolog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func NewFrontend(
	be *Backend,
	cfg *BackendConfig,
	sem *semaphore.Weighted,
	acceptLimiter *rate.Limiter,
	srcLimiter FrontendRateLimiter,
	logger zerolog.Logger,
) *Frontend {
	f := &Frontend{
		be:            be,
		listenAddr:    cfg.Listen,
		queueTimeout:  defaultQueueTimeout,
		sem:           sem,
		acceptLimiter: acceptLimiter,
		srcLimiter:    srcLimiter,
		log:           logger.With().Str("backend", be.Name).Logger(),
	}
	if cfg.QueueTimeout != 0 {
		f.queueTimeout = time.Duration(cfg.QueueTimeout)
	}
	if f.srcLimiter == nil {
		f.srcLimiter = NoopFrontendRateLimiter
	}
	return f
}

// Addr is the bound listener address, once Serve has started.
func (f *Frontend) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Serve accepts until the context is done or the listener fails.
func (f *Frontend) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.listenAddr)
	if err != nil {
		return wrapErr(err, "frontend listen failed")
	}
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	f.log.Info().Str("listen", ln.Addr().String()).Msg("frontend up")

	for {
		if f.acceptLimiter != nil {
			if err := f.acceptLimiter.Wait(ctx); err != nil {
				break
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			f.wg.Wait()
			return wrapErr(err, "frontend accept failed")
		}

		RecordSessionAccepted(f.be.Name)

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !f.srcLimiter.Take(host) {
			RecordSessionRejected(f.be.Name, "source_rate")
			conn.Close()
			continue
		}

		if f.sem != nil && !f.sem.TryAcquire(1) {
			RecordSessionRejected(f.be.Name, "over_capacity")
			conn.Close()
			continue
		}

		f.wg.Add(1)
		go func(conn net.Conn) {
			defer f.wg.Done()
			if f.sem != nil {
				defer f.sem.Release(1)
			}
			f.serve(ctx, conn)
		}(conn)
	}

	f.wg.Wait()
	return nil
}

func (f *Frontend) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	RecordSessionsActive(f.be.Name, 1)
	defer RecordSessionsActive(f.be.Name, -1)

	sess := newSession(f.be, conn)

	upstream, srv, err := f.connectUpstream(ctx, sess)
	if err != nil {
		f.log.Debug().Err(err).Str("client", conn.RemoteAddr().String()).Msg("session dropped")
		RecordSessionRejected(f.be.Name, "dispatch_failed")
		return
	}
	defer upstream.Close()

	f.be.beConn.Add(1)
	srv.curSess.Add(1)
	defer func() {
		srv.curSess.Add(-1)
		f.be.beConn.Add(-1)
		f.be.processServerQueue(srv)
	}()

	relay(conn, upstream)
}

// connectUpstream picks a server for the session and opens the upstream
// connection, redispatching onto another server under backoff when the
// connect fails.
func (f *Frontend) connectUpstream(ctx context.Context, sess *Session) (net.Conn, *Server, error) {
	bo := NewIncrementalBackoff(dispatchBackoffStep, dispatchBackoffMax)

	for attempt := 0; attempt < maxDispatchAttempts; attempt++ {
		srv, err := f.assignServer(ctx, sess)
		if err != nil {
			return nil, nil, err
		}

		dialer, err := newOutboundDialer(srv)
		if err != nil {
			return nil, nil, err
		}
		dialer.Timeout = upstreamConnectTimeout

		conn, err := dialer.DialContext(ctx, "tcp4", srv.addr)
		if err == nil {
			sess.setFlag(SessAddrSet)
			if f.be.stick != nil && sess.txn.stickKey != "" {
				f.be.mu.Lock()
				f.be.stick.learn(sess.txn.stickKey, srv)
				f.be.mu.Unlock()
			}
			return conn, srv, nil
		}

		f.log.Warn().Err(err).Str("server", srv.Name).Msg("upstream connect failed, redispatching")
		RecordSessionRedispatched(f.be.Name)

		f.be.mu.Lock()
		sess.redispatch()
		f.be.mu.Unlock()

		bo.Backoff()
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(bo.BackoffWait()):
		}
	}

	return nil, nil, ErrNoServerAvailable
}

// assignServer resolves the session to a server, parking it in a pending
// queue when every candidate is at capacity. It returns once a server with a
// free slot is assigned, or fails on queue timeout, cancellation, or an
// empty backend.
func (f *Frontend) assignServer(ctx context.Context, sess *Session) (*Server, error) {
	be := f.be
	deadline := time.Now().Add(f.queueTimeout)

	for {
		be.mu.Lock()

		// A queue drain may have assigned a server while we were parked.
		if sess.srv != nil && sess.hasFlag(SessAssigned) &&
			sess.srv.hasFlag(SrvRunning) && !sess.srv.atCapacity() {
			srv := sess.srv
			be.mu.Unlock()
			return srv, nil
		}

		if srv, ok := f.stickyServer(sess); ok {
			if !srv.atCapacity() {
				be.mu.Unlock()
				return srv, nil
			}
			pendconnAdd(sess)
		} else {
			srv, full := be.nextServer()
			if srv == nil {
				be.mu.Unlock()
				return nil, ErrNoServerAvailable
			}
			if !full {
				sess.srv = srv
				sess.setFlag(SessAssigned)
				be.mu.Unlock()
				return srv, nil
			}
			sess.redispatch()
			pendconnAdd(sess)
		}
		be.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			f.unqueue(sess)
			return nil, ErrQueueTimeout
		}
		select {
		case <-ctx.Done():
			f.unqueue(sess)
			return nil, ctx.Err()
		case <-time.After(wait):
			f.unqueue(sess)
			return nil, ErrQueueTimeout
		case <-sess.wake:
		}
	}
}

// stickyServer consults the source-affinity table. Callers hold the backend
// lock. On a hit the session insists on that server.
func (f *Frontend) stickyServer(sess *Session) (*Server, bool) {
	if f.be.stick == nil || !sess.txn.stickValid {
		return nil, false
	}
	srv, ok := f.be.stick.lookup(sess.txn.stickKey)
	if !ok || !srv.hasFlag(SrvRunning) {
		return nil, false
	}
	sess.srv = srv
	sess.setFlag(SessDirect | SessAssigned)
	return srv, true
}

// unqueue removes the session's pending entry, if a drain has not already.
func (f *Frontend) unqueue(sess *Session) {
	f.be.mu.Lock()
	if sess.pend != nil {
		pendconnFree(sess.pend)
	}
	f.be.mu.Unlock()
}

// relay shuttles bytes both ways and propagates half-closes, returning when
// both directions are drained.
func relay(client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if tc, ok := dst.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}
	go cp(upstream, client)
	go cp(client, upstream)
	<-done
	<-done
}

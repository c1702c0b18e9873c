// check.go drives the active health checks: one timer task per server that
// periodically opens a probing connection, classifies the outcome, and feeds
// it into the rise/fall liveness state machine. Threshold crossings mutate
// backend membership: the routing map is rebuilt, queued sessions are drained
// onto a rising server or rescued off a falling one, and operators are told.
package balancerd

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// checkTask is the periodic unit of work for one checked server. The task
// owns at most one probe at a time; a probe that has not reported by the next
// deadline counts as a failure. The connect timeout is fused with the probe
// interval.
type checkTask struct {
	srv   *Server
	be    *Backend
	clock Clock
	prob  prober
	log   zerolog.Logger

	// expire is the task's next deadline. It advances by whole multiples
	// of inter so the probe phase stays stable even after long stalls.
	expire time.Time

	attempt probeAttempt

	wakeCh chan struct{}
}

func newCheckTask(srv *Server, clock Clock, prob prober, logger zerolog.Logger) *checkTask {
	return &checkTask{
		srv:    srv,
		be:     srv.backend,
		clock:  clock,
		prob:   prob,
		log:    logger.With().Str("backend", srv.backend.Name).Str("server", srv.Name).Logger(),
		wakeCh: make(chan struct{}, 1),
	}
}

// wake requests an immediate re-entry of the task. Non-blocking; callers are
// probe goroutines.
func (t *checkTask) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// run is the task loop. The first deadline is spread randomly across one
// interval so all servers of a freshly started process do not probe at once.
func (t *checkTask) run(ctx context.Context) {
	t.expire = t.clock.Now().Add(time.Duration(rand.Int63n(int64(t.srv.inter)) + 1))

	for {
		d := t.expire.Sub(t.clock.Now())
		if d < 0 {
			d = 0
		}
		select {
		case <-ctx.Done():
			if t.attempt != nil {
				t.attempt.abort()
				t.attempt = nil
			}
			return
		case <-t.wakeCh:
		case <-t.clock.After(d):
		}
		t.tick(t.clock.Now())
	}
}

// tick processes the check for this task's server. Re-entrant and safe to
// call spuriously: with no probe in flight and a future deadline it is a
// no-op, with a probe in flight and no verdict yet it keeps waiting.
func (t *checkTask) tick(now time.Time) {
	if t.attempt == nil {
		if t.expire.After(now) {
			return
		}
		if !t.srv.hasFlag(SrvChecked) || t.be.Stopped() {
			t.rephase(now)
			return
		}
		t.beginProbe(now)
		return
	}

	switch t.attempt.result() {
	case resSuccess:
		t.finishProbe()
		t.onSuccess()
		t.rephase(now)
	case resFailure:
		t.finishProbe()
		t.onFailure()
		t.rephase(now)
	default:
		if t.expire.After(now) {
			// still connecting or waiting for the reply
			return
		}
		// deadline passed with no verdict
		t.finishProbe()
		t.onFailure()
		t.rephase(now)
	}
}

// beginProbe starts a new probe and arms the connect timeout. Socket setup
// failures are absorbed: no probe happens this tick and the next interval
// retries, so a briefly constrained OS does not flap the server.
func (t *checkTask) beginProbe(now time.Time) {
	att, err := t.prob.begin(t.srv, now.Add(t.srv.inter), t.wake)
	if err != nil {
		t.log.Warn().Err(err).Msg("health check probe could not start")
		t.rephase(now)
		return
	}
	t.attempt = att
	t.srv.probing = true
	t.expire = now.Add(t.srv.inter)
}

// finishProbe releases the in-flight probe on every exit path.
func (t *checkTask) finishProbe() {
	t.attempt.abort()
	t.attempt = nil
	t.srv.probing = false
}

// rephase advances the deadline by whole intervals until it is in the
// future.
func (t *checkTask) rephase(now time.Time) {
	for !t.expire.After(now) {
		t.expire = t.expire.Add(t.srv.inter)
	}
}

func (t *checkTask) onSuccess() {
	srv := t.srv
	t.be.mu.Lock()
	edge := srv.live.observe(true, srv.rise, srv.fall)
	health := srv.live.health(srv.rise)
	if edge == edgeUp {
		t.setServerUp()
	}
	t.be.mu.Unlock()

	RecordProbeResult(t.be.Name, srv.Name, true)
	RecordServerHealth(t.be.Name, srv.Name, health)
}

func (t *checkTask) onFailure() {
	srv := t.srv
	t.be.mu.Lock()
	if srv.live.up && srv.live.count > 0 {
		srv.failedChecks++
	}
	edge := srv.live.observe(false, srv.rise, srv.fall)
	health := srv.live.health(srv.rise)
	if edge == edgeDown {
		t.setServerDown()
	}
	t.be.mu.Unlock()

	RecordProbeResult(t.be.Name, srv.Name, false)
	RecordServerHealth(t.be.Name, srv.Name, health)
}

// setServerUp applies the UP edge: the server rejoins the routing map and
// pulls waiting sessions from the backend queue, up to its dynamic
// connection ceiling. Callers hold the backend lock.
func (t *checkTask) setServerUp() {
	srv, be := t.srv, t.be

	srv.setFlag(SrvRunning)
	be.recountServers()
	be.recalcServerMap()

	limit := srv.dynamicMaxconn()
	xferred := 0
	for limit == 0 || xferred < limit {
		pc := be.pendconnFromPx()
		if pc == nil {
			break
		}
		pc.sess.srv = srv
		pc.sess.setFlag(SessAssigned)
		pendconnFree(pc)
		pc.sess.Wake()
		xferred++
	}

	remaining := be.queueDepth()
	t.log.Info().
		Int("active", be.srvAct).
		Int("backup", be.srvBck).
		Int("requeued", xferred).
		Int("remaining", remaining).
		Msg("server UP")

	RecordServerUp(be.Name, srv.Name, true)
	RecordSessionsRequeued(be.Name, srv.Name, xferred)
	RecordPendingQueueDepth(be.Name, remaining)
}

// setServerDown applies the DOWN edge: the server leaves the routing map,
// its queued sessions are rescued onto the rest of the backend when their
// session allows redispatch, and its source affinities are forgotten.
// Callers hold the backend lock.
func (t *checkTask) setServerDown() {
	srv, be := t.srv, t.be

	srv.clearFlag(SrvRunning)
	be.recountServers()
	be.recalcServerMap()

	xferred := 0
	for e := srv.pendconns.Front(); e != nil; {
		next := e.Next()
		pc := e.Value.(*pendConn)
		e = next
		if !pc.sess.be.redispatch {
			continue
		}
		pc.sess.redispatch()
		pendconnFree(pc)
		pc.sess.Wake()
		xferred++
	}

	if be.stick != nil {
		be.stick.forget(srv)
	}

	remaining := be.queueDepth()
	t.log.Error().
		Int("active", be.srvAct).
		Int("backup", be.srvBck).
		Int64("cur_sess", srv.curSess.Load()).
		Int("requeued", xferred).
		Int("remaining", remaining).
		Msg("server DOWN")

	if be.srvAct == 0 && be.srvBck == 0 {
		t.log.WithLevel(zerolog.FatalLevel).Msg("no server available")
	}

	srv.downTrans++
	RecordServerUp(be.Name, srv.Name, false)
	RecordDownTransition(be.Name, srv.Name)
	RecordSessionsRequeued(be.Name, srv.Name, xferred)
	RecordPendingQueueDepth(be.Name, remaining)
}

// CheckEngine owns the check tasks of every backend.
type CheckEngine struct {
	tasks  []*checkTask
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCheckEngine builds one task per checked server. Tasks are created
// stopped; call Start.
func NewCheckEngine(backends []*Backend, clock Clock, logger zerolog.Logger) *CheckEngine {
	eng := &CheckEngine{}
	prob := &tcpProber{clock: clock, log: logger}
	for _, be := range backends {
		for _, srv := range be.Servers {
			if !srv.hasFlag(SrvChecked) {
				continue
			}
			eng.tasks = append(eng.tasks, newCheckTask(srv, clock, prob, logger))
		}
	}
	return eng
}

func (eng *CheckEngine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	eng.cancel = cancel
	for _, t := range eng.tasks {
		eng.wg.Add(1)
		go func(t *checkTask) {
			defer eng.wg.Done()
			t.run(ctx)
		}(t)
	}
}

// Shutdown stops all tasks and aborts in-flight probes.
func (eng *CheckEngine) Shutdown() {
	if eng.cancel != nil {
		eng.cancel()
	}
	eng.wg.Wait()
}

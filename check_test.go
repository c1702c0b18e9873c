package balancerd

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

// scriptAttempt is a probe with a pre-decided verdict.
type scriptAttempt struct {
	verdict probeResult
	aborted int
}

func (a *scriptAttempt) result() probeResult { return a.verdict }
func (a *scriptAttempt) abort()              { a.aborted++ }

type scriptProber struct {
	next    probeResult
	started int
	last    *scriptAttempt
}

func (p *scriptProber) begin(srv *Server, deadline time.Time, wake func()) (probeAttempt, error) {
	p.started++
	p.last = &scriptAttempt{verdict: p.next}
	return p.last, nil
}

func testBackendConfig() *BackendConfig {
	return &BackendConfig{
		Listen:     "127.0.0.1:0",
		Check:      HTTPCheck,
		Redispatch: true,
		Servers: []*UpstreamConfig{
			{
				Name:    "srv1",
				Address: "127.0.0.1:8080",
				Rise:    2,
				Fall:    3,
				Inter:   TOMLDuration(2 * time.Second),
			},
		},
	}
}

func newTestTask(t *testing.T, cfg *BackendConfig) (*checkTask, *fakeClock, *scriptProber) {
	t.Helper()

	be, err := NewBackend("web", cfg, zerolog.Nop())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &scriptProber{}
	task := newCheckTask(be.Servers[0], clock, prober, zerolog.Nop())
	task.expire = clock.now
	return task, clock, prober
}

// fire runs one full probe cycle with the given verdict. resUnset simulates
// a probe that never reports and times out at the deadline.
func fire(task *checkTask, clock *fakeClock, prober *scriptProber, verdict probeResult) {
	clock.now = task.expire
	prober.next = verdict
	task.tick(clock.now) // launch
	if verdict == resUnset {
		clock.now = task.expire
	}
	task.tick(clock.now) // consume
}

func TestCheckSuccessesClampAtFullHealth(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	require.Equal(t, 2, srv.live.health(srv.rise))
	require.True(t, srv.hasFlag(SrvRunning))

	want := []int{3, 4, 4}
	for i, h := range want {
		fire(task, clock, prober, resSuccess)
		require.Equal(t, h, srv.live.health(srv.rise), "after success %d", i+1)
		require.True(t, srv.hasFlag(SrvRunning))
	}
	require.Equal(t, uint64(0), srv.downTrans)
}

func TestCheckFirstFailureWithoutCushionGoesDown(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	// Fresh servers carry no failure cushion.
	fire(task, clock, prober, resFailure)

	require.False(t, srv.hasFlag(SrvRunning))
	require.Equal(t, 0, srv.live.health(srv.rise))
	require.Equal(t, uint64(1), srv.downTrans)

	// Further failures keep it pinned at zero without new transitions.
	fire(task, clock, prober, resFailure)
	fire(task, clock, prober, resFailure)
	require.Equal(t, 0, srv.live.health(srv.rise))
	require.Equal(t, uint64(1), srv.downTrans)
}

func TestCheckFailureResetsDownStreak(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	fire(task, clock, prober, resFailure) // down
	fire(task, clock, prober, resSuccess) // streak 1
	require.Equal(t, 1, srv.live.health(srv.rise))

	fire(task, clock, prober, resFailure) // streak wiped
	require.Equal(t, 0, srv.live.health(srv.rise))
	require.False(t, srv.hasFlag(SrvRunning))

	// A full rise run is needed again.
	fire(task, clock, prober, resSuccess)
	require.False(t, srv.hasFlag(SrvRunning))
	fire(task, clock, prober, resSuccess)
	require.True(t, srv.hasFlag(SrvRunning))
}

func TestCheckHysteresis(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	// Build the full cushion, then require exactly fall consecutive
	// failures to go down.
	for i := 0; i < 3; i++ {
		fire(task, clock, prober, resSuccess)
	}
	require.Equal(t, 4, srv.live.health(srv.rise))

	fire(task, clock, prober, resFailure)
	fire(task, clock, prober, resFailure)
	require.True(t, srv.hasFlag(SrvRunning), "still up after fall-1 failures")

	fire(task, clock, prober, resFailure)
	require.False(t, srv.hasFlag(SrvRunning))

	// And exactly rise consecutive successes to come back.
	fire(task, clock, prober, resSuccess)
	require.False(t, srv.hasFlag(SrvRunning), "still down after rise-1 successes")
	fire(task, clock, prober, resSuccess)
	require.True(t, srv.hasFlag(SrvRunning))
	require.Equal(t, 4, srv.live.health(srv.rise), "up edge restores the full cushion")
	require.Equal(t, uint64(2), srv.failedChecks, "only cushion failures are counted")
}

func TestCheckTimeoutCountsAsFailure(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	fire(task, clock, prober, resUnset)

	require.False(t, srv.hasFlag(SrvRunning))
	require.Equal(t, uint64(1), srv.downTrans)
	require.Equal(t, 1, prober.last.aborted, "timed-out probe released")
}

func TestCheckSpuriousTickIsNoOp(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())

	task.expire = clock.now.Add(time.Second)
	before := task.expire
	task.tick(clock.now)

	require.Equal(t, 0, prober.started)
	require.Equal(t, before, task.expire)
}

func TestCheckDisabledServerSkipsProbe(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	srv := task.srv

	srv.backend.mu.Lock()
	srv.clearFlag(SrvChecked)
	srv.backend.mu.Unlock()

	task.tick(clock.now)
	require.Equal(t, 0, prober.started)
	require.True(t, task.expire.After(clock.now))

	// A stopped backend behaves the same with checking still on.
	srv.backend.mu.Lock()
	srv.setFlag(SrvChecked)
	srv.backend.mu.Unlock()
	task.srv.backend.Stop()

	clock.now = task.expire
	task.tick(clock.now)
	require.Equal(t, 0, prober.started)
}

func TestCheckPhaseMonotonicity(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	inter := task.srv.inter
	initial := task.expire

	for i := 0; i < 5; i++ {
		fire(task, clock, prober, resSuccess)
		require.True(t, task.expire.After(clock.now))
		k := task.expire.Sub(initial) % inter
		require.Zero(t, k, "expire must advance by whole intervals")
	}

	// A long stall produces a single probe, not a burst, and the deadline
	// lands in the future.
	clock.now = task.expire.Add(7*inter + inter/2)
	prober.next = resSuccess
	started := prober.started
	task.tick(clock.now)
	task.tick(clock.now)
	require.Equal(t, started+1, prober.started)
	require.True(t, task.expire.After(clock.now))
}

func TestCheckSingleProbeInFlight(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())

	clock.now = task.expire
	prober.next = resUnset
	task.tick(clock.now)
	require.Equal(t, 1, prober.started)
	require.True(t, task.srv.probing)

	// Re-entering before the deadline must not start a second probe.
	clock.now = clock.now.Add(task.srv.inter / 2)
	task.tick(clock.now)
	require.Equal(t, 1, prober.started)
	require.True(t, task.srv.probing)
}

func TestDownEdgeRescuesRedispatchableSessions(t *testing.T) {
	cfg := testBackendConfig()
	cfg.Servers = append(cfg.Servers, &UpstreamConfig{
		Name:    "srv2",
		Address: "127.0.0.1:8081",
		Rise:    2,
		Fall:    3,
		Inter:   TOMLDuration(2 * time.Second),
	})
	task, clock, prober := newTestTask(t, cfg)
	be := task.be
	srv := task.srv

	// Two sessions insist on srv1; their backend allows redispatch, so
	// both must be rescued.
	sessA := newSession(be, nil)
	sessB := newSession(be, nil)

	be.mu.Lock()
	for _, sess := range []*Session{sessA, sessB} {
		sess.srv = srv
		sess.setFlag(SessDirect | SessAssigned | SessAddrSet)
		pendconnAdd(sess)
	}
	be.mu.Unlock()
	require.Equal(t, 2, srv.nbPend)

	fire(task, clock, prober, resFailure)
	require.False(t, srv.hasFlag(SrvRunning))

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Equal(t, 0, srv.nbPend)
	require.Zero(t, srv.pendconns.Len())

	for _, sess := range []*Session{sessA, sessB} {
		require.Nil(t, sess.srv)
		require.False(t, sess.hasFlag(SessDirect|SessAssigned|SessAddrSet))
		require.False(t, sess.txn.stickValid)
		select {
		case <-sess.wake:
		default:
			t.Fatal("rescued session was not woken")
		}
	}
}

func TestDownEdgeLeavesNonRedispatchableSessionsQueued(t *testing.T) {
	cfg := testBackendConfig()
	cfg.Redispatch = false
	task, clock, prober := newTestTask(t, cfg)
	be := task.be
	srv := task.srv

	sess := newSession(be, nil)
	be.mu.Lock()
	sess.srv = srv
	sess.setFlag(SessDirect | SessAssigned)
	pendconnAdd(sess)
	be.mu.Unlock()

	fire(task, clock, prober, resFailure)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Equal(t, 1, srv.pendconns.Len())
	require.Equal(t, srv, sess.srv)
	select {
	case <-sess.wake:
		t.Fatal("non-redispatchable session must not be woken")
	default:
	}
}

func TestUpEdgeDrainsBackendQueueUpToDynamicMaxconn(t *testing.T) {
	cfg := testBackendConfig()
	cfg.Servers[0].MaxConn = 2
	task, clock, prober := newTestTask(t, cfg)
	be := task.be
	srv := task.srv

	fire(task, clock, prober, resFailure)
	require.False(t, srv.hasFlag(SrvRunning))

	sessions := make([]*Session, 3)
	be.mu.Lock()
	for i := range sessions {
		sessions[i] = newSession(be, nil)
		pendconnAdd(sessions[i])
	}
	be.mu.Unlock()

	fire(task, clock, prober, resSuccess)
	fire(task, clock, prober, resSuccess)
	require.True(t, srv.hasFlag(SrvRunning))

	be.mu.Lock()
	defer be.mu.Unlock()

	var drained, parked int
	for _, sess := range sessions {
		if sess.srv == srv {
			require.True(t, sess.hasFlag(SessAssigned))
			select {
			case <-sess.wake:
			default:
				t.Fatal("drained session was not woken")
			}
			drained++
		} else {
			parked++
		}
	}
	require.Equal(t, 2, drained, "drain honors the dynamic ceiling")
	require.Equal(t, 1, parked)
	require.Equal(t, 1, be.pendconns.Len())
}

func TestUpEdgeWithoutMaxconnDrainsEverything(t *testing.T) {
	task, clock, prober := newTestTask(t, testBackendConfig())
	be := task.be
	srv := task.srv

	fire(task, clock, prober, resFailure)

	be.mu.Lock()
	for i := 0; i < 5; i++ {
		pendconnAdd(newSession(be, nil))
	}
	be.mu.Unlock()

	fire(task, clock, prober, resSuccess)
	fire(task, clock, prober, resSuccess)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Zero(t, be.pendconns.Len())
	require.True(t, srv.hasFlag(SrvRunning))
}

func TestRecountAfterEdgesMatchesRunningServers(t *testing.T) {
	cfg := testBackendConfig()
	cfg.Servers = append(cfg.Servers, &UpstreamConfig{
		Name:    "bak1",
		Address: "127.0.0.1:8081",
		Backup:  true,
		Rise:    2,
		Fall:    3,
		Inter:   TOMLDuration(2 * time.Second),
	})
	task, clock, prober := newTestTask(t, cfg)
	be := task.be

	be.mu.Lock()
	require.Equal(t, 1, be.srvAct)
	require.Equal(t, 1, be.srvBck)
	be.mu.Unlock()

	fire(task, clock, prober, resFailure)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Equal(t, 0, be.srvAct)
	require.Equal(t, 1, be.srvBck)
	for _, s := range be.srvMap {
		require.True(t, s.hasFlag(SrvBackup), "map falls back to the backup tier")
	}
}

func TestLastServerDownRaisesEmergency(t *testing.T) {
	logs := &logCapture{}
	cfg := testBackendConfig()

	be, err := NewBackend("web", cfg, zerolog.New(logs))
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	prober := &scriptProber{}
	task := newCheckTask(be.Servers[0], clock, prober, zerolog.New(logs))
	task.expire = clock.now

	fire(task, clock, prober, resFailure)

	require.Contains(t, logs.String(), "server DOWN")
	require.Contains(t, logs.String(), "no server available")
}

func TestStickTablePurgedOnDownEdge(t *testing.T) {
	cfg := testBackendConfig()
	cfg.Balance = SourceBalance
	task, clock, prober := newTestTask(t, cfg)
	be := task.be
	srv := task.srv

	be.mu.Lock()
	be.stick.learn("10.0.0.1", srv)
	be.stick.learn("10.0.0.2", srv)
	be.mu.Unlock()

	fire(task, clock, prober, resFailure)

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Zero(t, be.stick.len())
}

// logCapture collects zerolog output for assertions.
type logCapture struct {
	buf []byte
}

func (l *logCapture) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	return len(p), nil
}

func (l *logCapture) String() string { return string(l.buf) }

package balancerd

import (
	"container/list"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/xaionaro-go/weightedshuffle"
)

type backendState int32

const (
	BackendRunning backendState = iota
	BackendStopped
)

// Backend groups the interchangeable servers behind one frontend. It owns its
// servers, the load-balancing map, and the backend-level pending queue. All
// routing structures are guarded by mu; check-task edge effects and frontend
// dispatch serialize on it.
type Backend struct {
	Name string

	mu sync.Mutex

	Servers []*Server

	// srvMap is the weight-proportional routing map over the eligible tier.
	// srvMapPos is the round-robin cursor.
	srvMap    []*Server
	srvMapPos int

	srvAct int
	srvBck int

	state atomic.Int32

	balance    BalanceAlgo
	checkProto CheckProtocol
	// checkReq is the pre-rendered probe payload; nil for plain TCP checks.
	checkReq []byte

	redispatch  bool
	sourceAddr  string
	transparent bool

	fullconn int
	beConn   atomic.Int64

	// pendconns queues sessions waiting for any server of this backend.
	pendconns *list.List

	stick *stickTable

	log zerolog.Logger
}

func NewBackend(name string, cfg *BackendConfig, logger zerolog.Logger) (*Backend, error) {
	be := &Backend{
		Name:        name,
		balance:     cfg.Balance,
		checkProto:  cfg.Check,
		checkReq:    renderCheckRequest(cfg),
		redispatch:  cfg.Redispatch,
		sourceAddr:  cfg.Source,
		transparent: cfg.Transparent,
		fullconn:    cfg.Fullconn,
		pendconns:   list.New(),
		log:         logger.With().Str("backend", name).Logger(),
	}
	if be.balance == "" {
		be.balance = RoundRobinBalance
	}

	if be.balance == SourceBalance {
		size := cfg.StickTableSize
		if size == 0 {
			size = defaultStickTableSize
		}
		st, err := newStickTable(size)
		if err != nil {
			return nil, err
		}
		be.stick = st
	}

	for _, sc := range cfg.Servers {
		srv := &Server{
			Name:       sc.Name,
			backend:    be,
			addr:       sc.Address,
			checkAddr:  checkAddrFor(sc),
			sourceAddr: sc.Source,
			uweight:    sc.Weight,
			rise:       sc.Rise,
			fall:       sc.Fall,
			inter:      time.Duration(sc.Inter),
			maxconn:    sc.MaxConn,
			minconn:    sc.MinConn,
			pendconns:  list.New(),
		}
		if srv.uweight == 0 {
			srv.uweight = 1
		}
		if srv.rise == 0 {
			srv.rise = defaultRise
		}
		if srv.fall == 0 {
			srv.fall = defaultFall
		}
		if srv.inter == 0 {
			srv.inter = defaultInter
		}
		if sc.Backup {
			srv.setFlag(SrvBackup)
		}
		if srv.sourceAddr == "" {
			srv.sourceAddr = be.sourceAddr
		}
		if srv.sourceAddr != "" {
			srv.setFlag(SrvBindSrc)
		}
		if sc.Transparent || (be.transparent && srv.sourceAddr != "") {
			srv.setFlag(SrvTransparent)
		}
		if !sc.Disabled {
			// Servers start up with no failure cushion: successes build
			// it, a single failure downs them.
			srv.setFlag(SrvRunning)
			srv.live = liveness{up: true, count: 0}
			if cfg.Check != "" {
				srv.setFlag(SrvChecked)
			}
		}
		be.Servers = append(be.Servers, srv)
	}

	be.mu.Lock()
	be.recountServers()
	be.recalcServerMap()
	be.mu.Unlock()

	return be, nil
}

// checkAddrFor resolves the probe destination override. Empty means probe
// the server's own address.
func checkAddrFor(sc *UpstreamConfig) string {
	if sc.CheckAddress == "" && sc.CheckPort == 0 {
		return ""
	}
	host, port, _ := net.SplitHostPort(sc.Address)
	if sc.CheckAddress != "" {
		host = sc.CheckAddress
	}
	if sc.CheckPort != 0 {
		port = strconv.Itoa(sc.CheckPort)
	}
	return net.JoinHostPort(host, port)
}

func (be *Backend) Stopped() bool {
	return backendState(be.state.Load()) == BackendStopped
}

// Stop marks the backend administratively stopped. Check tasks keep ticking
// but skip probes; in-flight probes run to completion.
func (be *Backend) Stop() {
	be.state.Store(int32(BackendStopped))
}

// recountServers recomputes the active and backup UP counts. Callers hold
// the backend lock.
func (be *Backend) recountServers() {
	be.srvAct, be.srvBck = 0, 0
	for _, srv := range be.Servers {
		if !srv.hasFlag(SrvRunning) {
			continue
		}
		if srv.hasFlag(SrvBackup) {
			be.srvBck++
		} else {
			be.srvAct++
		}
	}
}

// recalcServerMap rebuilds the routing map from the eligible tier: the
// active servers when any are up, else the backups. Each server occupies
// weight slots; the servers are weight-shuffled and their slots dealt out in
// rounds so a heavy server's slots interleave with the others instead of
// clustering. Callers hold the backend lock.
func (be *Backend) recalcServerMap() {
	var tierBackup bool
	switch {
	case be.srvAct > 0:
	case be.srvBck > 0:
		tierBackup = true
	default:
		be.srvMap = nil
		be.srvMapPos = 0
		return
	}

	srvs := make([]*Server, 0, len(be.Servers))
	for _, srv := range be.Servers {
		if srv.hasFlag(SrvRunning) && srv.hasFlag(SrvBackup) == tierBackup {
			srvs = append(srvs, srv)
		}
	}

	weightedshuffle.ShuffleInplace(srvs, func(i int) float64 {
		return float64(srvs[i].uweight)
	}, nil)

	total := 0
	for _, srv := range srvs {
		total += srv.uweight
	}
	m := make([]*Server, 0, total)
	for round := 0; len(m) < total; round++ {
		for _, srv := range srvs {
			if srv.uweight > round {
				m = append(m, srv)
			}
		}
	}
	be.srvMap = m
	if be.srvMapPos >= len(m) {
		be.srvMapPos = 0
	}
}

// nextServer walks the routing map round-robin. Callers hold the backend
// lock. Servers at capacity are skipped; if every mapped server is full the
// first choice is returned with full=true so the caller can queue.
func (be *Backend) nextServer() (srv *Server, full bool) {
	if len(be.srvMap) == 0 {
		return nil, false
	}
	for i := 0; i < len(be.srvMap); i++ {
		s := be.srvMap[be.srvMapPos]
		be.srvMapPos = (be.srvMapPos + 1) % len(be.srvMap)
		if srv == nil {
			srv = s
		}
		if !s.atCapacity() {
			return s, false
		}
	}
	return srv, true
}

// pendconnFromPx pops the oldest backend-level pending connection, or nil.
// Callers hold the backend lock.
func (be *Backend) pendconnFromPx() *pendConn {
	front := be.pendconns.Front()
	if front == nil {
		return nil
	}
	pc := front.Value.(*pendConn)
	pc.unlink()
	return pc
}

// processServerQueue hands a freed slot on srv to the next waiting session:
// the server's own queue first, then the backend queue. Called when a relayed
// session ends.
func (be *Backend) processServerQueue(srv *Server) {
	be.mu.Lock()
	var pc *pendConn
	if srv.hasFlag(SrvRunning) && !srv.atCapacity() {
		if front := srv.pendconns.Front(); front != nil {
			pc = front.Value.(*pendConn)
			pc.unlink()
		} else {
			pc = be.pendconnFromPx()
		}
	}
	if pc != nil {
		pc.sess.srv = srv
		pc.sess.setFlag(SessAssigned)
	}
	RecordPendingQueueDepth(be.Name, be.queueDepth())
	be.mu.Unlock()

	if pc != nil {
		pc.sess.Wake()
	}
}

// queueDepth is the total number of sessions queued on the backend and on
// its servers. Callers hold the backend lock.
func (be *Backend) queueDepth() int {
	depth := be.pendconns.Len()
	for _, srv := range be.Servers {
		depth += srv.pendconns.Len()
	}
	return depth
}

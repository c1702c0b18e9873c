package balancerd

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// AdminApiHandler exposes the liveness state of every backend and lets an
// operator force checking on or off per server.
type AdminApiHandler struct {
	backends   map[string]*Backend
	adminToken string
	log        zerolog.Logger
}

type adminResponse struct {
	StatusCode int
	Details    string
}

type serverStatus struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	Up           bool   `json:"up"`
	Checked      bool   `json:"checked"`
	Backup       bool   `json:"backup"`
	Health       int    `json:"health"`
	Rise         int    `json:"rise"`
	Fall         int    `json:"fall"`
	CurSess      int64  `json:"cur_sess"`
	Pending      int    `json:"pending"`
	FailedChecks uint64 `json:"failed_checks"`
	DownTrans    uint64 `json:"down_transitions"`
}

type backendStatus struct {
	Name        string         `json:"name"`
	Active      int            `json:"active"`
	Backup      int            `json:"backup"`
	QueueDepth  int            `json:"queue_depth"`
	Servers     []serverStatus `json:"servers"`
}

func NewAdminApiHandler(backends []*Backend, adminToken string, logger zerolog.Logger) *AdminApiHandler {
	byName := make(map[string]*Backend, len(backends))
	for _, be := range backends {
		byName[be.Name] = be
	}
	return &AdminApiHandler{
		backends:   byName,
		adminToken: adminToken,
		log:        logger,
	}
}

func (h *AdminApiHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/backends", h.handleListBackends).Methods(http.MethodGet)
	r.HandleFunc("/backends/{backend}/servers", h.handleListServers).Methods(http.MethodGet)
	r.HandleFunc("/backends/{backend}/servers/{server}/{action}", h.handleServerAction).Methods(http.MethodPut)
	r.Use(h.authMiddleware)
	return r
}

func (h *AdminApiHandler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			h.log.Warn().Msg("admin api called with no token configured")
			writeAdminResponse(w, adminResponse{
				StatusCode: http.StatusUnauthorized,
				Details:    "missing admin token in the admin configuration",
			})
			return
		}
		if !strings.Contains(r.Header.Get("Authorization"), h.adminToken) {
			writeAdminResponse(w, adminResponse{
				StatusCode: http.StatusUnauthorized,
				Details:    "invalid token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAdminResponse(w http.ResponseWriter, response adminResponse) {
	responseString, err := json.MarshalIndent(response, "", "    ")
	if err != nil {
		response.StatusCode = http.StatusInternalServerError
		responseString = []byte("internal server error")
	}

	w.WriteHeader(response.StatusCode)
	w.Write(responseString)
}

func writeAdminJSON(w http.ResponseWriter, v interface{}) {
	body, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		writeAdminResponse(w, adminResponse{
			StatusCode: http.StatusInternalServerError,
			Details:    "internal server error",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (h *AdminApiHandler) snapshot(be *Backend) backendStatus {
	be.mu.Lock()
	defer be.mu.Unlock()

	st := backendStatus{
		Name:       be.Name,
		Active:     be.srvAct,
		Backup:     be.srvBck,
		QueueDepth: be.queueDepth(),
	}
	for _, srv := range be.Servers {
		st.Servers = append(st.Servers, serverStatus{
			Name:         srv.Name,
			Address:      srv.addr,
			Up:           srv.hasFlag(SrvRunning),
			Checked:      srv.hasFlag(SrvChecked),
			Backup:       srv.hasFlag(SrvBackup),
			Health:       srv.live.health(srv.rise),
			Rise:         srv.rise,
			Fall:         srv.fall,
			CurSess:      srv.curSess.Load(),
			Pending:      srv.nbPend,
			FailedChecks: srv.failedChecks,
			DownTrans:    srv.downTrans,
		})
	}
	return st
}

func (h *AdminApiHandler) handleListBackends(w http.ResponseWriter, r *http.Request) {
	out := make([]backendStatus, 0, len(h.backends))
	for _, be := range h.backends {
		out = append(out, h.snapshot(be))
	}
	writeAdminJSON(w, out)
}

func (h *AdminApiHandler) handleListServers(w http.ResponseWriter, r *http.Request) {
	be, ok := h.backends[mux.Vars(r)["backend"]]
	if !ok {
		writeAdminResponse(w, adminResponse{
			StatusCode: http.StatusNotFound,
			Details:    "no such backend",
		})
		return
	}
	writeAdminJSON(w, h.snapshot(be).Servers)
}

func (h *AdminApiHandler) handleServerAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	be, ok := h.backends[vars["backend"]]
	if !ok {
		writeAdminResponse(w, adminResponse{
			StatusCode: http.StatusNotFound,
			Details:    "no such backend",
		})
		return
	}

	var srv *Server
	for _, s := range be.Servers {
		if s.Name == vars["server"] {
			srv = s
			break
		}
	}
	if srv == nil {
		writeAdminResponse(w, adminResponse{
			StatusCode: http.StatusNotFound,
			Details:    "no such server",
		})
		return
	}

	switch vars["action"] {
	case "enable":
		be.mu.Lock()
		srv.setFlag(SrvChecked)
		be.mu.Unlock()
		h.log.Info().Str("backend", be.Name).Str("server", srv.Name).Msg("checks enabled by admin")
	case "disable":
		be.mu.Lock()
		srv.clearFlag(SrvChecked)
		be.mu.Unlock()
		h.log.Info().Str("backend", be.Name).Str("server", srv.Name).Msg("checks disabled by admin")
	default:
		writeAdminResponse(w, adminResponse{
			StatusCode: http.StatusBadRequest,
			Details:    "unknown action",
		})
		return
	}

	writeAdminResponse(w, adminResponse{
		StatusCode: http.StatusOK,
		Details:    "ok",
	})
}

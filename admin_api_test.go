package balancerd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newAdminTestServer(t *testing.T) (*httptest.Server, *Backend) {
	t.Helper()

	be, err := NewBackend("web", multiServerConfig(), zerolog.Nop())
	require.NoError(t, err)

	handler := NewAdminApiHandler([]*Backend{be}, "sekret", zerolog.Nop())
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)
	return srv, be
}

func adminDo(t *testing.T, method, url, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestAdminApiRequiresToken(t *testing.T) {
	srv, _ := newAdminTestServer(t)

	res := adminDo(t, http.MethodGet, srv.URL+"/backends", "")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = adminDo(t, http.MethodGet, srv.URL+"/backends", "wrong")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAdminApiListsBackends(t *testing.T) {
	srv, _ := newAdminTestServer(t)

	res := adminDo(t, http.MethodGet, srv.URL+"/backends", "sekret")
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out []backendStatus
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "web", out[0].Name)
	require.Equal(t, 2, out[0].Active)
	require.Equal(t, 1, out[0].Backup)
	require.Len(t, out[0].Servers, 3)

	for _, s := range out[0].Servers {
		require.True(t, s.Up)
		require.Equal(t, defaultRise, s.Health)
	}
}

func TestAdminApiServerActions(t *testing.T) {
	srv, be := newAdminTestServer(t)

	res := adminDo(t, http.MethodPut, srv.URL+"/backends/web/servers/a/disable", "sekret")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.False(t, be.Servers[0].hasFlag(SrvChecked))

	res = adminDo(t, http.MethodPut, srv.URL+"/backends/web/servers/a/enable", "sekret")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.True(t, be.Servers[0].hasFlag(SrvChecked))

	res = adminDo(t, http.MethodPut, srv.URL+"/backends/web/servers/a/explode", "sekret")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = adminDo(t, http.MethodPut, srv.URL+"/backends/web/servers/nope/disable", "sekret")
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res = adminDo(t, http.MethodPut, srv.URL+"/backends/nope/servers/a/disable", "sekret")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

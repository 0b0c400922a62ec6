package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restline/internal/async"
	"restline/internal/config"
	"restline/internal/data"
	"restline/internal/db"
	"restline/internal/dispatch"
	"restline/internal/greetings"
	"restline/internal/migrate"
	"restline/internal/partition"
	"restline/internal/protocol"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	secret      string
	permissions map[string]string
	noCluster   bool
	check       func(ctx context.Context, h partition.Host) error
}

func newTestServer(t *testing.T, opts serverOptions) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := dispatch.NewRegistry(greetings.Resource(greetings.NewStore(conn), nil))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := async.NewEngine(4, nil)
	d := dispatch.New(reg, dispatch.Options{
		Engine:  engine,
		Methods: cfg.Methods,
		Filters: []dispatch.Filter{PermissionFilter(opts.permissions)},
	})
	var table *partition.Table
	var monitor *partition.HealthMonitor
	if !opts.noCluster {
		snap, err := cfg.Cluster.Snapshot()
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		table = partition.NewTable(snap)
		monitor = partition.NewHealthMonitor(table, partition.HealthMonitorConfig{MaxFailures: 1, Check: opts.check})
	}
	handler, err := New(Config{
		Dispatcher: d,
		BasePath:   cfg.Server.BasePath,
		Auth:       AuthConfig{JWTSecret: opts.secret},
		Table:      table,
		Health:     monitor,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			engine.Shutdown(context.Background())
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doRaw(t *testing.T, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(protocol.HeaderProtocolVersion, "2.0.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var b []byte
	if body != nil {
		var err error
		if b, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	h := map[string]string{"Content-Type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	return doRaw(t, client, method, url, b, h)
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), string(b))
	return m
}

func TestGreetingRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/greetings", map[string]any{
		"message": "hello",
		"tone":    "FRIENDLY",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	assert.Equal(t, "1", res.Header.Get(protocol.HeaderID))
	assert.Equal(t, "2.0.0", res.Header.Get(protocol.HeaderProtocolVersion))
	assert.NotEmpty(t, res.Header.Get(protocol.HeaderRequestID))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/greetings/1?fields=message", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{"id": float64(1), "message": "hello"}, decode(t, body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/greetings?q=search&tone=FRIENDLY", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	elems := decode(t, body)["elements"].([]any)
	assert.Len(t, elems, 1)

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/greetings/1", nil, nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(body))
	assert.Empty(t, body)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/greetings/1", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))
}

func TestCBORNegotiation(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()

	payload, err := data.CBOR.Marshal(map[string]any{"message": "hola", "tone": "SINCERE"})
	require.NoError(t, err)
	res, body := doRaw(t, client, http.MethodPost, srv.URL+"/greetings", payload, map[string]string{
		"Content-Type": data.ContentTypeCBOR,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doRaw(t, client, http.MethodGet, srv.URL+"/greetings/1", nil, map[string]string{
		"Accept": data.ContentTypeCBOR,
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, data.ContentTypeCBOR, res.Header.Get("Content-Type"))
	decoded, err := data.CBOR.Unmarshal(body)
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok, "decoded %T", decoded)
	assert.Equal(t, "hola", m["message"])
	assert.Equal(t, "SINCERE", m["tone"])
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/greetings", map[string]any{
		"message": "you fool",
		"tone":    "INSULTING",
	}, map[string]string{protocol.HeaderRequestID: "req-42"})
	require.Equal(t, http.StatusNotAcceptable, res.StatusCode, string(body))
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))
	assert.Equal(t, "req-42", res.Header.Get(protocol.HeaderRequestID))
	m := decode(t, body)
	assert.Equal(t, float64(406), m["status"])
	assert.Equal(t, float64(999), m["serviceErrorCode"])
	assert.Equal(t, "I will not tolerate your insolence!", m["message"])
	assert.Equal(t, "req-42", m["requestId"])
	assert.NotContains(t, m, "stackTrace")

	res, body = doRaw(t, client, http.MethodPost, srv.URL+"/greetings", []byte("{"), map[string]string{
		"Content-Type": "application/json",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))
	assert.Equal(t, "bad_request", decode(t, body)["code"])

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/greetings/1", nil, map[string]string{
		protocol.HeaderProtocolVersion: "3.0.0",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "FRAMEWORK", decode(t, body)["errorSource"])
}

func TestJWTAuthAndPermissions(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, serverOptions{
		secret:      secret,
		permissions: map[string]string{"greetings.action-purge": "greetings.admin"},
	})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/greetings", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))
	assert.Equal(t, "authentication required", decode(t, body)["message"])

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/greetings", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/admin/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	reader, err := SignToken(secret, "reader", nil, []string{"greetings.read"}, 0)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + reader}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/greetings", nil, auth)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/greetings?action=purge", nil, auth)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	m := decode(t, body)
	assert.Equal(t, map[string]any{"permission": "greetings.admin"}, m["errorDetails"])

	admin, err := SignToken(secret, "root", []string{"admin"}, []string{"*"}, 0)
	require.NoError(t, err)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/greetings?action=purge", nil, map[string]string{"Authorization": "Bearer " + admin})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, map[string]any{"value": float64(0)}, decode(t, body))

	wrong, err := SignToken("other", "mallory", nil, []string{"*"}, 0)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/greetings", nil, map[string]string{"Authorization": "Bearer " + wrong})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestAuthenticatedActorIsAudited(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, serverOptions{secret: secret})
	defer cleanup()
	token, err := SignToken(secret, "carol", nil, nil, 0)
	require.NoError(t, err)

	p, err := authenticateJWT(token, secret)
	require.NoError(t, err)
	assert.Equal(t, Principal{ActorID: "carol", Source: "jwt"}, p)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/greetings", map[string]any{
		"message": "hi",
		"tone":    "FRIENDLY",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
}

func TestAdminEndpoints(t *testing.T) {
	down := errors.New("connection refused")
	srv, cleanup := newTestServer(t, serverOptions{
		check: func(ctx context.Context, h partition.Host) error { return down },
	})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/admin/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", decode(t, body)["status"])

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/admin/resources", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var catalog struct {
		Resources []dispatch.ResourceInfo `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(body, &catalog))
	require.Len(t, catalog.Resources, 1)
	assert.Equal(t, "greetings", catalog.Resources[0].Name)
	assert.Equal(t, "greetingId", catalog.Resources[0].Key)
	var ops []string
	for _, m := range catalog.Resources[0].Methods {
		ops = append(ops, m.Operation)
	}
	assert.Contains(t, ops, "finder-search")
	assert.Contains(t, ops, "batch_finder-searchGreetings")
	assert.Contains(t, ops, "action-purge")

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/admin/ring?key=42", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	ring := decode(t, body)
	assert.Equal(t, "greetings", ring["service"])
	target := ring["target"].(map[string]any)
	assert.Equal(t, float64(0), target["partition"])
	assert.Equal(t, "local", target["host"].(map[string]any)["id"])

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/admin/ring/check", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	hosts := decode(t, body)["hosts"].([]any)
	require.Len(t, hosts, 1)
	assert.Equal(t, false, hosts[0].(map[string]any)["healthy"])

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/admin/ring?key=42", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(body))
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))
	assert.Equal(t, float64(503), decode(t, body)["status"])
}

var _ huma.Context = (*errorHeaderContext)(nil)

func TestAdminRingWithoutCluster(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{noCluster: true})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/admin/ring", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	assert.Equal(t, "no cluster is configured", decode(t, body)["message"])
	assert.Equal(t, "true", res.Header.Get(protocol.HeaderErrorResponse))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/admin/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get(protocol.HeaderErrorResponse))
}

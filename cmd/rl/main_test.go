package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restline/internal/app"
	"restline/internal/protocol"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	out, err := run(t, "config", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "cluster:")

	dir := t.TempDir()
	out, err = run(t, "-w", dir, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "config OK")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  base_path: nope\n"), 0o644))
	out, err = run(t, "--config", bad, "--json", "config", "validate")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, false, res["ok"])
	assert.Contains(t, res["error"], "base_path")
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--secret", "s3cret", "--actor", "alice", "--perm", "greetings.admin")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, []any{"greetings.admin"}, claims["permissions"])

	_, err = run(t, "-w", t.TempDir(), "token", "--actor", "alice")
	assert.ErrorContains(t, err, "no jwt secret")
}

func TestRingShow(t *testing.T) {
	out, err := run(t, "-w", t.TempDir(), "--json", "ring", "show", "--key", "42")
	require.NoError(t, err)
	var res struct {
		Service string `json:"service"`
		Target  struct {
			Partition int `json:"partition"`
			Host      struct {
				ID string `json:"id"`
			} `json:"host"`
		} `json:"target"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "greetings", res.Service)
	assert.Equal(t, 0, res.Target.Partition)
	assert.Equal(t, "local", res.Target.Host.ID)

	out, err = run(t, "-w", t.TempDir(), "ring", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "local")
}

func TestBuildRequest(t *testing.T) {
	f := callFlags{name: "search", params: []string{"tone=FRIENDLY"}, fields: "message", ids: []string{"1", "abc"}}
	req, err := buildRequest(protocol.MethodFinder, []string{"/greetings/"}, f, protocol.Version{})
	require.NoError(t, err)
	assert.Equal(t, "greetings", req.Resource)
	assert.Equal(t, "FRIENDLY", req.Params["tone"])
	assert.Equal(t, []string{"message"}, req.Fields.Fields())
	require.Len(t, req.IDs, 2)
	assert.Equal(t, int64(1), req.IDs[0].Value())
	assert.Equal(t, "abc", req.IDs[1].Value())

	_, err = buildRequest(protocol.MethodAction, []string{"greetings"}, callFlags{}, protocol.V2)
	assert.ErrorContains(t, err, "requires --name")

	_, err = buildRequest(protocol.MethodFinder, []string{"greetings"}, callFlags{name: "search", params: []string{"tone"}}, protocol.V2)
	assert.ErrorContains(t, err, "invalid --param")
}

func TestCallCommand(t *testing.T) {
	rt, err := app.New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer rt.Close()
	h, err := rt.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	out, err := run(t, "call", "create", "greetings", "--url", srv.URL, "--body", `{"message":"hi","tone":"FRIENDLY"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "201")

	out, err = run(t, "call", "get", "greetings", "1", "--url", srv.URL, "--fields", "message")
	require.NoError(t, err)
	var res struct {
		Status int            `json:"status"`
		Body   map[string]any `json:"body"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "hi", res.Body["message"])
	assert.NotContains(t, res.Body, "tone")

	out, err = run(t, "call", "get", "greetings", "99", "--url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, out, "404")
}

func TestCallBatchedGets(t *testing.T) {
	rt, err := app.New(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer rt.Close()
	h, err := rt.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	for _, msg := range []string{"hi", "hello"} {
		_, err := run(t, "call", "create", "greetings", "--url", srv.URL, "--body", `{"message":"`+msg+`","tone":"FRIENDLY"}`)
		require.NoError(t, err)
	}

	out, err := run(t, "-w", t.TempDir(), "call", "get", "greetings", "--ids", "1,2,99", "--batch", "--fields", "message", "--url", srv.URL)
	require.NoError(t, err)
	var res struct {
		Calls   int                       `json:"calls"`
		Results map[string]map[string]any `json:"results"`
		Errors  map[string]string         `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, "hi", res.Results["1"]["message"])
	assert.Equal(t, "hello", res.Results["2"]["message"])
	assert.NotContains(t, res.Results["1"], "tone")
	assert.Contains(t, res.Errors, "99")

	cfg := filepath.Join(t.TempDir(), "restline.yml")
	require.NoError(t, os.WriteFile(cfg, []byte("methods:\n  batching_enabled:\n    greetings.get: false\n"), 0o644))
	out, err = run(t, "--config", cfg, "call", "get", "greetings", "--ids", "1,2", "--batch", "--url", srv.URL)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Calls)
	assert.Len(t, res.Results, 2)

	_, err = run(t, "-w", t.TempDir(), "call", "delete", "greetings", "1", "--batch", "--url", srv.URL)
	assert.ErrorContains(t, err, "only applies to get")
}

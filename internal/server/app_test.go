package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/config"
)

const owensYAML = `
v2:
  metadata:
    title: "Owens"
  login:
    host: "owens.example.edu"
  job:
    adapter: "memory"
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	home := filepath.Join(base, "home")
	clusters := filepath.Join(base, "clusters.d")
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.MkdirAll(clusters, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(clusters, "owens.yml"), []byte(owensYAML), 0o600))

	return config.Config{
		Server: config.ServerConfig{Port: 8080, ReadHeaderTimeoutSeconds: 5, ShutdownTimeoutSeconds: 5},
		Auth: config.AuthConfig{
			Strategies:        []string{"delegated", "bearer"},
			TrustedUserHeader: "X-Remote-User",
			Principal:         "alice",
		},
		Tokens:   config.TokensConfig{Backend: config.TokenBackendFile, Path: filepath.Join(base, "tokens.json")},
		Clusters: config.ClustersConfig{Dir: clusters},
		Files:    config.FilesConfig{Home: home, MaxReadBytes: 1 << 20, MaxWriteBytes: 1 << 20},
	}
}

func TestOpenTokens_FileBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	store, closeFn, err := OpenTokens(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	tok, secret, err := store.Create(context.Background(), "laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)

	found, ok, err := store.FindBySecret(context.Background(), secret)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tok.ID, found.ID)
	assert.FileExists(t, cfg.Tokens.Path)
}

func TestOpenTokens_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Tokens.Backend = "redis"
	_, _, err := OpenTokens(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestOpenTokens_PostgresBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Tokens.Backend = config.TokenBackendPostgres
	cfg.Tokens.Postgres.DSN = "not a dsn ::"
	_, _, err := OpenTokens(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestNewApp_ServesWiredRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/clusters", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-Remote-User", "bob")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "owens", body.Data[0].ID)
	assert.Equal(t, "Owens", body.Data[0].Title)
}

func TestNewApp_SubmitsThroughMemoryAdapter(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Jobs = config.JobsConfig{BackendRPS: 50, BackendBurst: 5}
	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	_, secret, err := app.tokens.Create(context.Background(), "ci")
	require.NoError(t, err)

	body := `{"cluster":"owens","script":{"content":"#!/bin/bash\necho hi\n"},"options":{"job_name":"hello"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Data struct {
			JobID  string `json:"job_id"`
			Owner  string `json:"job_owner"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEmpty(t, out.Data.JobID)
	assert.Equal(t, "alice", out.Data.Owner)
	assert.Equal(t, "queued", out.Data.Status)
}

func TestNewApp_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unknown strategy", mutate: func(c *config.Config) { c.Auth.Strategies = []string{"kerberos"} }},
		{name: "relative home", mutate: func(c *config.Config) { c.Files.Home = "relative" }},
		{name: "missing token path", mutate: func(c *config.Config) { c.Tokens.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := NewApp(context.Background(), cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestApp_ReloadClusters(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()
	require.Len(t, app.clusters.List(), 1)

	pitzer := strings.ReplaceAll(owensYAML, "Owens", "Pitzer")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Clusters.Dir, "pitzer.yml"), []byte(pitzer), 0o600))
	app.ReloadClusters()

	list := app.clusters.List()
	require.Len(t, list, 2)
	assert.Equal(t, "pitzer", list[1].ID)
}

func TestApp_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewApp_TracingContinuesIncomingTrace(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Tracing = config.TracingConfig{Enabled: true, ServiceName: "hpc-gateway-test"}
	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.tracer)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters", nil)
	req.Header.Set("X-Remote-User", "bob")
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

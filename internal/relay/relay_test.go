// ABOUTME: Tests for relay wiring, its HTTP surface and the run/shutdown lifecycle.
// ABOUTME: Uses the in-memory bus, the echo provider and a SQLite file in a temp dir.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/bus/memory"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/failure"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Driver = config.BusMemory
	cfg.Bus.FetchWaitRaw = "50ms"
	cfg.Database.Path = filepath.Join(t.TempDir(), "relay.db")
	cfg.Providers.Default = config.ProviderEcho
	cfg.Providers.Echo.Enabled = true
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Sources = []string{"sms"}
	require.NoError(t, cfg.Finalize())
	return cfg
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := New(context.Background(), testConfig(t), testLogger())
	require.NoError(t, err)
	return r
}

// logBuffer is a bytes.Buffer safe for the relay's concurrent loggers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shutdown(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func memoryBus(t *testing.T, r *Relay) *memory.Bus {
	t.Helper()
	mc, ok := r.bus.(memoryConn)
	require.True(t, ok, "expected the memory bus driver")
	return mc.Bus
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := get(r.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "coven-relay", body["service"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestReady_ConsumerNotRunning(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := get(r.Handler(), "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "not running", body.Checks["consumer"])
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "ok", body.Checks["bus"])
	assert.Equal(t, "closed", body.Providers[config.ProviderEcho])
}

func TestProcess_Success(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	env := `{"source":"api","user_id":"u1","message":"Hello"}`
	rec := post(r.Handler(), "/process", env)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out envelope.Outbound
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "u1", out.UserID)
	assert.Equal(t, "Hello", out.OriginalMessage)
	assert.Equal(t, "echo: Hello", out.AIResponse.Response)
	assert.NotEmpty(t, out.Metadata.StoredIDs.MessageID)
	assert.NotEmpty(t, out.Metadata.StoredIDs.ResponseID)

	published := memoryBus(t, r).Published(r.config.Bus.OutboundSubject)
	require.Len(t, published, 1)
	assert.JSONEq(t, rec.Body.String(), string(published[0]))

	conv, err := r.store.Conversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.MessageCount)

	// Same envelope again: stored result is republished unchanged.
	again := post(r.Handler(), "/process", env)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "true", again.Header().Get("X-Relay-Duplicate"))
	assert.Equal(t, published[0], again.Body.Bytes())

	conv, err = r.store.Conversation(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.MessageCount)
}

func TestProcess_ConfiguredSource(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := post(r.Handler(), "/process", `{"source":"sms","user_id":"u2","message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProcess_ValidationError(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := post(r.Handler(), "/process", `{"source":"api","user_id":"u1","message":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, failure.CodeValidation, body["code"])
	assert.Contains(t, body["error"], "message")
	assert.Empty(t, memoryBus(t, r).Published(r.config.Bus.OutboundSubject))
}

func TestProcess_UnknownProviderHint(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := post(r.Handler(), "/process", `{"source":"api","user_id":"u1","message":"hi","metadata":{"provider":"openai"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), failure.CodeValidation)
}

func TestProcess_PublishFailureIsRetryable(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	memoryBus(t, r).FailNext(r.config.Bus.OutboundSubject, assert.AnError)
	rec := post(r.Handler(), "/process", `{"source":"api","user_id":"u1","message":"Hello"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), failure.CodeTransient)
}

func TestEnqueue_RejectsInvalidJSON(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := post(r.Handler(), "/enqueue", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	r := newTestRelay(t)
	defer shutdown(t, r)

	rec := get(r.Handler(), "/process")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRun_ConsumesEnqueuedEnvelopes(t *testing.T) {
	r := newTestRelay(t)
	b := memoryBus(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, r.consumer.Running, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, get(r.Handler(), "/health/ready").Code)

	rec := post(r.Handler(), "/enqueue", `{"source":"api","user_id":"u1","message":"Hello"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = post(r.Handler(), "/enqueue", `{"source":"api","user_id":"u1","message":""}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return len(b.Published(r.config.Bus.OutboundSubject)) == 1 &&
			len(b.Published(r.config.Bus.DeadLetterSubject)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var dl map[string]any
	require.NoError(t, json.Unmarshal(b.Published(r.config.Bus.DeadLetterSubject)[0], &dl))
	assert.Equal(t, failure.CodeValidation, dl["code"])

	stats := r.consumer.Stats()
	assert.Equal(t, int64(2), stats.Acked)
	assert.Equal(t, int64(1), stats.DeadLettered)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("relay did not shut down")
	}
	assert.False(t, r.consumer.Running())
	assert.False(t, b.Healthy())
}

func TestMemoryBusLogsOutboundAndDeadLetters(t *testing.T) {
	logs := &logBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r, err := New(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	defer shutdown(t, r)

	rec := post(r.Handler(), "/process", `{"source":"api","user_id":"u7","message":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"outbound envelope"`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), `"user_id":"u7"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.consumer.Run(ctx) }()
	rec = post(r.Handler(), "/enqueue", `{"source":"api","user_id":"u8","message":""}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), `"msg":"dead-lettered envelope"`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), `"code":"`+failure.CodeValidation+`"`)
	assert.Contains(t, logs.String(), `"user_id":"u8"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNew_UnknownBusDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Driver = "kafka"

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bus driver")
}

func TestNew_DefaultProviderMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.Default = config.ProviderOpenAI

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	t.Setenv("HOME", "/home/relay")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/relay", ".local", "share", "coven-relay", "tailscale"), dir)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"

	"github.com/Klingon-tech/localchain/config"
	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/history"
	"github.com/Klingon-tech/localchain/internal/registry"
	"github.com/Klingon-tech/localchain/internal/storage"
	"github.com/Klingon-tech/localchain/internal/supervisor"
	"github.com/Klingon-tech/localchain/internal/testutil/fakenode"
	"github.com/Klingon-tech/localchain/pkg/types"
)

func TestMain(m *testing.M) {
	if fakenode.IsChild() {
		os.Exit(fakenode.Main(os.Args[1:]))
	}
	os.Exit(m.Run())
}

type testEnv struct {
	reg    *registry.Registry
	server *Server
	http   *httptest.Server
}

func setupTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	reg := registry.New(registry.Options{
		Supervisor: supervisor.Options{
			Binary:          os.Args[0],
			Env:             fakenode.Env(fakenode.ModeNormal),
			ConnectAttempts: 50,
			ConnectInterval: 100 * time.Millisecond,
			GracePeriod:     500 * time.Millisecond,
		},
		LogBuffer:   256,
		BlockBuffer: 64,
		History:     history.New(storage.NewMemory(), 16),
	})
	s := New("127.0.0.1:0", reg, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.hub.closeAll()
		_ = reg.Shutdown(context.Background())
		ts.Close()
	})
	return &testEnv{reg: reg, server: s, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) create(t *testing.T, id uint64) types.ChainConfig {
	t.Helper()
	cfg := types.ChainConfig{Name: "dev", ID: id, Port: fakenode.FreePort(t), BlockTime: 1}
	resp, body := e.do(t, http.MethodPost, "/api/chains", cfg)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return cfg
}

func decodeError(t *testing.T, body []byte) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

// sseReader yields SSE frames as (event, data) pairs. It returns io.EOF
// once the stream ends.
type sseReader struct {
	pull func() (sse.Event, error, bool)
}

func (s *sseReader) next() (event, data string, err error) {
	ev, err, ok := s.pull()
	if !ok {
		return "", "", io.EOF
	}
	return ev.Type, ev.Data, err
}

func (e *testEnv) stream(t *testing.T, ctx context.Context, path string) (*http.Response, *sseReader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.http.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	pull, stop := iter.Pull2(sse.Read(resp.Body, nil))
	t.Cleanup(func() {
		resp.Body.Close()
		stop()
	})
	return resp, &sseReader{pull: pull}
}

func TestServer_Health(t *testing.T) {
	env := setupTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))
}

func TestServer_CreateListInspect(t *testing.T) {
	env := setupTestEnv(t, Options{})
	cfg := env.create(t, 7)

	resp, body := env.do(t, http.MethodPost, "/api/chains", types.ChainConfig{ID: 7, Port: 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decodeError(t, body), "already exists")

	resp, body = env.do(t, http.MethodPost, "/api/chains", types.ChainConfig{ID: 8})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, decodeError(t, body), "port is required")

	resp, _ = env.do(t, http.MethodPost, "/api/chains", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/chains", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []types.ChainConfig
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.Equal(t, cfg.Port, list[0].Port)
	require.Equal(t, types.StatusStopped, list[0].Status)

	resp, body = env.do(t, http.MethodGet, "/api/chains/7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info types.ChainInfo
	require.NoError(t, json.Unmarshal(body, &info))
	require.Equal(t, uint64(7), info.ID)
	require.False(t, info.Alive)
	require.Contains(t, info.RPCURL, "http://127.0.0.1:")

	resp, _ = env.do(t, http.MethodGet, "/api/chains/42", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/chains/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Lifecycle(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.create(t, 1)

	resp, body := env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cfg types.ChainConfig
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.Equal(t, types.StatusRunning, cfg.Status)

	resp, _ = env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/chains/1/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = env.do(t, http.MethodPost, "/api/chains/1/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cfg))
	require.Equal(t, types.StatusStopped, cfg.Status)

	resp, _ = env.do(t, http.MethodPost, "/api/chains/1/delete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.create(t, 2)
	resp, _ = env.do(t, http.MethodDelete, "/api/chains/2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/chains/2", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StreamUnknownChain(t *testing.T) {
	env := setupTestEnv(t, Options{})
	for _, path := range []string{"/api/chains/42/logstream", "/api/chains/42/blockstream"} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, events := env.stream(t, ctx, path)

		event, data, err := events.next()
		require.NoError(t, err)
		require.Equal(t, "error", event)
		require.Equal(t, "not found", data)

		// The stream ends instead of hanging.
		_, _, err = events.next()
		require.ErrorIs(t, err, io.EOF)
		cancel()
	}
}

func TestServer_LogStream(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.create(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, events := env.stream(t, ctx, "/api/chains/1/logstream")

	resp, _ := env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/chains/1/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sawStdout bool
	for {
		event, data, err := events.next()
		require.NoError(t, err)
		if event != "" {
			continue
		}
		if strings.HasPrefix(data, "[stdout] Listening on") {
			sawStdout = true
		}
		if data == "[manager] stopped" {
			break
		}
	}
	require.True(t, sawStdout)
}

func TestServer_BlockStreamAndQueries(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.create(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, events := env.stream(t, ctx, "/api/chains/1/blockstream")

	resp, _ := env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var head types.Block
	for {
		event, data, err := events.next()
		require.NoError(t, err)
		if event == "" {
			require.NoError(t, json.Unmarshal([]byte(data), &head))
			break
		}
	}
	require.Equal(t, 1, head.TransactionCount)

	resp, body := env.do(t, http.MethodGet, "/api/chains/1/blocks/"+jsonNumber(head.Number), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var full types.BlockWithTransactions
	require.NoError(t, json.Unmarshal(body, &full))
	require.Equal(t, head.Hash, full.Block.Hash)
	require.Len(t, full.Transactions, 1)

	resp, _ = env.do(t, http.MethodGet, "/api/chains/1/blocks/999999", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, http.MethodGet, "/api/chains/1/blocks/nope", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, body := env.do(t, http.MethodGet, "/api/chains/1/blocks?limit=1", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var recent []types.Block
		return json.Unmarshal(body, &recent) == nil && len(recent) == 1
	}, 5*time.Second, 50*time.Millisecond)

	resp, _ = env.do(t, http.MethodGet, "/api/chains/1/blocks?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func jsonNumber(n uint64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestServer_WebSocket(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.create(t, 1)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/chains/1/ws?stream=blocks"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.server.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := env.do(t, http.MethodPost, "/api/chains/1/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	for msg.Type != MessageBlock {
		require.NoError(t, conn.ReadJSON(&msg))
	}
	var b types.Block
	require.NoError(t, json.Unmarshal(msg.Data, &b))
	require.NotEmpty(t, b.Hash)

	// Deleting the chain ends the stream with a close frame.
	resp, _ = env.do(t, http.MethodDelete, "/api/chains/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	require.Eventually(t, func() bool { return env.server.hub.count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_WebSocketErrors(t *testing.T) {
	env := setupTestEnv(t, Options{})
	env.create(t, 1)

	resp, _ := env.do(t, http.MethodGet, "/api/chains/42/ws", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/chains/1/ws?stream=everything", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A WebSocket client for an unknown chain gets a terminal error message.
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/chains/42/ws?stream=blocks"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MessageError, msg.Type)
	require.JSONEq(t, `"not found"`, string(msg.Data))

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Zero(t, env.server.hub.count())
}

func TestServeStream_PingAfterLag(t *testing.T) {
	s := &Server{logger: zerolog.Nop(), keepAlive: time.Minute}
	b := broadcast.New[int](1)
	sub := b.Subscribe()
	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}
	b.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/chains/1/logs", nil)
	serveStream(s, rec, req, "logs", sub, func(v int) (string, error) { return jsonNumber(uint64(v)), nil })

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	var got []sse.Event
	for ev, err := range sse.Read(rec.Body, nil) {
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, "ping", got[0].Type)
	require.Equal(t, "", got[1].Type)
	require.Equal(t, "3", got[1].Data)
}

func TestServeStream_KeepAlive(t *testing.T) {
	s := &Server{logger: zerolog.Nop(), keepAlive: 10 * time.Millisecond}
	b := broadcast.New[int](1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/chains/1/logs", nil).WithContext(ctx)
	serveStream(s, rec, req, "logs", b.Subscribe(), func(v int) (string, error) { return "", nil })

	require.Contains(t, rec.Body.String(), ": keep-alive\n")
}

func TestWSClient_QueueDropsOldest(t *testing.T) {
	c := &wsClient{send: make(chan []byte, 2)}
	for i := range 3 {
		data, _ := json.Marshal(i)
		discarded := c.queue(WSMessage{Type: MessageLog, Data: data})
		require.Equal(t, i == 2, discarded, "message %d", i)
	}

	var got []string
	for range 2 {
		var msg WSMessage
		require.NoError(t, json.Unmarshal(<-c.send, &msg))
		got = append(got, string(msg.Data))
	}
	require.Equal(t, []string{"1", "2"}, got)
}

func TestServer_IPFilter(t *testing.T) {
	env := setupTestEnv(t, Options{API: config.APIConfig{AllowedIPs: []string{"10.0.0.0/8", "192.168.1.7"}}})

	for _, tt := range []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:4000", http.StatusForbidden},
		{"10.1.2.3:4000", http.StatusOK},
		{"192.168.1.7:4000", http.StatusOK},
		{"192.168.1.8:4000", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, tt.want, rec.Code, tt.remote)
	}
}

func TestServer_CORS(t *testing.T) {
	env := setupTestEnv(t, Options{API: config.APIConfig{CORSOrigins: []string{"http://localhost:5173"}}})

	req := httptest.NewRequest(http.MethodOptions, "/api/chains", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	env := setupTestEnv(t, Options{Metrics: true})
	env.do(t, http.MethodGet, "/api/health", nil)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `localchain_api_http_requests_total{code="200",route="/api/health"}`)

	off := setupTestEnv(t, Options{})
	resp, _ = off.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := New("127.0.0.1:0", reg, Options{})
	require.NoError(t, s.Start())
	require.NotEqual(t, "127.0.0.1:0", s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

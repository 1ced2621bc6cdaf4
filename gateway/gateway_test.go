package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randallard/friends-connect/connection"
	"github.com/randallard/friends-connect/metric"
	"github.com/randallard/friends-connect/pkg/backupkey"
	"github.com/randallard/friends-connect/store"
)

type testServer struct {
	srv     *httptest.Server
	manager *connection.Manager
	inboxes *store.InboxStore
}

func newTestServer(t *testing.T, mutate func(*Config, *Gateway)) *testServer {
	t.Helper()

	inboxes := store.NewInboxStore()
	manager := connection.NewManager(store.NewMemoryStore(), inboxes,
		connection.NewValidator(), nil, connection.Policy{}, nil, nil)

	cfg := Config{Addr: ":0", EnableCORS: true}
	gw := New(cfg, manager, inboxes, nil, nil, nil, nil, metric.NewRegistry())
	if mutate != nil {
		mutate(&gw.cfg, gw)
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, manager: manager, inboxes: inboxes}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (ts *testServer) createConnection(t *testing.T, playerID string) map[string]any {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/connections",
		map[string]string{"player_id": playerID}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var conn map[string]any
	require.NoError(t, json.Unmarshal(body, &conn))
	return conn
}

func TestCreateConnectionEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := ts.createConnection(t, "alice")
	assert.NotEmpty(t, conn["id"])
	assert.NotEmpty(t, conn["link_id"])
	assert.Equal(t, "pending", conn["status"])
	assert.Equal(t, []any{"alice"}, conn["players"])
}

func TestJoinEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.createConnection(t, "alice")

	resp, body := ts.do(t, http.MethodPost,
		fmt.Sprintf("/connections/link/%s/join", conn["link_id"]),
		map[string]string{"player_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var joined map[string]any
	require.NoError(t, json.Unmarshal(body, &joined))
	assert.Equal(t, "active", joined["status"])
	assert.Equal(t, []any{"alice", "bob"}, joined["players"])

	// The creator's notification is already polled after the join
	// response was written.
	resp, body = ts.do(t, http.MethodGet, "/players/alice/notifications", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var notifications []string
	require.NoError(t, json.Unmarshal(body, &notifications))
	assert.Equal(t, []string{"Player bob joined your connection"}, notifications)
}

func TestJoinErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.createConnection(t, "alice")
	joinPath := fmt.Sprintf("/connections/link/%s/join", conn["link_id"])

	resp, _ := ts.do(t, http.MethodPost, "/connections/link/nope/join",
		map[string]string{"player_id": "bob"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, joinPath, map[string]string{"player_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, joinPath, map[string]string{"player_id": "carol"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "connection already has maximum players", errResp["error"])
}

func TestMessageAndAckFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.createConnection(t, "alice")

	resp, _ := ts.do(t, http.MethodPost,
		fmt.Sprintf("/connections/link/%s/join", conn["link_id"]),
		map[string]string{"player_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost,
		fmt.Sprintf("/connections/%s/messages", conn["id"]),
		map[string]string{"player_id": "alice", "content": "hello"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var msg map[string]any
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "alice", msg["from"])

	// Poll returns the bare string array without consuming.
	resp, body = ts.do(t, http.MethodGet, "/players/bob/notifications", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notifications []string
	require.NoError(t, json.Unmarshal(body, &notifications))
	assert.Equal(t, []string{"Message from alice: hello"}, notifications)

	resp, body = ts.do(t, http.MethodPost, "/players/bob/notifications/ack", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = ts.do(t, http.MethodGet, "/players/bob/notifications", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &notifications))
	assert.Empty(t, notifications)
}

func TestNotificationsBodyIsBareArray(t *testing.T) {
	ts := newTestServer(t, nil)

	// Clients decode straight into []string, so even an empty inbox
	// serializes as an array, not an object or null.
	resp, body := ts.do(t, http.MethodGet, "/players/nobody/notifications", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	var notifications []string
	require.NoError(t, json.Unmarshal(body, &notifications))
	assert.Empty(t, notifications)
}

func TestMessageFromOutsider(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.createConnection(t, "alice")

	resp, body := ts.do(t, http.MethodPost,
		fmt.Sprintf("/connections/%s/messages", conn["id"]),
		map[string]string{"player_id": "mallory", "content": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp map[string]any
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "player not in this connection", errResp["error"])
}

func TestRequestAcceptFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/connections/request",
		map[string]string{"initiator_id": "alice", "initiator_label": "Alice", "recipient_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	connID := req["connection_id"].(string)

	resp, body = ts.do(t, http.MethodGet, "/connections/"+connID+"/request", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodPost, "/connections/"+connID+"/accept",
		map[string]string{"recipient_id": "bob", "recipient_label": "Bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var conn map[string]any
	require.NoError(t, json.Unmarshal(body, &conn))
	assert.Equal(t, "active", conn["status"])
}

func TestRejectEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodPost, "/connections/request",
		map[string]string{"initiator_id": "alice", "initiator_label": "Alice"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	connID := req["connection_id"].(string)

	resp, body = ts.do(t, http.MethodPost, "/connections/"+connID+"/reject",
		map[string]string{"recipient_id": "bob"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var conn map[string]any
	require.NoError(t, json.Unmarshal(body, &conn))
	assert.Equal(t, "rejected", conn["status"])
}

func TestListAndDeleteEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.createConnection(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/players/alice/connections", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed map[string][]map[string]any
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed["connections"], 1)

	resp, body = ts.do(t, http.MethodDelete, "/connections/"+conn["id"].(string), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = ts.do(t, http.MethodGet, "/connections/"+conn["id"].(string), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting again, or deleting something that never existed, still
	// succeeds.
	resp, _ = ts.do(t, http.MethodDelete, "/connections/"+conn["id"].(string), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/connections/never-existed", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func validBackup() *connection.Connection {
	now := time.Now().UTC()
	return &connection.Connection{
		ID:             connection.NewID(),
		LinkID:         connection.NewID(),
		InitiatorID:    "alice",
		InitiatorLabel: "Alice",
		RecipientID:    "bob",
		RecipientLabel: "Bob",
		Status:         connection.StatusActive,
		CreatedAt:      now.Add(-time.Hour),
		ConnectedAt:    &now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestRecoverEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	backup := validBackup()

	resp, body := ts.do(t, http.MethodPost, "/connections/recover", backup, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Recovering the same record again is idempotent: the stored record
	// comes back with 200.
	resp, body = ts.do(t, http.MethodPost, "/connections/recover", backup, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var conn map[string]any
	require.NoError(t, json.Unmarshal(body, &conn))
	assert.Equal(t, backup.ID, conn["id"])
}

func TestRecoverWithSignature(t *testing.T) {
	signer, err := backupkey.NewSigner([]byte("test-key"))
	require.NoError(t, err)

	ts := newTestServer(t, func(_ *Config, g *Gateway) {
		g.signer = signer
	})

	backup := validBackup()
	payload, err := json.Marshal(backup)
	require.NoError(t, err)

	// Missing signature is refused.
	resp, _ := ts.do(t, http.MethodPost, "/connections/recover", backup, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The exact signed payload passes. Send the raw bytes we signed,
	// since signing covers the body verbatim.
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/connections/recover",
		bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Backup-Signature", signer.Sign(payload))

	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
}

func TestInvalidJSONBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/connections",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createConnection(t, "alice")

	resp, body := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "friends_connect_connections_created_total")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.srv.URL+"/connections", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, _ := ts.do(t, http.MethodGet, "/healthz", nil,
		map[string]string{"X-Request-ID": "trace-123"})
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config, g *Gateway) {
		g.limiter = newClientLimiter(1, 2)
	})

	limited := false
	for i := 0; i < 10; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/healthz", nil, nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected a 429 after exhausting the burst")
}

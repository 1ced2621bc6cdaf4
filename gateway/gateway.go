// Package gateway exposes the connection lifecycle and notification
// inboxes over HTTP, plus an optional WebSocket surface for interactive
// clients.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/randallard/friends-connect/connection"
	"github.com/randallard/friends-connect/errors"
	"github.com/randallard/friends-connect/health"
	"github.com/randallard/friends-connect/metric"
	"github.com/randallard/friends-connect/pkg/backupkey"
	"github.com/randallard/friends-connect/relay"
)

// maxRequestSize bounds request bodies; connection records and messages
// are small.
const maxRequestSize = 1 << 20

// Notifications is the inbox surface the gateway reads from. It is
// satisfied by store.InboxStore.
type Notifications interface {
	List(playerID string) []string
	Acknowledge(playerID string) int
}

// Config controls the HTTP surface
type Config struct {
	Addr        string
	StaticDir   string
	EnableCORS  bool
	CORSOrigins []string // empty means any origin
	RateLimit   float64  // requests/sec per client, 0 disables
	RateBurst   int
}

// Gateway routes HTTP requests to the connection manager and inboxes
type Gateway struct {
	cfg       Config
	manager   *connection.Manager
	inboxes   Notifications
	relay     *relay.Relay
	signer    *backupkey.Signer // nil disables recovery signature checks
	healthMon *health.Monitor   // nil means always report healthy
	logger    *slog.Logger
	registry  *metric.Registry
	limiter   *clientLimiter
	upgrader  wsUpgrader
}

// New creates a gateway. relay, signer, healthMon, and registry may be nil.
func New(cfg Config, manager *connection.Manager, inboxes Notifications, rl *relay.Relay, signer *backupkey.Signer, healthMon *health.Monitor, logger *slog.Logger, registry *metric.Registry) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:       cfg,
		manager:   manager,
		inboxes:   inboxes,
		relay:     rl,
		signer:    signer,
		healthMon: healthMon,
		logger:    logger,
		registry:  registry,
	}
	if cfg.RateLimit > 0 {
		g.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	g.upgrader = newUpgrader(cfg)
	return g
}

// Handler builds the full route table
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /connections", g.handleCreateLinked)
	mux.HandleFunc("POST /connections/request", g.handleCreateRequest)
	mux.HandleFunc("POST /connections/recover", g.handleRecover)
	mux.HandleFunc("POST /connections/link/{linkId}/join", g.handleJoin)
	mux.HandleFunc("GET /connections/{id}", g.handleGet)
	mux.HandleFunc("DELETE /connections/{id}", g.handleDelete)
	mux.HandleFunc("GET /connections/{id}/request", g.handleGetRequest)
	mux.HandleFunc("POST /connections/{id}/accept", g.handleAccept)
	mux.HandleFunc("POST /connections/{id}/reject", g.handleReject)
	mux.HandleFunc("POST /connections/{id}/messages", g.handleSendMessage)

	mux.HandleFunc("GET /players/{playerId}/connections", g.handleListConnections)
	mux.HandleFunc("GET /players/{playerId}/notifications", g.handleListNotifications)
	mux.HandleFunc("POST /players/{playerId}/notifications/ack", g.handleAckNotifications)

	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.HandleFunc("GET /healthz", g.handleHealth)

	if g.registry != nil {
		mux.Handle("GET /metrics", g.registry.Handler())
	}
	if g.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(g.cfg.StaticDir)))
	}

	return g.wrap(mux)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully
func (g *Gateway) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Request/response shapes

type createLinkedRequest struct {
	PlayerID string `json:"player_id"`
}

type createRequestRequest struct {
	InitiatorID    string `json:"initiator_id"`
	InitiatorLabel string `json:"initiator_label"`
	RecipientID    string `json:"recipient_id,omitempty"`
}

type joinRequest struct {
	PlayerID string `json:"player_id"`
}

type acceptRequest struct {
	RecipientID    string `json:"recipient_id"`
	RecipientLabel string `json:"recipient_label"`
}

type rejectRequest struct {
	RecipientID string `json:"recipient_id"`
}

type sendMessageRequest struct {
	PlayerID string `json:"player_id"`
	Content  string `json:"content"`
}

// connectionResponse is the wire shape for a connection record. Players
// lists the participants in join order for clients that predate the
// initiator/recipient split.
type connectionResponse struct {
	*connection.Connection
	Players []string `json:"players"`
}

func toConnectionResponse(c *connection.Connection) connectionResponse {
	return connectionResponse{Connection: c, Players: c.Participants()}
}

// Handlers

func (g *Gateway) handleCreateLinked(w http.ResponseWriter, r *http.Request) {
	var req createLinkedRequest
	if !g.decode(w, r, &req) {
		return
	}

	conn, err := g.manager.CreateLinked(r.Context(), req.PlayerID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (g *Gateway) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if !g.decode(w, r, &req) {
		return
	}

	created, err := g.manager.Create(r.Context(), req.InitiatorID, req.InitiatorLabel, req.RecipientID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, created)
}

func (g *Gateway) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !g.decode(w, r, &req) {
		return
	}

	conn, err := g.manager.JoinByLink(r.Context(), r.PathValue("linkId"), req.PlayerID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	conn, err := g.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

// handleDelete is idempotent: deleting an absent connection is still a
// success from the caller's side.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := g.manager.Delete(r.Context(), r.PathValue("id")); err != nil && !errors.IsNotFound(err) {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := g.manager.GetRequest(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, req)
}

func (g *Gateway) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !g.decode(w, r, &req) {
		return
	}

	conn, err := g.manager.Accept(r.Context(), r.PathValue("id"), req.RecipientID, req.RecipientLabel)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (g *Gateway) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !g.decode(w, r, &req) {
		return
	}

	conn, err := g.manager.Reject(r.Context(), r.PathValue("id"), req.RecipientID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !g.decode(w, r, &req) {
		return
	}

	msg, err := g.manager.SendMessage(r.Context(), r.PathValue("id"), req.PlayerID, req.Content)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := g.manager.ListForParticipant(r.Context(), r.PathValue("playerId"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionResponse(c))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	// Bare array: clients poll this and ack separately, so the body is
	// always []string, empty included.
	g.writeJSON(w, http.StatusOK, g.inboxes.List(r.PathValue("playerId")))
}

func (g *Gateway) handleAckNotifications(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	drained := g.inboxes.Acknowledge(playerID)

	if g.registry != nil && drained > 0 {
		g.registry.Metrics.NotificationsAcknowledged.Add(float64(drained))
	}
	g.relay.Publish(relay.TopicConnectionEvents, playerID,
		relay.NotificationsAcknowledged(playerID))

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecover restores a client-held backup. When a backup signer is
// configured the raw body must carry a valid X-Backup-Signature header.
// Recovering a connection that already exists returns the stored record
// unchanged, so retried recoveries are idempotent.
func (g *Gateway) handleRecover(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if g.signer != nil {
		sig := r.Header.Get("X-Backup-Signature")
		if err := g.signer.Verify(body, sig); err != nil {
			g.writeError(w, http.StatusForbidden, "backup signature mismatch")
			return
		}
	}

	var conn connection.Connection
	if err := json.Unmarshal(body, &conn); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	restored, err := g.manager.Recover(r.Context(), &conn)
	if err != nil {
		if errors.IsConflict(err) {
			existing, getErr := g.manager.Get(r.Context(), conn.ID)
			if getErr == nil {
				g.writeJSON(w, http.StatusOK, toConnectionResponse(existing))
				return
			}
		}
		g.writeDomainError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, toConnectionResponse(restored))
}

// handleHealth reports the aggregate subsystem health. Degraded still
// answers 200: the service works without a broker, just without relay
// delivery.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.healthMon == nil {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	agg := g.healthMon.Aggregate("friends-connect")
	status := http.StatusOK
	if agg.Status == health.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, map[string]any{
		"status":     agg.Status,
		"message":    agg.Message,
		"subsystems": g.healthMon.Snapshot(),
	})
}

// Helpers

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to write response", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]any{
		"error":  message,
		"status": status,
	}
	data, _ := json.Marshal(response)
	w.Write(data)
}

// writeDomainError maps domain errors to HTTP statuses. Storage errors
// are logged in full but reported generically.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		g.writeError(w, http.StatusNotFound, "resource not found")
	case errors.IsConflict(err):
		g.writeError(w, http.StatusConflict, "resource already exists")
	case errors.IsInvalid(err):
		// Includes expired and rejected states; the reason is safe to
		// expose since it never carries internal detail.
		msg := errors.Reason(err)
		if msg == "" {
			switch {
			case errors.IsExpired(err):
				msg = "connection expired"
			default:
				msg = "invalid request"
			}
		}
		g.writeError(w, http.StatusBadRequest, msg)
	case errors.IsStorage(err):
		g.logger.Error("storage failure", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		g.logger.Error("unhandled error", "error", err)
		g.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// getOrGenerateRequestID extracts a request ID from the headers or
// generates one for tracing
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

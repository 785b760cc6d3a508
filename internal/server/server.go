// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the ingestion pipeline over HTTP. The service
// sits behind the application's API gateway, which authenticates the
// caller and forwards the user id in the X-User-ID header; the only
// unauthenticated routes are the OAuth callback (the provider calls it)
// and /health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subtrack/ingestion/internal/credential"
	"github.com/subtrack/ingestion/internal/invoice"
	"github.com/subtrack/ingestion/internal/models"
	"github.com/subtrack/ingestion/internal/oauth"
	"github.com/subtrack/ingestion/internal/parser"
	"github.com/subtrack/ingestion/internal/scan"
	"github.com/subtrack/ingestion/internal/suggestion"
)

// userHeader carries the authenticated user id set by the gateway.
const userHeader = "X-User-ID"

// Pinger checks a backing connection, Redis in practice.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scanner runs the mailbox scan for one user.
type Scanner interface {
	RunWindow(ctx context.Context, userID string, windowDays int) (*models.ScanSummary, error)
}

// InvoiceStore is the slice of the invoice store the handlers need.
type InvoiceStore interface {
	Get(ctx context.Context, id string) (*invoice.Invoice, error)
	MarkIgnored(ctx context.Context, id string) error
}

// Handler serves the ingestion HTTP API.
type Handler struct {
	flow        *oauth.Flow
	creds       *credential.Store
	scanner     Scanner
	extractor   *parser.Extractor
	invoices    InvoiceStore
	suggestions *suggestion.Store
	rules       *scan.RuleStore
	pool        *pgxpool.Pool
	redis       Pinger
	appURL      string
}

// HandlerConfig holds the handler's dependencies.
type HandlerConfig struct {
	Flow        *oauth.Flow
	Credentials *credential.Store
	Scanner     Scanner
	Extractor   *parser.Extractor
	Invoices    InvoiceStore
	Suggestions *suggestion.Store
	Rules       *scan.RuleStore
	Pool        *pgxpool.Pool
	Redis       Pinger
	AppURL      string
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		flow:        cfg.Flow,
		creds:       cfg.Credentials,
		scanner:     cfg.Scanner,
		extractor:   cfg.Extractor,
		invoices:    cfg.Invoices,
		suggestions: cfg.Suggestions,
		rules:       cfg.Rules,
		pool:        cfg.Pool,
		redis:       cfg.Redis,
		appURL:      cfg.AppURL,
	}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/google/url", h.authURL)
	mux.HandleFunc("GET /auth/google/callback", h.authCallback)
	mux.HandleFunc("POST /auth/google/disconnect", h.disconnect)
	mux.HandleFunc("GET /auth/google/status", h.authStatus)

	mux.HandleFunc("POST /scan", h.runScan)
	mux.HandleFunc("POST /invoices/parse", h.parseInvoice)
	mux.HandleFunc("POST /invoices/{id}/ignore", h.ignoreInvoice)

	mux.HandleFunc("GET /suggestions", h.listSuggestions)
	mux.HandleFunc("POST /suggestions/{id}/approve", h.approveSuggestion)
	mux.HandleFunc("POST /suggestions/{id}/reject", h.rejectSuggestion)

	mux.HandleFunc("GET /scan-rules", h.listRules)
	mux.HandleFunc("POST /scan-rules", h.addRule)
	mux.HandleFunc("DELETE /scan-rules/{id}", h.deleteRule)

	mux.HandleFunc("GET /health", h.health)

	return mux
}

// userID extracts the gateway-authenticated user. Writes 401 and
// returns "" when the header is missing.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
	}
	return id
}

func (h *Handler) authURL(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	authURL, err := h.flow.BeginAuth(r.Context(), userID)
	if err != nil {
		slog.Error("begin auth failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not start authorization")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// authCallback is the provider redirect target. Outcomes are reported
// to the browser only as coarse query parameters on the app URL —
// provider error text never leaks through.
func (h *Handler) authCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		slog.Warn("provider returned authorization error", "error", errParam)
		h.redirectApp(w, r, "error", "auth_failed")
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.redirectApp(w, r, "error", "auth_failed")
		return
	}

	cred, err := h.flow.CompleteAuth(r.Context(), code, state)
	if err != nil {
		slog.Warn("authorization completion failed",
			"reason", oauth.ReasonCode(err), "error", err)
		h.redirectApp(w, r, "error", oauth.ReasonCode(err))
		return
	}

	slog.Info("mailbox connected", "user_id", cred.UserID, "email", cred.EmailAddress)
	h.redirectApp(w, r, "connected", "")
}

func (h *Handler) redirectApp(w http.ResponseWriter, r *http.Request, status, reason string) {
	u, err := url.Parse(h.appURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad app url")
		return
	}
	q := u.Query()
	q.Set("gmail", status)
	if reason != "" {
		q.Set("reason", reason)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	if err := h.flow.Disconnect(r.Context(), userID); err != nil {
		slog.Error("disconnect failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	cred, err := h.creds.Get(r.Context(), userID)
	if err != nil {
		slog.Error("credential lookup failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if cred == nil {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":    true,
		"email":        cred.EmailAddress,
		"connected_at": cred.CreatedAt,
	})
}

type scanRequest struct {
	DaysBack int `json:"days_back"`
}

// runScan executes a mailbox scan synchronously and returns the batch
// summary. Per-message failures are already folded into the counts;
// only pre-scan failures (no connected mailbox, search error) surface
// as non-2xx.
func (h *Handler) runScan(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := h.scanner.RunWindow(r.Context(), userID, req.DaysBack)
	if err != nil {
		reason := oauth.ReasonCode(err)
		slog.Error("scan failed", "user_id", userID, "reason", reason, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, oauth.ErrNotConnected) {
			status = http.StatusConflict
		} else if errors.Is(err, oauth.ErrRefreshFailed) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, reason)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type parseRequest struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
}

// parseInvoice runs extraction against an already-uploaded document.
// Extraction is best-effort: model failures return 200 with null fields
// so a manual upload is never blocked on the AI gateway.
func (h *Handler) parseInvoice(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	var req parseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := parser.ValidateInput(req.FileURL, req.FileName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fields, err := h.extractor.Extract(r.Context(), req.FileURL, req.FileName)
	if err != nil {
		slog.Warn("manual parse failed",
			"user_id", userID, "file_name", req.FileName, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"fields": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

// ignoreInvoice dismisses a pending invoice. Foreign and missing
// invoices are indistinguishable: both 404.
func (h *Handler) ignoreInvoice(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}
	id := r.PathValue("id")

	inv, err := h.invoices.Get(r.Context(), id)
	if err != nil {
		slog.Error("invoice lookup failed", "invoice_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if inv == nil || inv.UserID != userID {
		writeError(w, http.StatusNotFound, "invoice not found")
		return
	}

	if err := h.invoices.MarkIgnored(r.Context(), id); err != nil {
		if errors.Is(err, invoice.ErrNotPending) {
			writeError(w, http.StatusConflict, "invoice is not pending")
			return
		}
		slog.Error("ignore failed", "invoice_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "ignore failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listSuggestions(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	status := r.URL.Query().Get("status")
	if status == "" {
		status = suggestion.StatusPending
	}

	list, err := h.suggestions.ListByUser(r.Context(), userID, status)
	if err != nil {
		slog.Error("suggestion list failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestionViews(list)})
}

type approveRequest struct {
	SubscriptionID *string `json:"subscription_id"`
}

func (h *Handler) approveSuggestion(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}
	id := r.PathValue("id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if ok := h.ownsSuggestion(w, r, id, userID); !ok {
		return
	}

	rec, err := h.suggestions.Approve(r.Context(), id, req.SubscriptionID, timeNow())
	if err != nil {
		if errors.Is(err, suggestion.ErrNotPending) {
			writeError(w, http.StatusConflict, "suggestion is not pending")
			return
		}
		slog.Error("approve failed", "suggestion_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "approve failed")
		return
	}
	writeJSON(w, http.StatusOK, subscriptionView(rec))
}

func (h *Handler) rejectSuggestion(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}
	id := r.PathValue("id")

	if ok := h.ownsSuggestion(w, r, id, userID); !ok {
		return
	}

	if err := h.suggestions.Reject(r.Context(), id); err != nil {
		if errors.Is(err, suggestion.ErrNotPending) {
			writeError(w, http.StatusConflict, "suggestion is not pending")
			return
		}
		slog.Error("reject failed", "suggestion_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reject failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownsSuggestion enforces that the suggestion belongs to the caller.
// Foreign and missing suggestions are indistinguishable: both 404.
func (h *Handler) ownsSuggestion(w http.ResponseWriter, r *http.Request, id, userID string) bool {
	sg, err := h.suggestions.Get(r.Context(), id)
	if err != nil {
		slog.Error("suggestion lookup failed", "suggestion_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return false
	}
	if sg == nil || sg.UserID != userID {
		writeError(w, http.StatusNotFound, "suggestion not found")
		return false
	}
	return true
}

type ruleRequest struct {
	SenderPattern string `json:"sender_pattern"`
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	rules, err := h.rules.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("rule list failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": ruleViews(rules)})
}

func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderPattern == "" {
		writeError(w, http.StatusBadRequest, "sender_pattern is required")
		return
	}

	rule, err := h.rules.Add(r.Context(), userID, req.SenderPattern)
	if err != nil {
		slog.Error("rule add failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "add failed")
		return
	}
	writeJSON(w, http.StatusCreated, ruleView(*rule))
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(w, r)
	if userID == "" {
		return
	}
	id := r.PathValue("id")

	rules, err := h.rules.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("rule list failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	owned := false
	for _, rule := range rules {
		if rule.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		slog.Error("rule delete failed", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.pool.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "postgres": err.Error(),
		})
		return
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "redis": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: handler.Routes(),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
		}
	}()

	return ready, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

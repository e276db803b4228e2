package api

import (
	"database/sql"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/AurSwift/AurEposWeb-sub001/internal/webhook"
)

// maxWebhookBody bounds processor payloads; Stripe's own limit is well
// under this.
const maxWebhookBody = 1 << 20

func requirePost(w http.ResponseWriter, req *http.Request) bool {
	if req.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return false
	}
	return true
}

func (r *Router) handleStripeWebhook(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxWebhookBody)
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_body", "Failed to read request body")
		return
	}

	result, err := r.processor.Process(req.Context(), payload, req.Header.Get("Stripe-Signature"))
	if err != nil {
		// A signature mismatch is a malformed delivery on this endpoint:
		// the payment processor expects 400, not a challenge.
		if apperrors.KindOf(err) == apperrors.KindAuth {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_signature", "Webhook signature verification failed")
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type activateRequest struct {
	LicenseKey    string `json:"license_key"`
	MachineIDHash string `json:"machine_id_hash"`
	TerminalName  string `json:"terminal_name"`
	Location      string `json:"location,omitempty"`
}

type activateResponse struct {
	ActivationID  int64  `json:"activation_id"`
	TerminalName  string `json:"terminal_name"`
	AlreadyActive bool   `json:"already_active"`
}

func (r *Router) handleActivate(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	var body activateRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}

	result, err := r.licenses.Activate(req.Context(), license.ActivateRequest{
		LicenseKey:    body.LicenseKey,
		MachineIDHash: body.MachineIDHash,
		TerminalName:  body.TerminalName,
		IPAddress:     clientIP(req),
		Location:      body.Location,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activateResponse{
		ActivationID:  result.Activation.ID,
		TerminalName:  result.Activation.TerminalName,
		AlreadyActive: result.AlreadyActive,
	})
}

type heartbeatRequest struct {
	LicenseKey    string `json:"license_key"`
	MachineIDHash string `json:"machine_id_hash"`
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	var body heartbeatRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}

	result, err := r.licenses.Heartbeat(req.Context(), body.LicenseKey, body.MachineIDHash)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleDeactivate(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	var body heartbeatRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}

	if err := r.licenses.Deactivate(req.Context(), body.LicenseKey, body.MachineIDHash); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type revokeRequest struct {
	LicenseKey string `json:"license_key"`
	Reason     string `json:"reason,omitempty"`
}

func (r *Router) handleRevoke(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	var body revokeRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}
	if body.Reason == "" {
		body.Reason = "revoked by operator"
	}

	if err := r.licenses.Revoke(req.Context(), body.LicenseKey, body.Reason); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type planChangeRequest struct {
	SubscriptionID string `json:"subscription_id"`
	NewPlan        string `json:"new_plan"`
	NewPriceID     string `json:"new_price_id,omitempty"`
}

func (r *Router) handlePlanChange(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	var body planChangeRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}

	result, err := r.planChanger.ChangePlan(req.Context(), webhook.PlanChangeRequest{
		SubscriptionID: body.SubscriptionID,
		NewPlan:        body.NewPlan,
		NewPriceID:     body.NewPriceID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type dlqEntry struct {
	EventID    string `json:"event_id"`
	LicenseKey string `json:"license_key"`
	Type       string `json:"type"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	Status     string `json:"status"`
	FailedAt   int64  `json:"failed_at"`
}

func (r *Router) handleDLQList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	status := store.DLQStatus(req.URL.Query().Get("status"))
	limit := queryLimit(req, 100)

	entries, err := r.store.ListDeadLetters(req.Context(), status, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}

	out := make([]dlqEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dlqEntry{
			EventID:    e.EventID,
			LicenseKey: e.LicenseKey,
			Type:       string(e.Type),
			RetryCount: e.RetryCount,
			LastError:  e.LastErrorMessage,
			Status:     string(e.Status),
			FailedAt:   e.FailedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out, "count": len(out)})
}

type dlqActionRequest struct {
	Operator string `json:"operator"`
	Notes    string `json:"notes,omitempty"`
}

// handleDLQAction routes /api/dlq/{event_id}/{retry|resolve|abandon}.
func (r *Router) handleDLQAction(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	eventID, action, ok := splitAction(req.URL.Path, "/api/dlq/")
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Expected /api/dlq/{event_id}/{action}")
		return
	}

	var body dlqActionRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}
	if body.Operator == "" {
		writeErrorResponse(w, http.StatusBadRequest, "validation", "operator is required")
		return
	}

	var err error
	switch action {
	case "retry":
		err = r.retry.RetryDeadLetter(req.Context(), eventID, body.Operator)
	case "resolve":
		err = r.retry.ResolveDeadLetter(req.Context(), eventID, body.Operator, body.Notes)
	case "abandon":
		err = r.retry.AbandonDeadLetter(req.Context(), eventID, body.Operator, body.Notes)
	default:
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Unknown action: "+action)
		return
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID, "action": action})
}

type patternEntry struct {
	ID              int64  `json:"id"`
	LicenseKey      string `json:"license_key"`
	PatternType     string `json:"pattern_type"`
	Severity        string `json:"severity"`
	OccurrenceCount int    `json:"occurrence_count"`
	FirstSeen       int64  `json:"first_seen"`
	LastSeen        int64  `json:"last_seen"`
	Resolved        bool   `json:"resolved"`
}

func (r *Router) handlePatternList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}

	onlyOpen := req.URL.Query().Get("include_resolved") != "true"
	limit := queryLimit(req, 100)

	patterns, err := r.store.ListFailurePatterns(req.Context(), onlyOpen, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}

	out := make([]patternEntry, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, patternEntry{
			ID:              p.ID,
			LicenseKey:      p.LicenseKey,
			PatternType:     p.PatternType,
			Severity:        p.Severity,
			OccurrenceCount: p.OccurrenceCount,
			FirstSeen:       p.FirstSeen.UnixMilli(),
			LastSeen:        p.LastSeen.UnixMilli(),
			Resolved:        p.Resolved,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": out, "count": len(out)})
}

type patternResolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// handlePatternAction routes /api/patterns/{id}/resolve.
func (r *Router) handlePatternAction(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	idStr, action, ok := splitAction(req.URL.Path, "/api/patterns/")
	if !ok || action != "resolve" {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Expected /api/patterns/{id}/resolve")
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "validation", "Pattern id must be numeric")
		return
	}

	var body patternResolveRequest
	if err := decodeBody(req, &body); err != nil {
		writeAppError(w, err)
		return
	}
	if body.ResolvedBy == "" {
		writeErrorResponse(w, http.StatusBadRequest, "validation", "resolved_by is required")
		return
	}

	if err := r.store.ResolveFailurePattern(req.Context(), id, body.ResolvedBy, body.Notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeAppError(w, apperrors.New(apperrors.KindNotFound, "api.patterns", "pattern not found or already resolved"))
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

func (r *Router) handlePatternAnalyze(w http.ResponseWriter, req *http.Request) {
	if !requirePost(w, req) {
		return
	}
	summary, err := r.analyzer.Run(req.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"failures_scanned":  summary.FailuresScanned,
		"patterns_detected": summary.PatternsDetected,
	})
}

// splitAction parses "{prefix}{id}/{action}" paths.
func splitAction(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func queryLimit(req *http.Request, def int) int {
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

// clientIP takes the forwarded address when a proxy sits in front.
func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

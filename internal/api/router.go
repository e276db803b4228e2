// Package api exposes the HTTP surface: webhook ingress, the terminal
// streaming endpoint, license operations, and the operator APIs for the
// dead letter queue and failure patterns.
package api

import (
	"net/http"

	"github.com/AurSwift/AurEposWeb-sub001/internal/license"
	"github.com/AurSwift/AurEposWeb-sub001/internal/patterns"
	"github.com/AurSwift/AurEposWeb-sub001/internal/retryengine"
	"github.com/AurSwift/AurEposWeb-sub001/internal/store"
	"github.com/AurSwift/AurEposWeb-sub001/internal/stream"
	"github.com/AurSwift/AurEposWeb-sub001/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router owns the mux and the services the handlers call into.
type Router struct {
	mux *http.ServeMux

	store       *store.Store
	licenses    *license.Service
	processor   *webhook.Processor
	planChanger *webhook.PlanChanger
	streamEnd   *stream.Endpoint
	retry       *retryengine.Engine
	analyzer    *patterns.Analyzer

	version string
}

// NewRouter builds the full route table.
func NewRouter(
	st *store.Store,
	licenses *license.Service,
	processor *webhook.Processor,
	planChanger *webhook.PlanChanger,
	streamEnd *stream.Endpoint,
	retry *retryengine.Engine,
	analyzer *patterns.Analyzer,
	version string,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		store:       st,
		licenses:    licenses,
		processor:   processor,
		planChanger: planChanger,
		streamEnd:   streamEnd,
		retry:       retry,
		analyzer:    analyzer,
		version:     version,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)

	// The payment processor posts to the bare path; the /api alias keeps
	// the route table uniform for everything behind the same proxy rules.
	r.mux.HandleFunc("/stripe-webhook", r.handleStripeWebhook)
	r.mux.HandleFunc("/api/stripe-webhook", r.handleStripeWebhook)
	r.mux.Handle("/api/stream", r.streamEnd)

	r.mux.HandleFunc("/api/licenses/activate", r.handleActivate)
	r.mux.HandleFunc("/api/licenses/heartbeat", r.handleHeartbeat)
	r.mux.HandleFunc("/api/licenses/deactivate", r.handleDeactivate)
	r.mux.HandleFunc("/api/licenses/revoke", r.handleRevoke)

	r.mux.HandleFunc("/api/subscriptions/plan-change", r.handlePlanChange)

	r.mux.HandleFunc("/api/dlq", r.handleDLQList)
	r.mux.HandleFunc("/api/dlq/", r.handleDLQAction)

	r.mux.HandleFunc("/api/patterns", r.handlePatternList)
	r.mux.HandleFunc("/api/patterns/", r.handlePatternAction)
	r.mux.HandleFunc("/api/patterns/analyze", r.handlePatternAnalyze)

	r.mux.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router wrapped in the error/metrics middleware.
func (r *Router) Handler() http.Handler {
	return ErrorHandler(r.mux)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable", "Store is unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.version})
}

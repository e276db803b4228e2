package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/AurSwift/AurEposWeb-sub001/internal/errors"
	"github.com/AurSwift/AurEposWeb-sub001/internal/logging"
	"github.com/AurSwift/AurEposWeb-sub001/internal/metrics"
	"github.com/rs/zerolog/log"
)

// APIError is the structured error body every endpoint returns.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return e.ErrorMessage
}

// ErrorHandler recovers panics, stamps request IDs, and records request
// metrics. Websocket upgrades bypass the wrapping so the hijack works.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}

		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		routeLabel := normalizeRoute(r.URL.Path)
		method := r.Method

		defer func() {
			metrics.RecordAPIRequest(method, routeLabel, strconv.Itoa(rw.StatusCode()), time.Since(start))
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred")
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// normalizeRoute collapses path parameters so metrics cardinality stays
// bounded.
func normalizeRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/dlq/"):
		return "/api/dlq/:event_id"
	case strings.HasPrefix(path, "/api/patterns/"):
		return "/api/patterns/:id"
	default:
		return path
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
	})
}

// writeAppError maps a classified error to its HTTP shape. Conflict kinds
// come back 200 because callers treat idempotency hits as success.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusOK {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if status >= 500 {
		log.Error().Err(err).Msg("Request handler error")
	}
	writeErrorResponse(w, status, string(apperrors.KindOf(err)), apperrors.UserMessage(err))
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "api.decode", err)
	}
	return nil
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Hijack lets the stream endpoint upgrade through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

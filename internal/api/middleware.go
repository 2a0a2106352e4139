package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/abkawan/p2p-ledger/internal/apperr"
	"github.com/abkawan/p2p-ledger/internal/idempotency"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RequestIDHeader   = "X-Request-ID"
	IdempotencyHeader = "Idempotency-Key"
	ReplayHeader      = "X-Idempotency-Replay"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID makes sure every request carries an id, reusing the one sent
// by the client when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures the status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// LogRequests writes one log line per request
func (h *Handler) LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		h.logger.Info("request",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// authedHandlerFunc receives the resolved caller id explicitly
type authedHandlerFunc func(w http.ResponseWriter, r *http.Request, callerID string)

// authenticated resolves the bearer token before calling fn
func (h *Handler) authenticated(fn authedHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			h.respondAppError(w, r, apperr.Unauthorized("missing bearer token"))
			return
		}

		callerID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			h.respondAppError(w, r, err)
			return
		}
		fn(w, r, callerID)
	}
}

// recordingWriter keeps a copy of the response for the idempotency store
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent replays the stored response of a confirmed transfer sent
// again with the same Idempotency-Key. Requests without the header, or
// previews, go straight through.
func (h *Handler) idempotent(fn authedHandlerFunc) authedHandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, callerID string) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if h.idempotency == nil || key == "" {
			fn(w, r, callerID)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.respondAppError(w, r, bodyError(err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			Confirm bool `json:"confirm"`
		}
		if err := json.Unmarshal(body, &peek); err != nil || !peek.Confirm {
			fn(w, r, callerID)
			return
		}

		storeKey := callerID + ":" + key
		hash := idempotency.HashRequest(body)
		logger := h.logger.With(
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("idempotency_key", key),
		)

		existing, reserved, err := h.idempotency.Reserve(r.Context(), storeKey, hash, h.idempotencyTTL)
		if err != nil {
			h.respondAppError(w, r, apperr.Wrap(err, "failed to reserve idempotency key"))
			return
		}
		if !reserved {
			switch {
			case existing.RequestHash != hash:
				h.respondAppError(w, r, apperr.Conflict("idempotency key reused with a different request"))
			case existing.Pending():
				h.respondAppError(w, r, apperr.Conflict("request with this idempotency key is still in progress"))
			default:
				logger.Info("replaying stored response")
				if existing.ContentType != "" {
					w.Header().Set("Content-Type", existing.ContentType)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(existing.StatusCode)
				w.Write(existing.Body)
			}
			return
		}

		rw := &recordingWriter{ResponseWriter: w}
		fn(rw, r, callerID)

		// the request context may already be cancelled, keep bookkeeping alive
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()

		if rw.status == 0 || rw.status >= http.StatusInternalServerError {
			if err := h.idempotency.Release(ctx, storeKey); err != nil {
				logger.Warn("failed to release idempotency key", zap.Error(err))
			}
			return
		}

		record := &idempotency.Record{
			RequestHash: hash,
			StatusCode:  rw.status,
			ContentType: rw.Header().Get("Content-Type"),
			Body:        rw.body.Bytes(),
		}
		if err := h.idempotency.Complete(ctx, storeKey, record, h.idempotencyTTL); err != nil {
			logger.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
}

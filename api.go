package chatengine

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/observability"
)

type apiHandler func(w http.ResponseWriter, r *http.Request, user chat.AuthenticatedUser) error

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticated resolves the caller, runs h and maps its error onto an HTTP
// status.
func (e *Engine) authenticated(h apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			observability.RecordHTTPRequest(r.Method, r.Pattern, strconv.Itoa(rec.status), time.Since(start))
		}()

		user, err := e.auth.Authenticate(r)
		if err != nil {
			writeError(rec, http.StatusUnauthorized, "unauthorized", "unauthenticated")
			return
		}
		if err := h(rec, r, user); err != nil {
			code := chat.CodeOf(err)
			if code == chat.CodeInternal {
				log.Printf("[API] %s %s failed: %v", r.Method, r.URL.Path, err)
			}
			writeError(rec, httpStatus(code), chat.PublicMessage(err), string(code))
		}
	})
}

func (e *Engine) handleListMessages(w http.ResponseWriter, r *http.Request, user chat.AuthenticatedUser) error {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return chat.NewValidationError("limit must be a non-negative integer")
		}
		limit = n
	}

	msgs, err := e.ListMessages(r.Context(), user, r.PathValue("id"), limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chat.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	return nil
}

func (e *Engine) handleDeleteSession(w http.ResponseWriter, r *http.Request, user chat.AuthenticatedUser) error {
	if err := e.DeleteSession(r.Context(), user, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func httpStatus(code chat.Code) int {
	switch code {
	case chat.CodeValidation:
		return http.StatusBadRequest
	case chat.CodeAuthorization:
		return http.StatusForbidden
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeBusy:
		return http.StatusConflict
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

// statusClientClosedRequest mirrors nginx's code for a client that went away
// before the response was committed.
const statusClientClosedRequest = 499

const retryAfterSeconds = "30"

// apiError is the JSON error body returned to clients.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, apiError{Type: errType, Message: message, Code: status})
}

// writeProxyError maps an orchestrator error onto the client-facing status
// code. Backpressure and availability failures return 503 with a Retry-After
// hint; everything unrecognised is a plain 500.
func writeProxyError(w http.ResponseWriter, log *logger.StyledLogger, err error) {
	type translation struct {
		status     int
		errType    string
		retryAfter bool
	}

	var t translation
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		t = translation{http.StatusServiceUnavailable, "circuit_open", true}
	case errors.Is(err, domain.ErrCooldown):
		t = translation{http.StatusServiceUnavailable, "cooldown", true}
	case errors.Is(err, domain.ErrPermanentlyBanned):
		t = translation{http.StatusServiceUnavailable, "permanently_banned", false}
	case errors.Is(err, domain.ErrNoHealthyServers):
		t = translation{http.StatusServiceUnavailable, "no_healthy_servers", true}
	case errors.Is(err, domain.ErrServerBusy):
		t = translation{http.StatusServiceUnavailable, "server_busy", true}
	case errors.Is(err, domain.ErrQueueFull):
		t = translation{http.StatusServiceUnavailable, "queue_full", true}
	case errors.Is(err, domain.ErrQueuePaused):
		t = translation{http.StatusServiceUnavailable, "queue_paused", true}
	case errors.Is(err, domain.ErrQueueCleared):
		t = translation{http.StatusServiceUnavailable, "queue_cleared", true}
	case errors.Is(err, domain.ErrModelNotFound):
		t = translation{http.StatusNotFound, "model_not_found", false}
	case errors.Is(err, domain.ErrServerNotFound):
		t = translation{http.StatusNotFound, "server_not_found", false}
	case errors.Is(err, domain.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		t = translation{http.StatusGatewayTimeout, "deadline_exceeded", false}
	case errors.Is(err, domain.ErrAborted), errors.Is(err, context.Canceled):
		t = translation{statusClientClosedRequest, "client_closed_request", false}
	default:
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			t = translation{http.StatusBadRequest, "validation_error", false}
			break
		}
		log.Error("request failed", "error", err)
		t = translation{http.StatusInternalServerError, "internal_error", false}
	}

	if t.retryAfter {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeError(w, t.status, t.errType, err.Error())
}

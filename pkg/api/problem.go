package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/provenplay/matchproof/pkg/batch"
	"github.com/provenplay/matchproof/pkg/coordinator"
	"github.com/provenplay/matchproof/pkg/ledger"
	"github.com/provenplay/matchproof/pkg/rules"
	"github.com/provenplay/matchproof/pkg/storage"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request log line.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// problemHandler is the echo HTTPErrorHandler: every error escaping a
// handler becomes an RFC 7807 response. Domain sentinels map to statuses
// here so handlers can return them unwrapped.
func problemHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	detail := err.Error()

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		detail = fmt.Sprintf("%v", httpErr.Message)
	} else {
		status = statusFor(err)
	}

	if status == http.StatusInternalServerError {
		// Log the real error but never expose it to the client.
		slog.Error("internal server error", "path", c.Request().URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}

	writeProblem(c, status, detail)
}

// statusFor maps domain sentinels to HTTP statuses. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrMatchNotFound),
		errors.Is(err, coordinator.ErrRecordNotFound),
		errors.Is(err, ledger.ErrMatchNotFound),
		errors.Is(err, ledger.ErrAnchorNotFound),
		errors.Is(err, batch.ErrNotBatched),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidMove),
		errors.Is(err, rules.ErrUnknownGame),
		errors.Is(err, rules.ErrPlayerCount),
		errors.Is(err, ledger.ErrPlayerNotInMatch):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrMatchExists),
		errors.Is(err, ledger.ErrMatchFull),
		errors.Is(err, rules.ErrNoEngine),
		errors.Is(err, ledger.ErrNotPlayersTurn),
		errors.Is(err, ledger.ErrInvalidPhase),
		errors.Is(err, ledger.ErrBatchExists),
		errors.Is(err, rules.ErrIllegalMove),
		errors.Is(err, coordinator.ErrMatchEnded),
		errors.Is(err, coordinator.ErrMatchPaused),
		errors.Is(err, coordinator.ErrNotPlaying),
		errors.Is(err, coordinator.ErrNotJoinable),
		errors.Is(err, coordinator.ErrNotPaused),
		errors.Is(err, coordinator.ErrPendingMoves),
		errors.Is(err, coordinator.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrMatchClosed),
		errors.Is(err, batch.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeProblem writes an RFC 7807 response enriched with request context
// (trace_id from X-Request-ID, instance from the request URI).
func writeProblem(c echo.Context, status int, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://provenplay.dev/errors/%d", status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
		TraceID:  c.Response().Header().Get(echo.HeaderXRequestID),
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	_ = json.NewEncoder(c.Response()).Encode(problem)
}

package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/approval"
	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/runner"
)

// conflictBody is the 409 response payload: the current version (stale
// expectedVersion) or the structured policy block.
type conflictBody struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error"`
	CurrentVersion int    `json:"currentVersion,omitempty"`
	BlockReason    string `json:"blockReason,omitempty"`
}

// mapActionError converts orchestrator/runner errors to HTTP responses.
func mapActionError(c *echo.Context, err error) error {
	var conflict *approval.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, &conflictBody{
			Error:          "version conflict",
			CurrentVersion: conflict.CurrentVersion,
		})
	}

	var blocked *approval.PolicyError
	if errors.As(err, &blocked) {
		return c.JSON(http.StatusConflict, &conflictBody{
			Error:       blocked.Error(),
			BlockReason: blocked.Reason,
		})
	}

	var invalid *approval.ValidationError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadRequest, invalid.Message)
	}

	if errors.Is(err, approval.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	if errors.Is(err, runner.ErrRunActive) {
		return echo.NewHTTPError(http.StatusConflict, "a run is already active")
	}
	if errors.Is(err, runner.ErrNoActiveRun) {
		return echo.NewHTTPError(http.StatusConflict, "no active run")
	}

	slog.Error("Unexpected API error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

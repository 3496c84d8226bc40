package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/XALT-Inc/sotu-factcheck-prototype/pkg/models"
)

// StartRequest is the body of POST /start.
type StartRequest struct {
	YoutubeURL string `json:"youtubeUrl"`
}

// startHandler handles POST /start.
func (s *Server) startHandler(c *echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.YoutubeURL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "youtubeUrl is required")
	}

	run, err := s.controller.Start(req.YoutubeURL)
	if err != nil {
		if strings.Contains(err.Error(), "invalid source URL") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return mapActionError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"ok":    true,
		"runId": run.ID,
	})
}

// stopHandler handles POST /stop.
func (s *Server) stopHandler(c *echo.Context) error {
	if err := s.controller.Stop(); err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"running": s.controller.Running(),
	})
}

// listClaimsHandler handles GET /claims.
func (s *Server) listClaimsHandler(c *echo.Context) error {
	run := s.controller.ActiveRun()
	runID := s.claims.RunID()
	if run != nil {
		runID = run.ID
	}

	claims := s.claims.List()
	if claims == nil {
		claims = []*models.Claim{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"running": s.controller.Running(),
		"runId":   runID,
		"claims":  claims,
	})
}

// ActionRequest is the shared body of claim-mutation endpoints.
type ActionRequest struct {
	ExpectedVersion *int   `json:"expectedVersion"`
	Reason          string `json:"reason"`
	Tag             string `json:"tag"`
	Force           bool   `json:"force"`
	ForceNonce      string `json:"forceNonce"`
}

// bindAction parses and validates the common mutation body.
func bindAction(c *echo.Context) (string, *ActionRequest, error) {
	claimID := c.Param("id")
	if claimID == "" {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "claim id is required")
	}
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ExpectedVersion == nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "expectedVersion is required and must be an integer")
	}
	return claimID, &req, nil
}

// approveOutputHandler handles POST /claims/:id/approve-output.
func (s *Server) approveOutputHandler(c *echo.Context) error {
	claimID, req, err := bindAction(c)
	if err != nil {
		return err
	}

	claim, pkg, job, err := s.orch.ApproveOutput(c.Request().Context(), claimID, *req.ExpectedVersion)
	if err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"claim":     claim,
		"package":   pkg,
		"renderJob": job,
	})
}

// rejectOutputHandler handles POST /claims/:id/reject-output.
func (s *Server) rejectOutputHandler(c *echo.Context) error {
	claimID, req, err := bindAction(c)
	if err != nil {
		return err
	}

	claim, err := s.orch.RejectOutput(c.Request().Context(), claimID, *req.ExpectedVersion)
	if err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "claim": claim})
}

// generatePackageHandler handles POST /claims/:id/generate-package.
func (s *Server) generatePackageHandler(c *echo.Context) error {
	claimID, req, err := bindAction(c)
	if err != nil {
		return err
	}

	claim, pkg, err := s.orch.GeneratePackage(c.Request().Context(), claimID, *req.ExpectedVersion)
	if err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "claim": claim, "package": pkg})
}

// renderImageHandler handles POST /claims/:id/render-image.
func (s *Server) renderImageHandler(c *echo.Context) error {
	claimID, req, err := bindAction(c)
	if err != nil {
		return err
	}

	claim, pkg, job, err := s.orch.RenderImage(c.Request().Context(), claimID, *req.ExpectedVersion, req.Force, req.ForceNonce)
	if err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"ok":        true,
		"claim":     claim,
		"package":   pkg,
		"renderJob": job,
	})
}

// tagOverrideHandler handles POST /claims/:id/tag-override.
func (s *Server) tagOverrideHandler(c *echo.Context) error {
	claimID, req, err := bindAction(c)
	if err != nil {
		return err
	}

	claim, err := s.orch.TagOverride(c.Request().Context(), claimID, *req.ExpectedVersion, req.Tag, req.Reason)
	if err != nil {
		return mapActionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "claim": claim})
}

package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// screenshotSummaryHandler handles GET /screenshots/task/:id/summary.
func (s *Server) screenshotSummaryHandler(c *echo.Context) error {
	taskID := c.Param("id")
	summary, err := s.shots.Summary(taskID)
	if err != nil {
		// No terminal summary yet: fall back to the step listing.
		steps, stepsErr := s.shots.TaskSteps(taskID)
		if stepsErr != nil {
			return echo.NewHTTPError(http.StatusNotFound, "no screenshot data for task "+taskID)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"task_id": taskID,
			"steps":   steps,
		})
	}
	steps, _ := s.shots.TaskSteps(taskID)
	return c.JSON(http.StatusOK, map[string]any{
		"task_id": taskID,
		"summary": summary,
		"steps":   steps,
	})
}

// screenshotImageHandler handles
// GET /screenshots/task/:id/step/:n/image?thumb=… — a missing compressed
// size degrades to the next available one, down to the original.
func (s *Server) screenshotImageHandler(c *echo.Context) error {
	taskID := c.Param("id")
	stepIndex, err := strconv.Atoi(c.Param("n"))
	if err != nil || stepIndex < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step index")
	}

	size := c.QueryParam("size")
	if c.QueryParam("thumb") == "true" || c.QueryParam("thumb") == "1" {
		size = "thumb"
	}
	if size == "" {
		size = "medium"
	}

	path, err := s.shots.StepImage(taskID, stepIndex, size)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	// Absolute store paths bypass echo's cwd-rooted filesystem.
	http.ServeFile(c.Response(), c.Request(), path)
	return nil
}

// screenshotExportHandler handles POST /screenshots/task/:id/export.
func (s *Server) screenshotExportHandler(c *echo.Context) error {
	archive, err := s.shots.Export(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	c.Response().Header().Set("Content-Type", "application/gzip")
	c.Response().Header().Set("Content-Disposition",
		`attachment; filename="`+c.Param("id")+`.tar.gz"`)
	http.ServeFile(c.Response(), c.Request(), archive)
	return nil
}

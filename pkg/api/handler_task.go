package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/GaryChine-byte/phonefleet/pkg/models"
	"github.com/GaryChine-byte/phonefleet/pkg/scheduler"
	"github.com/GaryChine-byte/phonefleet/pkg/store"
)

// createTaskHandler handles POST /tasks: create, then start execution.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req CreateTaskRequest
	if err := bindStrict(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := s.scheduler.CreateTask(c.Request().Context(), scheduler.TaskSpec{
		Instruction: req.Instruction,
		DeviceID:    req.DeviceID,
		Model:       req.Model,
		KernelMode:  models.KernelMode(req.KernelMode),
	})
	if err != nil {
		return mapServiceError(err)
	}

	if err := s.scheduler.Execute(task.ID); err != nil {
		// The task stays pending; the caller can retry execution or cancel.
		return c.JSON(http.StatusAccepted, TaskResponse{
			Task:    taskView(task),
			Warning: "task created but not started: " + err.Error(),
		})
	}

	fresh, err := s.scheduler.Get(c.Request().Context(), task.ID)
	if err != nil {
		fresh = task
	}
	return c.JSON(http.StatusOK, TaskResponse{Task: taskView(fresh)})
}

// getTaskHandler handles GET /tasks/:id.
func (s *Server) getTaskHandler(c *echo.Context) error {
	task, err := s.scheduler.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, TaskResponse{Task: taskView(task)})
}

// listTasksHandler handles GET /tasks with limit/offset/status filters.
func (s *Server) listTasksHandler(c *echo.Context) error {
	filter := store.ListFilter{Limit: 50}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := c.QueryParam("status"); v != "" {
		switch models.TaskStatus(v) {
		case models.TaskPending, models.TaskRunning, models.TaskWaitingForUser,
			models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
			filter.Status = models.TaskStatus(v)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}
	filter.Device = c.QueryParam("device_id")

	tasks, err := s.scheduler.List(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(err)
	}
	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView(t))
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: views, Count: len(views)})
}

// cancelTaskHandler handles POST /tasks/:id/cancel.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	if err := s.scheduler.Cancel(c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

// answerTaskHandler handles POST /tasks/:id/answer: wakes an ask_user wait.
func (s *Server) answerTaskHandler(c *echo.Context) error {
	var req AnswerRequest
	if err := bindStrict(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Answer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "answer must not be empty")
	}
	if err := s.scheduler.Answer(c.Param("id"), req.Answer); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "answered"})
}

// taskView converts a task to its API shape.
func taskView(t *models.Task) *TaskView {
	return &TaskView{Task: t}
}

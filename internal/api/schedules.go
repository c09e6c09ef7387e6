package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/schema"
)

type createScheduleBody struct {
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	Workflow       json.RawMessage `json:"workflow"`
	Inputs         map[string]any  `json:"inputs"`
	ExperimentID   string          `json:"experiment_id"`
	Enabled        *bool           `json:"enabled"`
}

func (s *Server) listSchedules(c echo.Context) error {
	jobs, err := s.scheduler.ListJobs(c.Request().Context(), store.ScheduledJobFilter{})
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*store.ScheduledJob{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (s *Server) createSchedule(c echo.Context) error {
	var body createScheduleBody
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode request body").WithCause(err)
	}
	if len(body.Workflow) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow is required")
	}
	def, err := workcell.ParseWorkflow(body.Workflow)
	if err != nil {
		return err
	}
	job := &store.ScheduledJob{
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Definition:     *def,
		Inputs:         body.Inputs,
		ExperimentID:   body.ExperimentID,
		Enabled:        body.Enabled == nil || *body.Enabled,
	}
	if err := s.scheduler.CreateJob(c.Request().Context(), job); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (s *Server) setScheduleEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.scheduler.SetEnabled(c.Request().Context(), c.Param("id"), enabled); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.scheduler.DeleteJob(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

package web

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/xid"
	"github.com/skickahq/skicka"
	"github.com/skickahq/skicka/internal/dao"
	"github.com/skickahq/skicka/internal/dispatch"
)

// enqueue accepts one submission and inserts one pending record per
// recipient, all sharing a batch id. The dispatcher picks them up on its next
// cycle; nothing is sent inline.
func (s *Server) enqueue(c echo.Context) error {
	var email skicka.Email
	err := c.Bind(&email)
	if err != nil {
		return c.String(http.StatusBadRequest, "could not parse body")
	}

	err = email.Valid()
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	_, err = s.db.GetTenant(email.TenantId)
	if errors.Is(err, sql.ErrNoRows) {
		return c.String(http.StatusNotFound, "unknown tenant")
	}
	if err != nil {
		s.log.WithError(err).Error("could not load tenant")
		return c.String(http.StatusInternalServerError, "could not load tenant")
	}

	priority := email.Priority
	if priority == "" {
		priority = skicka.PriorityNormal
	}

	batchId := uuid.NewString()
	var records []dao.Email
	var ids []string
	for _, to := range email.To {
		id := xid.New().String()
		ids = append(ids, id)
		records = append(records, dao.Email{
			Id:           id,
			BatchId:      batchId,
			TenantId:     email.TenantId,
			To:           to,
			Subject:      email.Subject,
			HTML:         email.HTML,
			Text:         email.Text,
			FromName:     email.FromName,
			Status:       dao.StatusPending,
			Priority:     string(priority),
			MaxAttempts:  dao.DefaultMaxAttempts,
			ScheduledFor: email.ScheduledFor,
		})
	}

	err = s.db.AddEmails(records)
	if err != nil {
		s.log.WithError(err).Error("could not enqueue emails")
		return c.String(http.StatusInternalServerError, "could not enqueue emails")
	}

	s.log.WithField("tenant", email.TenantId).Infof("enqueued %d emails in batch %s", len(records), batchId)
	return c.JSON(http.StatusOK, skicka.Receipt{BatchId: batchId, Ids: ids})
}

func (s *Server) listEmails(c echo.Context) error {
	status := c.QueryParam("status")
	tenantId := c.QueryParam("tenant")

	page := 0
	err := echo.QueryParamsBinder(c).Int("page", &page).BindError()
	if err != nil || page < 0 {
		return c.String(http.StatusBadRequest, "page must be a non negative integer")
	}

	size := 50
	err = echo.QueryParamsBinder(c).Int("page_size", &size).BindError()
	if err != nil || size < 1 || size > 200 {
		return c.String(http.StatusBadRequest, "page_size must be between 1 and 200")
	}

	emails, err := s.db.ListEmails(status, tenantId, size, page*size)
	if err != nil {
		s.log.WithError(err).Error("could not list emails")
		return c.String(http.StatusInternalServerError, "could not list emails")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"page":      page,
		"page_size": size,
		"emails":    emails,
	})
}

func (s *Server) getEmail(c echo.Context) error {
	id := c.Param("id")

	email, err := s.db.GetEmail(id)
	if errors.Is(err, sql.ErrNoRows) {
		return c.String(http.StatusNotFound, "no such email")
	}
	if err != nil {
		s.log.WithError(err).Error("could not load email")
		return c.String(http.StatusInternalServerError, "could not load email")
	}

	entries, err := s.db.GetEmailLog(id)
	if err != nil {
		s.log.WithError(err).Error("could not load email log")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"email": email,
		"log":   entries,
	})
}

func (s *Server) workerStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, skicka.WorkerStatus{Running: s.engine.Running(), CycleInFlight: s.engine.CycleInFlight()})
}

func (s *Server) workerStart(c echo.Context) error {
	s.engine.Start()
	return c.JSON(http.StatusOK, skicka.WorkerStatus{Running: s.engine.Running(), CycleInFlight: s.engine.CycleInFlight()})
}

func (s *Server) workerStop(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	err := s.engine.Stop(ctx)
	if err != nil {
		s.log.WithError(err).Error("could not stop dispatcher")
		return c.String(http.StatusInternalServerError, "could not stop dispatcher")
	}
	return c.JSON(http.StatusOK, skicka.WorkerStatus{Running: s.engine.Running(), CycleInFlight: s.engine.CycleInFlight()})
}

// workerProcess runs exactly one synchronous cycle, the operational
// unsticking path. A cycle already in flight yields a conflict rather than a
// queued-up second cycle.
func (s *Server) workerProcess(c echo.Context) error {
	err := s.engine.Cycle()
	if errors.Is(err, dispatch.ErrBusy) {
		return c.String(http.StatusConflict, err.Error())
	}
	if err != nil {
		s.log.WithError(err).Error("manual dispatch cycle failed")
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"processed": true})
}

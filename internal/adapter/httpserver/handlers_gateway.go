package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	apperrors "github.com/YoussefKamal098/note-verse-sub001/internal/platform/errors"
)

// maxBatchSize bounds one POST /internal/notifications request.
const maxBatchSize = 500

func (s *Server) registerGatewayRoutes() {
	s.echo.GET("/gateway/metrics", s.handleGatewayMetrics)
	s.echo.GET("/gateway/cluster", s.handleClusterHealth)
}

func (s *Server) registerInternalRoutes() {
	internal := s.echo.Group("/internal", s.internalAuth())
	internal.POST("/notifications", s.handleEmitNotifications)
}

func (s *Server) handleGatewayMetrics(c echo.Context) error {
	if err := c.JSON(http.StatusOK, s.gateway.GetMetrics()); err != nil {
		return fmt.Errorf("failed to write gateway metrics: %w", err)
	}
	return nil
}

func (s *Server) handleClusterHealth(c echo.Context) error {
	health := s.gateway.GetClusterHealth(c.Request().Context())

	status := http.StatusOK
	if health.Status == broker.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, health); err != nil {
		return fmt.Errorf("failed to write cluster health: %w", err)
	}
	return nil
}

type notificationRequest struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *time.Time      `json:"createdAt"`
}

type emitRequest struct {
	Notifications []notificationRequest `json:"notifications"`
	// FailFast stops at the first failing notification instead of reporting
	// a result for each one.
	FailFast bool `json:"failFast"`
}

type emitResult struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Published bool   `json:"published"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleEmitNotifications(c echo.Context) error {
	var req emitRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}

	notifications, err := toNotifications(req.Notifications)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if req.FailFast {
		if err := s.notifier.EmitBatch(ctx, notifications); err != nil {
			return apperrors.UnavailableError("failed to emit notifications", err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	}

	if len(notifications) == 1 {
		n := notifications[0]
		if err := s.notifier.EmitToUser(ctx, n.UserID, n); err != nil {
			return apperrors.UnavailableError("failed to emit notification", err).WithField("notification_id", n.ID)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	}

	results := s.notifier.EmitEach(ctx, notifications)
	response := make([]emitResult, 0, len(results))
	for _, r := range results {
		item := emitResult{ID: r.NotificationID, UserID: r.UserID, Published: r.Published}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		response = append(response, item)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": response})
}

func toNotifications(reqs []notificationRequest) ([]domain.Notification, error) {
	if len(reqs) == 0 {
		return nil, apperrors.ValidationError("notifications must not be empty")
	}
	if len(reqs) > maxBatchSize {
		return nil, apperrors.ValidationError(fmt.Sprintf("at most %d notifications per request", maxBatchSize))
	}

	out := make([]domain.Notification, 0, len(reqs))
	for i, r := range reqs {
		if r.ID == "" || r.UserID == "" || r.Type == "" {
			return nil, apperrors.ValidationError("id, userId and type are required").WithField("index", i)
		}
		if !domain.ValidRoom(domain.UserRoom(r.UserID)) {
			return nil, apperrors.ValidationError("invalid userId").WithField("index", i)
		}
		createdAt := time.Now().UTC()
		if r.CreatedAt != nil {
			createdAt = *r.CreatedAt
		}
		out = append(out, domain.Notification{
			ID:        r.ID,
			UserID:    r.UserID,
			Type:      r.Type,
			Payload:   r.Payload,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// Publisher sends a payload on a broker channel. *broker.Pool implements it.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// EmitResult is the outcome of one notification in EmitEach.
type EmitResult struct {
	NotificationID string
	UserID         string
	Published      bool
	Err            error
}

// Notifier is the producer-side entry point for notifications. It only
// publishes for users that are online somewhere in the cluster; offline users
// are skipped and nothing is queued for them.
type Notifier struct {
	presence  domain.PresenceStore
	publisher Publisher
	metrics   *metrics.GatewayMetrics
}

func NewNotifier(presence domain.PresenceStore, publisher Publisher, m *metrics.GatewayMetrics) *Notifier {
	return &Notifier{presence: presence, publisher: publisher, metrics: m}
}

// EmitToUser publishes n to userID's room if the user is online. Presence and
// publish errors are returned.
func (n *Notifier) EmitToUser(ctx context.Context, userID string, notification domain.Notification) error {
	_, err := n.emit(ctx, userID, notification)
	return err
}

func (n *Notifier) emit(ctx context.Context, userID string, notification domain.Notification) (bool, error) {
	online, err := n.presence.IsOnline(ctx, userID)
	if err != nil {
		n.metrics.Notifications.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("failed to check presence of %s: %w", userID, err)
	}
	if !online {
		n.metrics.Notifications.WithLabelValues("skipped_offline").Inc()
		slog.DebugContext(ctx, "Skipping notification for offline user", "user_id", userID, "notification_id", notification.ID)
		return false, nil
	}

	data, err := json.Marshal(notification.Project())
	if err != nil {
		n.metrics.Notifications.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("failed to encode notification %s: %w", notification.ID, err)
	}
	payload, err := domain.EncodeEvent(domain.FanoutEvent{
		Type:  domain.EventTypeNotification,
		Event: domain.EventNewNotification,
		Room:  domain.UserRoom(userID),
		Data:  data,
	})
	if err != nil {
		n.metrics.Notifications.WithLabelValues("failed").Inc()
		return false, err
	}

	if err := n.publisher.Publish(ctx, domain.FanoutChannel, payload); err != nil {
		n.metrics.Notifications.WithLabelValues("failed").Inc()
		return false, err
	}
	n.metrics.Notifications.WithLabelValues("published").Inc()
	return true, nil
}

// EmitBatch emits each notification to its UserID in order. The first error
// aborts the rest of the batch; earlier publishes are not undone.
func (n *Notifier) EmitBatch(ctx context.Context, notifications []domain.Notification) error {
	for _, notification := range notifications {
		if err := n.EmitToUser(ctx, notification.UserID, notification); err != nil {
			return err
		}
	}
	return nil
}

// EmitEach emits every notification in order regardless of earlier failures
// and reports one result per notification.
func (n *Notifier) EmitEach(ctx context.Context, notifications []domain.Notification) []EmitResult {
	results := make([]EmitResult, 0, len(notifications))
	for _, notification := range notifications {
		published, err := n.emit(ctx, notification.UserID, notification)
		if err != nil {
			slog.WarnContext(ctx, "Notification emit failed", "user_id", notification.UserID, "notification_id", notification.ID, "error", err)
		}
		results = append(results, EmitResult{
			NotificationID: notification.ID,
			UserID:         notification.UserID,
			Published:      published,
			Err:            err,
		})
	}
	return results
}

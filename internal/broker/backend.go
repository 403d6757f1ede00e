package broker

import "context"

// Role names one of the pool's broker links.
type Role string

const (
	RoleBase       Role = "base"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleWorker     Role = "worker"
)

// Backend is one physical broker connection.
type Backend interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns once the broker has confirmed the subscription.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// BackendFactory creates a fresh backend for role. Every role is a clone of
// the same credentialed base configuration.
type BackendFactory func(role Role) Backend

// Subscription delivers messages in arrival order. ReceiveMessage fails once
// the subscription is closed.
type Subscription interface {
	ReceiveMessage(ctx context.Context) (Message, error)
	Close() error
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// ClusterProber runs the probes used by HealthMonitor.
type ClusterProber interface {
	Ping(ctx context.Context) error
	// ClusterInfo returns the raw CLUSTER INFO text.
	ClusterInfo(ctx context.Context) (string, error)
}

// Package broker owns the gateway's connections to the shared pub/sub broker.
//
// Pool manages the base link plus the publisher, subscriber and worker links,
// HealthMonitor probes the cluster and holds the degraded-mode flag, Bridge
// consumes the fan-out channel and RoomAdapter relays room broadcasts between
// gateway processes. The package is backend-agnostic; adapter/redis provides
// the Redis implementation of Backend and ClusterProber.
package broker

package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClusterDownMarker is the substring brokers put in errors raised while the
// cluster cannot serve requests.
const ClusterDownMarker = "CLUSTERDOWN"

var ErrLinkClosed = errors.New("broker link closed")

// ErrorClass is the pool's classification of a broker error.
type ErrorClass string

const (
	ClassClusterDown ErrorClass = "cluster_down"
	ClassOther       ErrorClass = "other"
)

func classify(err error) ErrorClass {
	if err != nil && strings.Contains(err.Error(), ClusterDownMarker) {
		return ClassClusterDown
	}
	return ClassOther
}

// ConnectionTimeoutError is returned when a link does not become ready in time.
type ConnectionTimeoutError struct {
	Role    Role
	Timeout time.Duration
}

func (e *ConnectionTimeoutError) Error() string {
	return fmt.Sprintf("%s connection not ready after %s", e.Role, e.Timeout)
}

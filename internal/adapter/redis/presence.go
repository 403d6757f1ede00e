package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// PresenceStore tracks which connections each user holds across every
// gateway node. Each user has one hash mapping connection id to node id.
type PresenceStore struct {
	rdb       *goredis.Client
	namespace string
	nodeID    string
	ttl       time.Duration
	cache     *ttlcache.Cache[string, bool]
}

var _ domain.PresenceStore = (*PresenceStore)(nil)

// NewPresenceStore creates a store whose keys expire ttl after the last add.
// A cacheTTL of zero disables the local IsOnline cache.
func NewPresenceStore(rdb *goredis.Client, namespace, nodeID string, ttl, cacheTTL time.Duration) *PresenceStore {
	s := &PresenceStore{rdb: rdb, namespace: namespace, nodeID: nodeID, ttl: ttl}
	if cacheTTL > 0 {
		s.cache = ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](cacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		)
	}
	return s
}

func (s *PresenceStore) key(userID string) string {
	return s.namespace + ":presence:user:" + userID
}

// IsOnline reports whether userID holds a connection on any node. Only
// positive answers are cached, since another node may connect the user at
// any time.
func (s *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	if s.cache != nil {
		if item := s.cache.Get(userID); item != nil {
			return item.Value(), nil
		}
	}

	n, err := s.rdb.HLen(ctx, s.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}

	online := n > 0
	if online && s.cache != nil {
		s.cache.Set(userID, online, ttlcache.DefaultTTL)
	}
	return online, nil
}

func (s *PresenceStore) Add(ctx context.Context, userID, connectionID string) error {
	key := s.key(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, connectionID, s.nodeID)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add presence for %s: %w", userID, err)
	}
	s.invalidate(userID)
	return nil
}

func (s *PresenceStore) Remove(ctx context.Context, userID, connectionID string) error {
	if err := s.rdb.HDel(ctx, s.key(userID), connectionID).Err(); err != nil {
		return fmt.Errorf("failed to remove presence for %s: %w", userID, err)
	}
	s.invalidate(userID)
	return nil
}

// connections returns the user's connection ids mapped to the node holding
// each one.
func (s *PresenceStore) connections(ctx context.Context, userID string) (map[string]string, error) {
	conns, err := s.rdb.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence for %s: %w", userID, err)
	}
	return conns, nil
}

func (s *PresenceStore) invalidate(userID string) {
	if s.cache != nil {
		s.cache.Delete(userID)
	}
}

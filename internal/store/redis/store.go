package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
	"github.com/MrSnakeDoc/httpdsync/internal/utils"
	"github.com/redis/go-redis/v9"
)

// DefaultConcurrencyTTL is how long a concurrency report stays readable
const DefaultConcurrencyTTL = 5 * time.Minute

// Store handles Redis operations for stashes, concurrency reports and
// change notifications
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
	}
}

// PutStash stores the predisable bytes of a virtual host unless a stash
// already exists. It reports whether data was stored.
func (s *Store) PutStash(ctx context.Context, site, vhost string, data []byte) (bool, error) {
	ok, err := s.client.SetNX(ctx, StashKey(site, vhost), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to save stash: %w", err)
	}
	return ok, nil
}

// GetStash retrieves the stash of a virtual host
func (s *Store) GetStash(ctx context.Context, site, vhost string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, StashKey(site, vhost)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get stash: %w", err)
	}
	return data, true, nil
}

// DeleteStash removes the stash of a virtual host
func (s *Store) DeleteStash(ctx context.Context, site, vhost string) error {
	if err := s.client.Del(ctx, StashKey(site, vhost)).Err(); err != nil {
		return fmt.Errorf("failed to delete stash: %w", err)
	}
	return nil
}

// SaveConcurrency stores an instance's latest concurrency report
func (s *Store) SaveConcurrency(ctx context.Context, rep service.Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := s.client.Set(ctx, ConcurrencyKey(rep.Instance), data, DefaultConcurrencyTTL).Err(); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetConcurrency retrieves an instance's latest report, if still fresh
func (s *Store) GetConcurrency(ctx context.Context, instance string) (*service.Report, bool, error) {
	data, err := s.client.Get(ctx, ConcurrencyKey(instance)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get report: %w", err)
	}
	var rep service.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &rep, true, nil
}

// PublishChange announces that an entity table changed
func (s *Store) PublishChange(ctx context.Context, table string) error {
	if err := s.client.Publish(ctx, ChangesChannel, table).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Changes subscribes to change notifications until ctx is done. The returned
// channel is closed when the subscription ends.
func (s *Store) Changes(ctx context.Context, log logger.Logger) <-chan domain.Change {
	out := make(chan domain.Change, 1)
	sub := s.client.Subscribe(ctx, ChangesChannel)
	go func() {
		defer close(out)
		defer utils.MustClose(sub, log)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- domain.Change{Table: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Ping checks the connection, used by readiness probes
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

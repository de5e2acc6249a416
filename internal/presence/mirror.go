package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/ingest"
)

// Commands is the small subset of Redis operations the mirror needs; the
// consumer tests fake it.
type Commands interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisCommands struct{ c *redis.Client }

func NewRedisCommands(c *redis.Client) Commands { return &redisCommands{c: c} }

func (r *redisCommands) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.c.SAdd(ctx, key, args...).Err()
}

func (r *redisCommands) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.c.SRem(ctx, key, args...).Err()
}

func (r *redisCommands) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// Mirror projects dispatch journal events into Redis so dashboards can query
// per-stand presence and request outcomes without touching Postgres.
type Mirror struct {
	cmds Commands
}

func NewMirror(cmds Commands) *Mirror { return &Mirror{cmds: cmds} }

func (m *Mirror) Apply(ctx context.Context, ev ingest.JournalEvent) error {
	switch ev.Kind {
	case ingest.KindDriverOnline:
		if err := m.cmds.SAdd(ctx, standKey(ev.TaxiStandID), ev.DriverID); err != nil {
			return err
		}
		return m.cmds.HSet(ctx, driverKey(ev.DriverID), map[string]interface{}{
			"online": "true", "stand_id": ev.TaxiStandID, "updated": ev.At.Format(time.RFC3339),
		})
	case ingest.KindDriverOffline:
		if err := m.cmds.SRem(ctx, standKey(ev.TaxiStandID), ev.DriverID); err != nil {
			return err
		}
		return m.cmds.HSet(ctx, driverKey(ev.DriverID), map[string]interface{}{
			"online": "false", "updated": ev.At.Format(time.RFC3339),
		})
	case ingest.KindRequestCreated, ingest.KindRequestAccepted, ingest.KindRequestRejected:
		return m.cmds.HSet(ctx, requestKey(ev.RequestID), map[string]interface{}{
			"kind": ev.Kind, "driver_id": ev.DriverID, "stand_id": ev.TaxiStandID, "updated": ev.At.Format(time.RFC3339),
		})
	default:
		return fmt.Errorf("presence: unknown journal kind %q", ev.Kind)
	}
}

// ApplyWithRetry retries transient Redis failures with exponential backoff.
func ApplyWithRetry(ctx context.Context, m *Mirror, ev ingest.JournalEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = m.Apply(ctx, ev); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func standKey(standID string) string { return "stand:" + standID + ":drivers" }
func driverKey(id string) string     { return "driver:presence:" + id }
func requestKey(id string) string    { return "request:status:" + id }

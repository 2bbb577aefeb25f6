package status

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-redis/redis/v8"
	"github.com/tass-io/langworker/pkg/dispatcher"
)

// KeyPrefix prefixes the status hash of every host
const KeyPrefix = "langworker:status:"

// RedisSink keeps one hash per host, one field per runtime
type RedisSink struct {
	client *redis.Client
	// ttl expires the hash of a host that stopped reporting
	ttl time.Duration
}

var _ Pinger = &RedisSink{}

func NewRedisSink(addr, password string, db int, ttl time.Duration) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     password,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
		ttl: ttl,
	}
}

// Key is the hash of the host
func Key(host string) string {
	return KeyPrefix + host
}

// fields encodes every snapshot as JSON, keyed by runtime
func fields(snapshots map[string]dispatcher.Snapshot) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(snapshots))
	for runtime, snapshot := range snapshots {
		data, err := sonic.MarshalString(snapshot)
		if err != nil {
			return nil, err
		}
		values[runtime] = data
	}
	return values, nil
}

func (r *RedisSink) Write(ctx context.Context, host string, snapshots map[string]dispatcher.Snapshot) error {
	values, err := fields(snapshots)
	if err != nil {
		return err
	}
	key := Key(host)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Ping checks the connection
func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

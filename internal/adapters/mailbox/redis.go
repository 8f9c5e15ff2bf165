package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/go-redis/redis/v9"
)

// RedisConfig configures the Redis mailbox.
type RedisConfig struct {
	Addrs []string
	DB    int
	// Namespace prefixes every key and names the notification channel.
	Namespace string
	// TTL expires unread feedback; zero keeps it until deleted.
	TTL time.Duration
}

// Redis is a mailbox shared by every process pointing at the same Redis.
// Writes are announced on a pub/sub channel so waiting gates can poll early.
type Redis struct {
	client    rd.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, conf RedisConfig) (*Redis, error) {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
		DB:    conf.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %v: %w", conf.Addrs, err)
	}
	return NewRedisWithClient(client, conf.Namespace, conf.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client rd.UniversalClient, namespace string, ttl time.Duration) *Redis {
	if namespace == "" {
		namespace = "deepinsight"
	}
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.namespace + ":mailbox:" + k
}

func (r *Redis) channel() string {
	return r.namespace + ":mailbox:writes"
}

// Put stores payload under key and announces the write.
func (r *Redis) Put(ctx context.Context, key string, payload []byte) error {
	if err := r.client.Set(ctx, r.key(key), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, r.channel(), key).Err(); err != nil {
		return fmt.Errorf("announcing %s: %w", key, err)
	}
	return nil
}

// Get returns the payload stored under key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return payload, true, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Watch delivers keys announced by Put, from any process, until ctx ends.
func (r *Redis) Watch(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", r.channel(), err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer sub.Close()
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
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

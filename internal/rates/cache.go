package rates

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source is anything that can produce a live rate for a currency pair.
type Source interface {
	Rate(ctx context.Context, source, target string) (float64, error)
}

// RedisCache stores rates per currency pair with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "rate:", ttl: ttl}, nil
}

func (c *RedisCache) key(source, target string) string {
	return c.prefix + strings.ToUpper(source) + ":" + strings.ToUpper(target)
}

// Get returns a cached rate, reporting a miss for absent or expired pairs.
func (c *RedisCache) Get(ctx context.Context, source, target string) (float64, bool) {
	raw, err := c.client.Get(ctx, c.key(source, target)).Result()
	if err == redis.Nil {
		return 0, false
	}
	if err != nil {
		log.Printf("rates: redis get %s/%s: %v", source, target, err)
		return 0, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Put stores a rate with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, source, target string, rate float64) {
	value := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := c.client.Set(ctx, c.key(source, target), value, c.ttl).Err(); err != nil {
		log.Printf("rates: redis put %s/%s: %v", source, target, err)
	}
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

type memoryEntry struct {
	rate      float64
	expiresAt time.Time
}

// Service is the facade callers use: Redis first when configured, then an
// in-process map, then the live rate service. A redis outage is logged and
// absorbed, never propagated.
type Service struct {
	source Source
	redis  *RedisCache
	ttl    time.Duration

	mu     sync.Mutex
	memory map[string]memoryEntry
}

// NewService creates the rate facade. redisCache may be nil when Redis is not
// configured.
func NewService(source Source, redisCache *RedisCache, ttl time.Duration) *Service {
	return &Service{
		source: source,
		redis:  redisCache,
		ttl:    ttl,
		memory: make(map[string]memoryEntry),
	}
}

// Rate resolves a currency-pair rate through the cache layers.
func (s *Service) Rate(ctx context.Context, source, target string) (float64, error) {
	pair := strings.ToUpper(source) + ":" + strings.ToUpper(target)

	if s.redis != nil {
		if rate, ok := s.redis.Get(ctx, source, target); ok {
			return rate, nil
		}
	}

	s.mu.Lock()
	entry, ok := s.memory[pair]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rate, nil
	}

	rate, err := s.source.Rate(ctx, source, target)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.memory[pair] = memoryEntry{rate: rate, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	if s.redis != nil {
		s.redis.Put(ctx, source, target, rate)
	}
	return rate, nil
}

// Ping reports Redis reachability; a nil redis cache is always healthy.
func (s *Service) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx)
}

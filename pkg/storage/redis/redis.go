package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"resilient-client/pkg/storage"

	"github.com/redis/rueidis"
)

// Store is a storage.Backend backed by Redis through rueidis. Every key is
// stored under Config.KeyPrefix so several applications can share a database.
type Store struct {
	client rueidis.Client
	config Config
}

// Config holds Redis connection settings.
type Config struct {
	Name string
	// Addr is the server address for single node mode.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the database number. Cluster mode only supports DB 0.
	DB        int
	KeyPrefix string
	// TTL, when positive, is applied with SET EX so Redis drops entries the
	// offline cache would treat as expired anyway.
	TTL          time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ScanCount is the COUNT hint passed to SCAN when listing keys.
	ScanCount int64
	// Sentinel configuration for high availability
	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string
}

// DefaultConfig returns settings for a local single node server.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "rc:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		ScanCount:    100,
	}
}

// New connects to Redis and verifies the connection with PING.
func New(config Config) (*Store, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	opts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		opts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &Store{client: client, config: config}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	resp := s.client.Do(ctx, s.client.B().Get().Key(s.config.KeyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}

	value, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("redis get: failed to read response: %w", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	fullKey := s.config.KeyPrefix + key
	var cmd rueidis.Completed
	if s.config.TTL > 0 {
		cmd = s.client.B().Set().Key(fullKey).Value(value).Ex(s.config.TTL).Build()
	} else {
		cmd = s.client.B().Set().Key(fullKey).Value(value).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.config.KeyPrefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("redis remove: %w", err)
	}
	return nil
}

// RemoveMulti deletes all keys with a single DEL.
func (s *Store) RemoveMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	fullKeys := make([]string, len(keys))
	for i, key := range keys {
		fullKeys[i] = s.config.KeyPrefix + key
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(fullKeys...).Build()).Error(); err != nil {
		return fmt.Errorf("redis batch remove: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so large databases are never blocked by KEYS.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapePattern(s.config.KeyPrefix+prefix) + "*"
	prefixLen := len(s.config.KeyPrefix)

	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(s.config.ScanCount).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("redis keys: %w", err)
		}

		// SCAN may return a key more than once
		for _, k := range entry.Elements {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k[prefixLen:])
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (s *Store) Name() string {
	return s.config.Name
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// escapePattern quotes glob metacharacters so a prefix is matched literally.
func escapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	_ storage.Backend      = (*Store)(nil)
	_ storage.BatchRemover = (*Store)(nil)
)

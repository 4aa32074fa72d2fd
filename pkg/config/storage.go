package config

import (
	"context"
	"fmt"

	"resilient-client/pkg/logging"
	"resilient-client/pkg/metrics"
	"resilient-client/pkg/storage"
	"resilient-client/pkg/storage/bloom"
	memstore "resilient-client/pkg/storage/memory"
	"resilient-client/pkg/storage/redis"
	"resilient-client/pkg/storage/resilient"
	"resilient-client/pkg/storage/sqlstore"
	"resilient-client/pkg/storage/tiered"

	"go.uber.org/zap"
)

// OpenStorage builds the offline cache backend described by sc. Remote and
// file backends are wrapped in a resilient.Store; with Tiered set an
// in-process tier is put in front of them, and with Bloom set reads of keys
// never written skip the backend.
func OpenStorage(ctx context.Context, sc StorageConfig, logger *logging.Logger, collector metrics.Collector) (storage.Backend, error) {
	logger = logging.Component(logger, "storage")
	collector = metrics.OrNoOp(collector)

	var persistent storage.Backend
	switch sc.Driver {
	case DriverMemory, "":
		return memstore.New(memstore.Config{MaxEntries: sc.MaxEntries}), nil

	case DriverSQLite, DriverPostgres:
		c := sqlstore.DefaultConfig()
		c.Name = sc.Driver
		c.Dialect = sqlstore.Dialect(sc.Driver)
		if sc.DSN != "" {
			c.DSN = sc.DSN
		}
		if sc.Table != "" {
			c.Table = sc.Table
		}
		s, err := sqlstore.New(c)
		if err != nil {
			return nil, fmt.Errorf("config: open %s storage: %w", sc.Driver, err)
		}
		persistent = s

	case DriverRedis:
		c := redis.DefaultConfig()
		c.Addr = sc.Addr
		c.Password = sc.Password
		c.DB = sc.DB
		if sc.KeyPrefix != "" {
			c.KeyPrefix = sc.KeyPrefix
		}
		s, err := redis.New(c)
		if err != nil {
			return nil, fmt.Errorf("config: open redis storage: %w", err)
		}
		persistent = s

	default:
		return nil, fmt.Errorf("config: unknown storage driver %q", sc.Driver)
	}

	if sc.Bloom {
		filtered := bloom.New(persistent, sc.BloomItems, sc.BloomFPRate)
		if err := filtered.Seed(ctx); err != nil {
			// Unseeded filters pass every read through.
			logger.Warn("bloom filter seed failed", zap.Error(err))
		}
		persistent = filtered
	}

	if sc.Tiered {
		front := memstore.New(memstore.Config{Name: "memory", MaxEntries: sc.MaxEntries})
		t, err := tiered.New([]storage.Backend{front, persistent},
			tiered.WithLogger(logger), tiered.WithMetrics(collector))
		if err != nil {
			persistent.Close()
			return nil, fmt.Errorf("config: build tiered storage: %w", err)
		}
		return t, nil
	}

	rc := resilient.DefaultConfig()
	if sc.OperationTimeout > 0 {
		rc = rc.WithTimeout(sc.OperationTimeout)
	}
	return resilient.New(persistent, rc,
		resilient.WithLogger(logger), resilient.WithMetrics(collector)), nil
}

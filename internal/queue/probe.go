package queue

import (
	"context"
	"time"

	"proofpipe/internal/cache"
	"proofpipe/internal/db"

	"go.uber.org/zap"
)

const probeKey = "proof_queue_table_exists"

// TableProbe answers "does the durable table exist" through two cache
// layers: a short-lived in-process value in front of a longer-lived
// persisted transient, in front of a real schema probe
type TableProbe struct {
	db         *db.DB
	transients *db.Transients
	local      *cache.TTL[bool]
	persistTTL time.Duration
	table      string
	logger     *zap.Logger
}

// NewTableProbe creates a probe for table
func NewTableProbe(database *db.DB, transients *db.Transients, table string, localTTL, persistTTL time.Duration, logger *zap.Logger) *TableProbe {
	return &TableProbe{
		db:         database,
		transients: transients,
		local:      cache.NewTTL[bool](localTTL),
		persistTTL: persistTTL,
		table:      table,
		logger:     logger,
	}
}

// Exists returns the cached answer, probing only on a miss in both layers
func (p *TableProbe) Exists(ctx context.Context) (bool, error) {
	if v, ok := p.local.Get(probeKey); ok {
		return v, nil
	}

	if v, ok, err := p.transients.Get(ctx, probeKey); err == nil && ok {
		exists := v == "1"
		p.local.Set(probeKey, exists)
		return exists, nil
	}

	return p.Confirm(ctx)
}

// Confirm probes the schema directly and refreshes both cache layers
func (p *TableProbe) Confirm(ctx context.Context) (bool, error) {
	exists, err := p.db.TableExists(ctx, p.table)
	if err != nil {
		return false, err
	}

	p.local.Set(probeKey, exists)
	value := "0"
	if exists {
		value = "1"
	}
	if err := p.transients.Set(ctx, probeKey, value, p.persistTTL); err != nil {
		p.logger.Warn("Failed to persist table probe", zap.Error(err))
	}
	return exists, nil
}

// Invalidate drops both cache layers
func (p *TableProbe) Invalidate(ctx context.Context) {
	p.local.Delete(probeKey)
	if err := p.transients.Delete(ctx, probeKey); err != nil {
		p.logger.Warn("Failed to clear table probe", zap.Error(err))
	}
}

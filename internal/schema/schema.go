package schema

import (
	"context"
	"embed"
	"fmt"

	"proofpipe/internal/db"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// QueueTable is the durable proof queue table created by Activate
const QueueTable = "proof_queue"

// Manager owns the persisted structure of the pipeline
type Manager struct {
	db     *db.DB
	logger *zap.Logger
}

// NewManager creates a schema manager
func NewManager(database *db.DB, logger *zap.Logger) *Manager {
	return &Manager{db: database, logger: logger}
}

// EnsureCore creates the options, transients and images tables
func (m *Manager) EnsureCore(ctx context.Context) error {
	return m.apply(ctx, "core.sql")
}

// Activate idempotently (re)creates the durable queue table
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.apply(ctx, "proof_queue.sql"); err != nil {
		return err
	}
	m.logger.Info("Proof queue schema activated", zap.String("table", QueueTable))
	return nil
}

func (m *Manager) apply(ctx context.Context, name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	return m.db.Write(ctx, func(ctx context.Context) error {
		if _, err := m.db.Conn().ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		return nil
	})
}

package db

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository handles database operations for the outreach pipeline.
// Methods are split by table across leads.go, runs.go, campaigns.go,
// sends.go, usage.go, suppression.go and templates.go.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

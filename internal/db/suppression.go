package db

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// IsSuppressed reports whether any email matches an email entry or any domain
// matches a domain entry. Values are compared lower-cased.
func (r *Repository) IsSuppressed(ctx context.Context, emails, domains []string) (bool, error) {
	if len(emails) == 0 && len(domains) == 0 {
		return false, nil
	}

	query := `
		SELECT EXISTS (
			SELECT 1 FROM suppression_entries
			WHERE (kind = $1 AND value = ANY($2::text[]))
			   OR (kind = $3 AND value = ANY($4::text[]))
		)
	`

	var suppressed bool
	err := r.db.Pool().QueryRow(ctx, query,
		SuppressEmail, lowerAll(emails), SuppressDomain, lowerAll(domains),
	).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("query suppression: %w", err)
	}
	return suppressed, nil
}

// AddSuppression records an entry; an existing identical entry is kept.
func (r *Repository) AddSuppression(ctx context.Context, kind, value, reason string) error {
	query := `
		INSERT INTO suppression_entries (kind, value, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, value) DO NOTHING
	`

	if _, err := r.db.Pool().Exec(ctx, query, kind, strings.ToLower(value), reason); err != nil {
		return fmt.Errorf("insert suppression: %w", err)
	}

	r.logger.Info("suppression added", zap.String("kind", kind), zap.String("reason", reason))
	return nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const templateColumns = `id, name, channel, language, subject, body, tags, active, created_at`

// ListActiveTemplates returns active templates for a channel. An empty language
// matches every language.
func (r *Repository) ListActiveTemplates(ctx context.Context, channel Channel, language string) ([]*Template, error) {
	query := `
		SELECT ` + templateColumns + ` FROM templates
		WHERE active AND channel = $1 AND ($2::text = '' OR language = $2::text)
		ORDER BY created_at ASC
	`
	return r.queryTemplates(ctx, query, channel, language)
}

// GetTemplatesByIDs returns the active templates among ids.
func (r *Repository) GetTemplatesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Template, error) {
	query := `
		SELECT ` + templateColumns + ` FROM templates
		WHERE active AND id = ANY($1::uuid[])
		ORDER BY created_at ASC
	`
	return r.queryTemplates(ctx, query, uuidStrings(ids))
}

func (r *Repository) queryTemplates(ctx context.Context, query string, args ...any) ([]*Template, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Channel, &t.Language, &t.Subject, &t.Body, &t.Tags, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

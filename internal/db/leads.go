package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/apperr"
)

const leadColumns = `
	id, place_id, name, address, website, website_domain, phone, phone_digits,
	emails, rating, review_count, business_status, types, lat, lng, niche,
	language, status, score, last_contacted_at, audit, created_at, updated_at`

func scanLead(row scanner) (*Lead, error) {
	var (
		l         Lead
		emailsRaw []byte
		auditRaw  []byte
	)
	err := row.Scan(
		&l.ID, &l.PlaceID, &l.Name, &l.Address, &l.Website, &l.WebsiteDomain,
		&l.Phone, &l.PhoneDigits, &emailsRaw, &l.Rating, &l.ReviewCount,
		&l.BusinessStatus, &l.Types, &l.Lat, &l.Lng, &l.Niche, &l.Language,
		&l.Status, &l.Score, &l.LastContactedAt, &auditRaw, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(emailsRaw) > 0 {
		if err := json.Unmarshal(emailsRaw, &l.Emails); err != nil {
			return nil, fmt.Errorf("decode lead emails: %w", err)
		}
	}
	if len(auditRaw) > 0 && string(auditRaw) != "null" {
		l.Audit = &AuditSignals{}
		if err := json.Unmarshal(auditRaw, l.Audit); err != nil {
			return nil, fmt.Errorf("decode lead audit: %w", err)
		}
	}
	return &l, nil
}

func (r *Repository) findLead(ctx context.Context, where string, args ...any) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE ` + where + ` ORDER BY created_at ASC LIMIT 1`

	lead, err := scanLead(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lead: %w", err)
	}
	return lead, nil
}

// FindLeadByPlaceID returns nil when no lead carries the place id.
func (r *Repository) FindLeadByPlaceID(ctx context.Context, placeID string) (*Lead, error) {
	return r.findLead(ctx, `place_id = $1`, placeID)
}

// FindLeadByDomain returns nil when no lead carries the normalized domain.
func (r *Repository) FindLeadByDomain(ctx context.Context, domain string) (*Lead, error) {
	return r.findLead(ctx, `website_domain = $1`, domain)
}

// FindLeadByPhoneSuffix matches the digit suffix as a substring of stored phone digits.
func (r *Repository) FindLeadByPhoneSuffix(ctx context.Context, suffix string) (*Lead, error) {
	return r.findLead(ctx, `phone_digits LIKE '%' || $1 || '%'`, suffix)
}

// FindLeadByPhoneDigits matches the full normalized phone exactly.
func (r *Repository) FindLeadByPhoneDigits(ctx context.Context, digits string) (*Lead, error) {
	return r.findLead(ctx, `phone_digits = $1`, digits)
}

// CreateLead inserts a lead. A lost unique-key race returns apperr.ErrDuplicateKey.
func (r *Repository) CreateLead(ctx context.Context, lead *Lead) error {
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	if lead.Status == "" {
		lead.Status = LeadStatusNew
	}
	emails, err := json.Marshal(lead.Emails)
	if err != nil {
		return fmt.Errorf("encode lead emails: %w", err)
	}
	var audit []byte
	if lead.Audit != nil {
		if audit, err = json.Marshal(lead.Audit); err != nil {
			return fmt.Errorf("encode lead audit: %w", err)
		}
	}
	if lead.Types == nil {
		lead.Types = []string{}
	}

	query := `
		INSERT INTO leads (
			id, place_id, name, address, website, website_domain, phone, phone_digits,
			emails, rating, review_count, business_status, types, lat, lng, niche,
			language, status, score, audit
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		lead.ID, lead.PlaceID, lead.Name, lead.Address, lead.Website, lead.WebsiteDomain,
		lead.Phone, lead.PhoneDigits, emails, lead.Rating, lead.ReviewCount,
		lead.BusinessStatus, lead.Types, lead.Lat, lead.Lng, lead.Niche,
		lead.Language, lead.Status, lead.Score, audit,
	).Scan(&lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		err = mapInsertErr(err)
		if errors.Is(err, apperr.ErrDuplicateKey) {
			r.logger.Debug("lead insert lost unique race", zap.String("name", lead.Name), zap.Error(err))
			return err
		}
		r.logger.Error("failed to create lead", zap.Error(err), zap.String("name", lead.Name))
		return fmt.Errorf("insert lead: %w", err)
	}

	return nil
}

// GetLead retrieves a lead by ID
func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (*Lead, error) {
	lead, err := r.findLead(ctx, `id = $1`, id)
	if err != nil {
		return nil, err
	}
	if lead == nil {
		return nil, fmt.Errorf("lead %s: %w", id, apperr.ErrNotFound)
	}
	return lead, nil
}

// GetLeadsByIDs returns the leads that exist among ids, in score order.
func (r *Repository) GetLeadsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = ANY($1::uuid[]) ORDER BY score DESC, created_at ASC`
	return r.queryLeads(ctx, query, uuidStrings(ids))
}

// ListLeads returns candidate leads for a filtered audience, best score first.
func (r *Repository) ListLeads(ctx context.Context, f LeadFilter) ([]*Lead, error) {
	var (
		conds []string
		args  []any
	)
	if f.GroupID != nil {
		args = append(args, *f.GroupID)
		conds = append(conds, fmt.Sprintf("id IN (SELECT lead_id FROM lead_group_members WHERE group_id = $%d)", len(args)))
	}
	if f.Niche != "" {
		args = append(args, f.Niche)
		conds = append(conds, fmt.Sprintf("niche = $%d", len(args)))
	}
	if f.NoWebsiteOnly {
		conds = append(conds, "(website IS NULL OR website = '')")
	}

	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY score DESC, created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryLeads(ctx, query, args...)
}

func (r *Repository) queryLeads(ctx context.Context, query string, args ...any) ([]*Lead, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query leads: %w", err)
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return leads, nil
}

// MarkLeadContacted records a delivery against the lead.
func (r *Repository) MarkLeadContacted(ctx context.Context, id uuid.UUID, status LeadStatus, at time.Time) error {
	query := `UPDATE leads SET status = $1, last_contacted_at = $2, updated_at = NOW() WHERE id = $3`

	result, err := r.db.Pool().Exec(ctx, query, status, at, id)
	if err != nil {
		r.logger.Error("failed to mark lead contacted", zap.Error(err), zap.String("lead_id", id.String()))
		return fmt.Errorf("update lead contacted: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// UpdateLeadStatus sets the lead status without touching lastContactedAt.
func (r *Repository) UpdateLeadStatus(ctx context.Context, id uuid.UUID, status LeadStatus) error {
	query := `UPDATE leads SET status = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update lead status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("lead %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// AddGroupMember attaches a lead to a group; repeated calls are no-ops.
func (r *Repository) AddGroupMember(ctx context.Context, groupID, leadID uuid.UUID) error {
	query := `
		INSERT INTO lead_group_members (group_id, lead_id)
		VALUES ($1, $2)
		ON CONFLICT (group_id, lead_id) DO NOTHING
	`
	if _, err := r.db.Pool().Exec(ctx, query, groupID, leadID); err != nil {
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

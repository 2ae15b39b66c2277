package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trackroute/trackroute/internal/model"
)

const ruleColumns = `id, account_id, name, description, source_url, tracking_code, target_url, type, status,
	affiliate_id, offer_id, conditions, settings, action_rules, stats, created_at, updated_at`

// CreateRule inserts a new rule. A taken tracking code returns model.ErrDuplicate.
func (r *Repository) CreateRule(ctx context.Context, rule *model.Rule) error {
	doc, err := encodeRuleDocuments(rule)
	if err != nil {
		return err
	}
	stats, err := json.Marshal(rule.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = r.pool.Exec(ctx, query,
		rule.ID,
		rule.AccountID,
		rule.Name,
		rule.Description,
		rule.SourceURL,
		nullableString(rule.TrackingCode),
		rule.TargetURL,
		string(rule.Type),
		string(rule.Status),
		rule.AffiliateID,
		rule.OfferID,
		doc.conditions,
		doc.settings,
		doc.actionRules,
		stats,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrDuplicate
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}

	return nil
}

// GetRule retrieves a rule by its ID.
func (r *Repository) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1 AND deleted_at IS NULL`

	rule, err := scanRule(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule by ID: %w", err)
	}
	return rule, nil
}

// GetByTrackingCode retrieves a rule by tracking code regardless of status.
func (r *Repository) GetByTrackingCode(ctx context.Context, code string) (*model.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE tracking_code = $1 AND deleted_at IS NULL`

	rule, err := scanRule(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule by tracking code: %w", err)
	}
	return rule, nil
}

// FindActiveByKey returns ACTIVE rules whose source URL or tracking code equals key, newest first.
// This is the hot path for redirects.
func (r *Repository) FindActiveByKey(ctx context.Context, key string) ([]*model.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE deleted_at IS NULL
		  AND status = 'ACTIVE'
		  AND (source_url = $1 OR tracking_code = $1)
		ORDER BY created_at DESC, id DESC
	`
	return r.queryRules(ctx, query, key)
}

// ListActive returns every ACTIVE rule, newest first.
func (r *Repository) ListActive(ctx context.Context) ([]*model.Rule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE deleted_at IS NULL AND status = 'ACTIVE'
		ORDER BY created_at DESC, id DESC
	`
	return r.queryRules(ctx, query)
}

// ListRules retrieves a page of an account's rules, newest first.
func (r *Repository) ListRules(ctx context.Context, filter model.RuleFilter, cursor string, limit int) ([]*model.Rule, string, error) {
	var cursorData *paginationCursor
	if cursor != "" {
		var err error
		cursorData, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", model.ErrInvalidCursor
		}
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rules
		WHERE deleted_at IS NULL
		  AND account_id = $1
	`
	args := []any{filter.AccountID}
	argIndex := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(filter.Status))
		argIndex++
	}

	if cursorData != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIndex, argIndex+1)
		args = append(args, cursorData.CreatedAt, cursorData.ID)
		argIndex += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1)

	rules, err := r.queryRules(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(rules) > limit {
		rules = rules[:limit]
		last := rules[len(rules)-1]
		nextCursor = encodeCursor(&paginationCursor{ID: last.ID, CreatedAt: last.CreatedAt})
	}

	return rules, nextCursor, nil
}

// UpdateRule replaces a rule's mutable fields. Stats and tracking code are left alone.
func (r *Repository) UpdateRule(ctx context.Context, rule *model.Rule) error {
	doc, err := encodeRuleDocuments(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE rules
		SET name = $2, description = $3, source_url = $4, target_url = $5, type = $6, status = $7,
		    affiliate_id = $8, offer_id = $9, conditions = $10, settings = $11, action_rules = $12
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at
	`

	err = r.pool.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.SourceURL,
		rule.TargetURL,
		string(rule.Type),
		string(rule.Status),
		rule.AffiliateID,
		rule.OfferID,
		doc.conditions,
		doc.settings,
		doc.actionRules,
	).Scan(&rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

// UpdateStats overwrites the stats snapshot.
func (r *Repository) UpdateStats(ctx context.Context, ruleID string, stats model.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	result, err := r.pool.Exec(ctx, `UPDATE rules SET stats = $2 WHERE id = $1 AND deleted_at IS NULL`, ruleID, data)
	if err != nil {
		return fmt.Errorf("failed to update rule stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// DeleteRule performs a soft delete on a rule.
func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	query := `
		UPDATE rules
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// TrackingCodeExists checks if a tracking code is taken.
func (r *Repository) TrackingCodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM rules WHERE tracking_code = $1 AND deleted_at IS NULL)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check tracking code existence: %w", err)
	}
	return exists, nil
}

func (r *Repository) queryRules(ctx context.Context, query string, args ...any) ([]*model.Rule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

type ruleDocuments struct {
	conditions  []byte
	settings    []byte
	actionRules []byte
}

func encodeRuleDocuments(rule *model.Rule) (ruleDocuments, error) {
	var (
		doc ruleDocuments
		err error
	)

	conditions := rule.Conditions
	if conditions == nil {
		conditions = []model.Condition{}
	}
	if doc.conditions, err = json.Marshal(conditions); err != nil {
		return doc, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if doc.settings, err = json.Marshal(rule.Settings); err != nil {
		return doc, fmt.Errorf("failed to encode settings: %w", err)
	}
	actionRules := rule.ActionRules
	if actionRules == nil {
		actionRules = []model.ActionRule{}
	}
	if doc.actionRules, err = json.Marshal(actionRules); err != nil {
		return doc, fmt.Errorf("failed to encode action rules: %w", err)
	}
	return doc, nil
}

// scanRule scans one row; pgx.Row and pgx.Rows both satisfy it.
func scanRule(row pgx.Row) (*model.Rule, error) {
	var (
		rule                                     model.Rule
		trackingCode                             *string
		ruleType, status                         string
		conditions, settings, actionRules, stats []byte
	)

	err := row.Scan(
		&rule.ID,
		&rule.AccountID,
		&rule.Name,
		&rule.Description,
		&rule.SourceURL,
		&trackingCode,
		&rule.TargetURL,
		&ruleType,
		&status,
		&rule.AffiliateID,
		&rule.OfferID,
		&conditions,
		&settings,
		&actionRules,
		&stats,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if trackingCode != nil {
		rule.TrackingCode = *trackingCode
	}
	rule.Type = model.RuleType(ruleType)
	rule.Status = model.RuleStatus(status)

	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal(settings, &rule.Settings); err != nil {
		return nil, fmt.Errorf("decode settings of rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actionRules, &rule.ActionRules); err != nil {
		return nil, fmt.Errorf("decode action rules of rule %s: %w", rule.ID, err)
	}

	rule.Stats = model.EmptyStats()
	if err := json.Unmarshal(stats, &rule.Stats); err != nil {
		return nil, fmt.Errorf("decode stats of rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// nullableString returns nil for empty strings.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

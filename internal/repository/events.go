package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/trackroute/trackroute/internal/model"
)

// OpenEventDB opens a database/sql handle on the lib/pq driver.
func OpenEventDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EventRepository stores click, conversion and bounce events.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

const clickColumns = `id, rule_id, account_id, affiliate_id, offer_id, source_url, target_url, ip, user_agent,
	referrer, country, device, browser, os, query_params, clicked_at`

const insertClickQuery = `
	INSERT INTO click_events (` + clickColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (id) DO NOTHING
`

// RecordClick inserts one click. Re-recording an id is a no-op.
func (r *EventRepository) RecordClick(ctx context.Context, click *model.ClickEvent) error {
	args, err := clickArgs(click)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, insertClickQuery, args...); err != nil {
		return fmt.Errorf("insert click event: %w", err)
	}
	return nil
}

// BulkInsertClicks inserts clicks in one transaction with idempotency via
// ON CONFLICT DO NOTHING, and reports how many rows were new.
func (r *EventRepository) BulkInsertClicks(ctx context.Context, clicks []*model.ClickEvent) (int, error) {
	if len(clicks) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertClickQuery)
	if err != nil {
		return 0, fmt.Errorf("prepare click insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i, click := range clicks {
		args, err := clickArgs(click)
		if err != nil {
			return 0, fmt.Errorf("batch insert event %d: %w", i, err)
		}
		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, fmt.Errorf("batch insert event %d: %w", i, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit click batch: %w", err)
	}
	return inserted, nil
}

// GetClick retrieves a click by ID.
func (r *EventRepository) GetClick(ctx context.Context, id string) (*model.ClickEvent, error) {
	query := `SELECT ` + clickColumns + ` FROM click_events WHERE id = $1`

	click, err := scanClick(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get click event: %w", err)
	}
	return click, nil
}

// LatestClick returns an account's most recent click for an affiliate and offer.
func (r *EventRepository) LatestClick(ctx context.Context, accountID, affiliateID, offerID string) (*model.ClickEvent, error) {
	query := `
		SELECT ` + clickColumns + `
		FROM click_events
		WHERE account_id = $1 AND affiliate_id = $2 AND offer_id = $3
		ORDER BY clicked_at DESC, id DESC
		LIMIT 1
	`

	click, err := scanClick(r.db.QueryRowContext(ctx, query, accountID, affiliateID, offerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get latest click event: %w", err)
	}
	return click, nil
}

// ListClicks returns a rule's clicks in creation order.
func (r *EventRepository) ListClicks(ctx context.Context, ruleID string) ([]*model.ClickEvent, error) {
	query := `
		SELECT ` + clickColumns + `
		FROM click_events
		WHERE rule_id = $1
		ORDER BY clicked_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list click events: %w", err)
	}
	defer rows.Close()

	var clicks []*model.ClickEvent
	for rows.Next() {
		click, err := scanClick(rows)
		if err != nil {
			return nil, fmt.Errorf("scan click event: %w", err)
		}
		clicks = append(clicks, click)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate click events: %w", err)
	}
	return clicks, nil
}

const conversionColumns = `id, click_id, rule_id, external_id, value, commission, currency, status, data, created_at`

// InsertConversion stores a conversion. A repeated (click, external id) pair returns model.ErrDuplicate.
func (r *EventRepository) InsertConversion(ctx context.Context, conv *model.ConversionEvent) error {
	data, err := json.Marshal(nonNilMap(conv.Data))
	if err != nil {
		return fmt.Errorf("encode conversion data: %w", err)
	}

	query := `
		INSERT INTO conversion_events (` + conversionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		conv.ID,
		conv.ClickID,
		conv.RuleID,
		conv.ExternalID,
		conv.Value,
		conv.Commission,
		conv.Currency,
		conv.Status,
		string(data),
		conv.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return model.ErrDuplicate
		}
		return fmt.Errorf("insert conversion event: %w", err)
	}
	return nil
}

// FindConversion looks a conversion up by click and external id.
func (r *EventRepository) FindConversion(ctx context.Context, clickID, externalID string) (*model.ConversionEvent, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversion_events WHERE click_id = $1 AND external_id = $2`

	conv, err := scanConversion(r.db.QueryRowContext(ctx, query, clickID, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find conversion event: %w", err)
	}
	return conv, nil
}

// ListConversions returns conversions for the given clicks in creation order.
func (r *EventRepository) ListConversions(ctx context.Context, clickIDs []string) ([]*model.ConversionEvent, error) {
	if len(clickIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + conversionColumns + `
		FROM conversion_events
		WHERE click_id = ANY($1)
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(clickIDs))
	if err != nil {
		return nil, fmt.Errorf("list conversion events: %w", err)
	}
	defer rows.Close()

	var convs []*model.ConversionEvent
	for rows.Next() {
		conv, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversion event: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversion events: %w", err)
	}
	return convs, nil
}

// InsertBounce stores a bounce.
func (r *EventRepository) InsertBounce(ctx context.Context, bounce *model.BounceEvent) error {
	query := `
		INSERT INTO bounce_events (id, click_id, rule_id, time_on_page, pages_viewed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		bounce.ID,
		bounce.ClickID,
		bounce.RuleID,
		bounce.TimeOnPage,
		bounce.PagesViewed,
		bounce.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bounce event: %w", err)
	}
	return nil
}

// ListBounces returns bounces for the given clicks in creation order.
func (r *EventRepository) ListBounces(ctx context.Context, clickIDs []string) ([]*model.BounceEvent, error) {
	if len(clickIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, click_id, rule_id, time_on_page, pages_viewed, created_at
		FROM bounce_events
		WHERE click_id = ANY($1)
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(clickIDs))
	if err != nil {
		return nil, fmt.Errorf("list bounce events: %w", err)
	}
	defer rows.Close()

	var bounces []*model.BounceEvent
	for rows.Next() {
		var b model.BounceEvent
		if err := rows.Scan(&b.ID, &b.ClickID, &b.RuleID, &b.TimeOnPage, &b.PagesViewed, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bounce event: %w", err)
		}
		bounces = append(bounces, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bounce events: %w", err)
	}
	return bounces, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// clickArgs sends JSON as text; lib/pq would encode []byte as bytea.
func clickArgs(c *model.ClickEvent) ([]any, error) {
	query, err := json.Marshal(nonNilMap(c.QueryParams))
	if err != nil {
		return nil, fmt.Errorf("encode query params: %w", err)
	}
	return []any{
		c.ID,
		c.RuleID,
		c.AccountID,
		c.AffiliateID,
		c.OfferID,
		c.SourceURL,
		c.TargetURL,
		c.IP,
		truncate(c.UserAgent, 1024),
		truncate(c.Referrer, 2048),
		strings.ToUpper(c.Country),
		c.Device,
		c.Browser,
		c.OS,
		string(query),
		c.ClickedAt,
	}, nil
}

func scanClick(row rowScanner) (*model.ClickEvent, error) {
	var (
		c     model.ClickEvent
		query []byte
	)
	err := row.Scan(
		&c.ID,
		&c.RuleID,
		&c.AccountID,
		&c.AffiliateID,
		&c.OfferID,
		&c.SourceURL,
		&c.TargetURL,
		&c.IP,
		&c.UserAgent,
		&c.Referrer,
		&c.Country,
		&c.Device,
		&c.Browser,
		&c.OS,
		&query,
		&c.ClickedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(query, &c.QueryParams); err != nil {
		return nil, fmt.Errorf("decode query params: %w", err)
	}
	if len(c.QueryParams) == 0 {
		c.QueryParams = nil
	}
	c.ClickedAt = c.ClickedAt.UTC()
	return &c, nil
}

func scanConversion(row rowScanner) (*model.ConversionEvent, error) {
	var (
		c    model.ConversionEvent
		data []byte
	)
	err := row.Scan(
		&c.ID,
		&c.ClickID,
		&c.RuleID,
		&c.ExternalID,
		&c.Value,
		&c.Commission,
		&c.Currency,
		&c.Status,
		&data,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, fmt.Errorf("decode conversion data: %w", err)
	}
	if len(c.Data) == 0 {
		c.Data = nil
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}

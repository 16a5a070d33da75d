package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"loyaltyhooks/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order. Dev helper;
// production deployments run migrations out of band.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	ev, _ := json.Marshal(ep.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_endpoints (id, url, secret, events, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, ep.ID, ep.URL, ep.Secret, ev, ep.Active, ep.CreatedAt)
	if err != nil {
		return model.Endpoint{}, err
	}
	return ep, nil
}

func (p *Postgres) GetEndpoint(ctx context.Context, id string) (model.Endpoint, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, url, secret, events, active, created_at
		FROM webhook_endpoints WHERE id=$1`, id)
	return scanEndpoint(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (model.Endpoint, error) {
	var ep model.Endpoint
	var ev []byte
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &ev, &ep.Active, &ep.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Endpoint{}, ErrNotFound
		}
		return model.Endpoint{}, err
	}
	_ = json.Unmarshal(ev, &ep.Events)
	return ep, nil
}

func (p *Postgres) ListEndpoints(ctx context.Context, cursor string, limit int) ([]model.Endpoint, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events, active, created_at
			FROM webhook_endpoints WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events, active, created_at
			FROM webhook_endpoints ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Endpoint{}
	last := ""
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, ep)
		last = ep.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) UpdateEndpoint(ctx context.Context, id string, patch model.EndpointPatch) (model.Endpoint, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Endpoint{}, err
	}
	defer func() { _ = tx.Rollback() }()
	ep, err := scanEndpoint(tx.QueryRowContext(ctx, `SELECT id::text, url, secret, events, active, created_at
		FROM webhook_endpoints WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return model.Endpoint{}, err
	}
	if patch.URL != nil {
		ep.URL = *patch.URL
	}
	if patch.Events != nil {
		ep.Events = append([]string(nil), (*patch.Events)...)
	}
	if patch.Active != nil {
		ep.Active = *patch.Active
	}
	ev, _ := json.Marshal(ep.Events)
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_endpoints SET url=$2, events=$3, active=$4 WHERE id=$1`,
		id, ep.URL, ev, ep.Active); err != nil {
		return model.Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Endpoint{}, err
	}
	return ep, nil
}

func (p *Postgres) SetEndpointActive(ctx context.Context, id string, active bool) (model.Endpoint, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_endpoints SET active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return model.Endpoint{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Endpoint{}, ErrNotFound
	}
	return p.GetEndpoint(ctx, id)
}

func (p *Postgres) SetEndpointSecret(ctx context.Context, id, secret string) (model.Endpoint, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_endpoints SET secret=$2 WHERE id=$1`, id, secret)
	if err != nil {
		return model.Endpoint{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Endpoint{}, ErrNotFound
	}
	return p.GetEndpoint(ctx, id)
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// delivery_attempts rows are retained; endpoint_id has no FK cascade.
	return nil
}

func (p *Postgres) EndpointsForEvent(ctx context.Context, eventType string) ([]model.Endpoint, error) {
	ev, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events, active, created_at
		FROM webhook_endpoints WHERE active AND (events = '[]'::jsonb OR events @> $1::jsonb)`, string(ev))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendAttempt(ctx context.Context, att model.DeliveryAttempt) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO delivery_attempts
		(id, endpoint_id, delivery_id, event_type, request_body, signature, status, http_status, response, error, attempt, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		att.ID, att.EndpointID, att.DeliveryID, att.EventType, att.RequestBody, att.Signature,
		att.Status, att.HTTPStatus, nullIfEmpty(att.Response), nullIfEmpty(att.Error),
		att.Attempt, att.DurationMs, att.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrConflict
	}
	return err
}

func (p *Postgres) GetAttempt(ctx context.Context, id string) (model.DeliveryAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, endpoint_id::text, delivery_id::text, event_type,
		request_body, signature, status, http_status, COALESCE(response,''), COALESCE(error,''), attempt, duration_ms, created_at
		FROM delivery_attempts WHERE id=$1`, id)
	return scanAttempt(row)
}

func scanAttempt(row rowScanner) (model.DeliveryAttempt, error) {
	var att model.DeliveryAttempt
	if err := row.Scan(&att.ID, &att.EndpointID, &att.DeliveryID, &att.EventType,
		&att.RequestBody, &att.Signature, &att.Status, &att.HTTPStatus,
		&att.Response, &att.Error, &att.Attempt, &att.DurationMs, &att.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DeliveryAttempt{}, ErrNotFound
		}
		return model.DeliveryAttempt{}, err
	}
	return att, nil
}

func (p *Postgres) LatestAttempt(ctx context.Context, deliveryID string) (model.DeliveryAttempt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id::text, endpoint_id::text, delivery_id::text, event_type,
		request_body, signature, status, http_status, COALESCE(response,''), COALESCE(error,''), attempt, duration_ms, created_at
		FROM delivery_attempts WHERE delivery_id=$1 ORDER BY attempt DESC LIMIT 1`, deliveryID)
	return scanAttempt(row)
}

func (p *Postgres) ListAttempts(ctx context.Context, f AttemptFilter) ([]model.DeliveryAttempt, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, endpoint_id::text, delivery_id::text, event_type,
		request_body, signature, status, http_status, COALESCE(response,''), COALESCE(error,''), attempt, duration_ms, created_at
		FROM delivery_attempts WHERE 1=1`
	args := []any{}
	if f.EndpointID != "" {
		args = append(args, f.EndpointID)
		q += ` AND endpoint_id=$` + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		q += ` AND status=$` + itoa(len(args))
	}
	if f.Cursor != "" {
		args = append(args, f.Cursor)
		n := itoa(len(args))
		q += ` AND (created_at, id) < (SELECT created_at, id FROM delivery_attempts WHERE id=$` + n + `)`
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.DeliveryAttempt{}
	last := ""
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, att)
		last = att.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }

// Package storage persists alert history and emergency contacts.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"distressguard/internal/config"
	"distressguard/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	ListAlerts(ctx context.Context, limit int, since time.Time) ([]model.Alert, error)
	ListContacts(ctx context.Context) ([]model.Contact, error)
	SaveContact(ctx context.Context, contact model.Contact) error
	DeleteContact(ctx context.Context, id string) (bool, error)
}

// NewStore opens the configured store. It returns nil when storage is
// disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) deleteContact(ctx context.Context, query, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *baseStore) listContacts(ctx context.Context, query string) ([]model.Contact, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Contact, 0)
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Relationship); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// alertRow is the column set shared by both drivers.
type alertRow struct {
	id         string
	cause      string
	keyword    string
	lat        sql.NullFloat64
	lng        sql.NullFloat64
	test       bool
	recipients string
}

func (r alertRow) alert(ts time.Time) (model.Alert, error) {
	a := model.Alert{
		ID:          r.id,
		Cause:       model.Cause(r.cause),
		Keyword:     r.keyword,
		TriggeredAt: ts.UTC(),
		Test:        r.test,
	}
	if r.lat.Valid && r.lng.Valid {
		a.Location = &model.Coordinates{Lat: r.lat.Float64, Lng: r.lng.Float64}
	}
	if r.recipients != "" {
		if err := json.Unmarshal([]byte(r.recipients), &a.Recipients); err != nil {
			return model.Alert{}, fmt.Errorf("decode recipients for alert %s: %w", r.id, err)
		}
	}
	return a, nil
}

func locationColumns(a model.Alert) (sql.NullFloat64, sql.NullFloat64) {
	if a.Location == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: a.Location.Lat, Valid: true}, sql.NullFloat64{Float64: a.Location.Lng, Valid: true}
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

// reverse turns newest-first query results into chronological order.
func reverse(alerts []model.Alert) {
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
}

var errNoDB = errors.New("storage not initialized")

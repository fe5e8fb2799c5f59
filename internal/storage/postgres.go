package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"distressguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/distressguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			cause TEXT NOT NULL,
			keyword TEXT NOT NULL DEFAULT '',
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			test BOOLEAN NOT NULL DEFAULT FALSE,
			recipients_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			relationship TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	})
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return errNoDB
	}
	lat, lng := locationColumns(alert)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, cause, keyword, lat, lng, test, recipients_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		alert.ID,
		alert.TriggeredAt.UTC(),
		string(alert.Cause),
		alert.Keyword,
		lat,
		lng,
		alert.Test,
		encodeJSON(alert.Recipients),
	)
	return err
}

func (s *postgresStore) ListAlerts(ctx context.Context, limit int, since time.Time) ([]model.Alert, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, cause, keyword, lat, lng, test, recipients_json::text
		FROM alerts WHERE ts >= $1 ORDER BY ts DESC LIMIT $2`,
		since.UTC(), limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var r alertRow
		var ts time.Time
		if err := rows.Scan(&r.id, &ts, &r.cause, &r.keyword, &r.lat, &r.lng, &r.test, &r.recipients); err != nil {
			return nil, err
		}
		a, err := r.alert(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *postgresStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.listContacts(ctx,
		`SELECT id, name, phone, email, relationship FROM contacts ORDER BY created_at, id`)
}

func (s *postgresStore) SaveContact(ctx context.Context, c model.Contact) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, phone, email, relationship)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			relationship = EXCLUDED.relationship`,
		c.ID, c.Name, c.Phone, c.Email, c.Relationship,
	)
	return err
}

func (s *postgresStore) DeleteContact(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	return s.deleteContact(ctx, `DELETE FROM contacts WHERE id = $1`, id)
}

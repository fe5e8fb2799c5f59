package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"distressguard/internal/model"
)

// sqliteTime sorts lexically in the same order as the instants it encodes.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:distressguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			cause TEXT NOT NULL,
			keyword TEXT NOT NULL DEFAULT '',
			lat REAL,
			lng REAL,
			test INTEGER NOT NULL DEFAULT 0,
			recipients_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			relationship TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	})
}

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return errNoDB
	}
	lat, lng := locationColumns(alert)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, ts, cause, keyword, lat, lng, test, recipients_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.TriggeredAt.UTC().Format(sqliteTime),
		string(alert.Cause),
		alert.Keyword,
		lat,
		lng,
		alert.Test,
		encodeJSON(alert.Recipients),
	)
	return err
}

func (s *sqliteStore) ListAlerts(ctx context.Context, limit int, since time.Time) ([]model.Alert, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, cause, keyword, lat, lng, test, recipients_json
		FROM alerts WHERE ts >= ? ORDER BY ts DESC LIMIT ?`,
		since.UTC().Format(sqliteTime), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Alert, 0)
	for rows.Next() {
		var r alertRow
		var ts string
		if err := rows.Scan(&r.id, &ts, &r.cause, &r.keyword, &r.lat, &r.lng, &r.test, &r.recipients); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(sqliteTime, ts)
		if err != nil {
			return nil, err
		}
		a, err := r.alert(parsed)
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

func (s *sqliteStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.listContacts(ctx,
		`SELECT id, name, phone, email, relationship FROM contacts ORDER BY created_at, id`)
}

func (s *sqliteStore) SaveContact(ctx context.Context, c model.Contact) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, name, phone, email, relationship, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			email = excluded.email,
			relationship = excluded.relationship`,
		c.ID, c.Name, c.Phone, c.Email, c.Relationship,
		time.Now().UTC().Format(sqliteTime),
	)
	return err
}

func (s *sqliteStore) DeleteContact(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	return s.deleteContact(ctx, `DELETE FROM contacts WHERE id = ?`, id)
}

package database

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type Database struct {
	conn *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &Database{conn: db}, nil
}

func (d *Database) Conn() *sql.DB {
	return d.conn
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Ping() error {
	return d.conn.Ping()
}

func (d *Database) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS abuse_events (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		identifier TEXT NOT NULL,
		severity TEXT NOT NULL,
		score FLOAT DEFAULT 0.0,
		blocked BOOLEAN DEFAULT false,
		resolved BOOLEAN DEFAULT false,
		evidence JSONB,
		created_at TIMESTAMP NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_abuse_events_identifier ON abuse_events(identifier);
	CREATE INDEX IF NOT EXISTS idx_abuse_events_source ON abuse_events(source_id);
	CREATE INDEX IF NOT EXISTS idx_abuse_events_created ON abuse_events(created_at);
	`
	_, err := d.conn.Exec(schema)
	return err
}

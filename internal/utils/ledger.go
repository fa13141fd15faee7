package utils

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ledgerDB struct {
	sync.Mutex
	dsn string
	db  *sql.DB
}

// ConversionRecord is one row of the conversion ledger.
type ConversionRecord struct {
	ID        string
	Directory string
	PDFPath   string
	HTMLPath  string
	Outcome   string
	Message   string
}

func postgresPort(cfg PostgresConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 5432
}

func postgresDSN(cfg PostgresConfig) (string, error) {
	if strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://") {
		return cfg.Host, nil
	}
	if cfg.Host == "" {
		return "", fmt.Errorf("postgres host is empty")
	}
	if cfg.Database == "" {
		return "", fmt.Errorf("postgres database is empty")
	}
	if cfg.User == "" {
		return "", fmt.Errorf("postgres user is empty")
	}

	hostPort := cfg.Host
	port := postgresPort(cfg)
	// IPv6 literals and explicit host:port strings.
	if strings.HasPrefix(hostPort, "[") {
		if !strings.Contains(hostPort, "]:") {
			hostPort = fmt.Sprintf("%s:%d", hostPort, port)
		}
	} else if strings.Count(hostPort, ":") >= 2 {
		hostPort = fmt.Sprintf("[%s]:%d", hostPort, port)
	} else if !strings.Contains(hostPort, ":") {
		hostPort = fmt.Sprintf("%s:%d", hostPort, port)
	}

	u := &url.URL{Scheme: "postgres", Host: hostPort, Path: "/" + cfg.Database}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func getLedgerDB(cfg PostgresConfig) (*sql.DB, error) {
	dsn, err := postgresDSN(cfg)
	if err != nil {
		return nil, err
	}

	ledgerDB.Lock()
	defer ledgerDB.Unlock()

	if ledgerDB.db != nil && ledgerDB.dsn == dsn {
		return ledgerDB.db, nil
	}
	if ledgerDB.db != nil {
		_ = ledgerDB.db.Close()
		ledgerDB.db = nil
		ledgerDB.dsn = ""
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	ledgerDB.db = db
	ledgerDB.dsn = dsn
	return ledgerDB.db, nil
}

// Ledger records conversions in Postgres so operators can audit and reap the
// temp directory out-of-band.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `CREATE TABLE IF NOT EXISTS conversions (
	id TEXT PRIMARY KEY,
	directory TEXT NOT NULL,
	pdf_path TEXT NOT NULL,
	html_path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const ledgerIndex = `CREATE INDEX IF NOT EXISTS idx_conversions_created_at ON conversions (created_at);`

const ledgerUpsert = `INSERT INTO conversions (id, directory, pdf_path, html_path, outcome, message)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome, message = EXCLUDED.message;`

// OpenLedger connects to Postgres and creates the conversions table if needed.
func OpenLedger(cfg PostgresConfig) (*Ledger, error) {
	db, err := getLedgerDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewLedger(db)
}

// NewLedger creates the conversions table on db if needed.
func NewLedger(db *sql.DB) (*Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ledgerIndex); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Record inserts rec. A nil Ledger is a no-op.
func (l *Ledger) Record(ctx context.Context, rec ConversionRecord) error {
	if l == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, ledgerUpsert,
		rec.ID, rec.Directory, rec.PDFPath, rec.HTMLPath, rec.Outcome, rec.Message,
	)
	return err
}

// Close releases the connection pool.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	ledgerDB.Lock()
	if ledgerDB.db == l.db {
		ledgerDB.db = nil
		ledgerDB.dsn = ""
	}
	ledgerDB.Unlock()
	return l.db.Close()
}

package services

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

// Ledger tables live outside PocketBase's own data.db so that ticket rows
// can sit on MySQL in production while PocketBase keeps auth and grants.
// Timestamps are unix milliseconds.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		venue_id     TEXT NOT NULL,
		timezone     TEXT NOT NULL DEFAULT 'UTC',
		max_tickets  INTEGER NOT NULL CHECK (max_tickets > 0),
		tickets_sold INTEGER NOT NULL DEFAULT 0,
		price        TEXT NOT NULL DEFAULT '0',
		starts_at    INTEGER NOT NULL,
		ends_at      INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		CHECK (tickets_sold >= 0 AND tickets_sold <= max_tickets)
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id                       TEXT PRIMARY KEY,
		event_id                 TEXT NOT NULL REFERENCES events(id),
		owner_user_id            TEXT NOT NULL,
		purchaser_user_id        TEXT NOT NULL,
		ticket_number            TEXT NOT NULL UNIQUE,
		status                   TEXT NOT NULL CHECK (status IN ('confirmed', 'used', 'cancelled', 'transferred')),
		qr_payload               TEXT NOT NULL,
		total_price              TEXT NOT NULL,
		payment_reference        TEXT NULL UNIQUE,
		purchased_at             INTEGER NOT NULL,
		used_at                  INTEGER NULL,
		scanned_by_user_id       TEXT NOT NULL DEFAULT '',
		transferred_from_user_id TEXT NOT NULL DEFAULT '',
		transferred_at           INTEGER NULL,
		updated_at               INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_owner_event ON tickets (owner_user_id, event_id)`,
	`CREATE TABLE IF NOT EXISTS ticket_transfers (
		id             TEXT PRIMARY KEY,
		ticket_id      TEXT NOT NULL REFERENCES tickets(id),
		from_user_id   TEXT NOT NULL,
		to_user_id     TEXT NOT NULL,
		transferred_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_transfers_ticket ON ticket_transfers (ticket_id)`,
	`CREATE TABLE IF NOT EXISTS bookmarks (
		user_id    TEXT NOT NULL,
		event_id   TEXT NOT NULL REFERENCES events(id),
		status     TEXT NOT NULL CHECK (status IN ('active', 'deleted')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, event_id)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id           VARCHAR(64) NOT NULL PRIMARY KEY,
		name         VARCHAR(255) NOT NULL,
		venue_id     VARCHAR(64) NOT NULL,
		timezone     VARCHAR(64) NOT NULL DEFAULT 'UTC',
		max_tickets  INT NOT NULL,
		tickets_sold INT NOT NULL DEFAULT 0,
		price        DECIMAL(12,2) NOT NULL DEFAULT 0,
		starts_at    BIGINT NOT NULL,
		ends_at      BIGINT NOT NULL,
		created_at   BIGINT NOT NULL,
		CONSTRAINT chk_events_capacity CHECK (max_tickets > 0 AND tickets_sold >= 0 AND tickets_sold <= max_tickets)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id                       VARCHAR(64) NOT NULL PRIMARY KEY,
		event_id                 VARCHAR(64) NOT NULL,
		owner_user_id            VARCHAR(64) NOT NULL,
		purchaser_user_id        VARCHAR(64) NOT NULL,
		ticket_number            VARCHAR(32) NOT NULL,
		status                   ENUM('confirmed', 'used', 'cancelled', 'transferred') NOT NULL,
		qr_payload               TEXT NOT NULL,
		total_price              DECIMAL(12,2) NOT NULL,
		payment_reference        VARCHAR(128) NULL,
		purchased_at             BIGINT NOT NULL,
		used_at                  BIGINT NULL,
		scanned_by_user_id       VARCHAR(64) NOT NULL DEFAULT '',
		transferred_from_user_id VARCHAR(64) NOT NULL DEFAULT '',
		transferred_at           BIGINT NULL,
		updated_at               BIGINT NOT NULL,
		UNIQUE KEY uq_tickets_number (ticket_number),
		UNIQUE KEY uq_tickets_payment_reference (payment_reference),
		KEY idx_tickets_owner_event (owner_user_id, event_id),
		CONSTRAINT fk_tickets_event FOREIGN KEY (event_id) REFERENCES events (id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS ticket_transfers (
		id             VARCHAR(64) NOT NULL PRIMARY KEY,
		ticket_id      VARCHAR(64) NOT NULL,
		from_user_id   VARCHAR(64) NOT NULL,
		to_user_id     VARCHAR(64) NOT NULL,
		transferred_at BIGINT NOT NULL,
		KEY idx_ticket_transfers_ticket (ticket_id),
		CONSTRAINT fk_transfers_ticket FOREIGN KEY (ticket_id) REFERENCES tickets (id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS bookmarks (
		user_id    VARCHAR(64) NOT NULL,
		event_id   VARCHAR(64) NOT NULL,
		status     ENUM('active', 'deleted') NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, event_id),
		CONSTRAINT fk_bookmarks_event FOREIGN KEY (event_id) REFERENCES events (id)
	) ENGINE=InnoDB`,
}

// OpenLedger opens the ledger database. driver is "sqlite" or "mysql".
//
// SQLite DSNs should request immediate transactions (_txlock=immediate) so
// that two purchases never both read the same tickets_sold value.
func OpenLedger(driver, dsn string) (*dbx.DB, error) {
	switch driver {
	case "sqlite", "mysql":
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}

	db, err := dbx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// One writer at a time; readers queue behind it.
		db.DB().SetMaxOpenConns(1)
	}
	return db, nil
}

// MigrateLedger creates the ledger tables if they do not exist.
func MigrateLedger(ctx context.Context, db *dbx.DB) error {
	schema := sqliteSchema
	if db.DriverName() == "mysql" {
		schema = mysqlSchema
	}

	for _, stmt := range schema {
		if _, err := db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}

	slog.Info("ledger schema ready", "driver", db.DriverName(), "statements", len(schema))
	return nil
}

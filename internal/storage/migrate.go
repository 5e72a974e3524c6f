package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// Current schema versions. Migrations are forward only: a database
// written by a newer build is refused rather than downgraded.
const (
	registrySchemaVersion = 1
	planSchemaVersion     = 1
	systemSchemaVersion   = 1
)

// userVersion reads SQLite's user_version pragma, used as the schema
// marker for the registry and system databases.
func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(ctx context.Context, db *sql.DB, version int) error {
	// PRAGMA does not accept bound parameters.
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// ensureVersion checks a database's schema version after its base
// schema is applied, stamps fresh databases, and rejects databases
// from the future.
func ensureVersion(ctx context.Context, db *sql.DB, current int, label string) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	switch {
	case version == current:
		return nil
	case version == 0:
		return setUserVersion(ctx, db, current)
	case version > current:
		return fmt.Errorf("%s schema version %d is newer than supported version %d", label, version, current)
	default:
		// Placeholder for future stepwise migrations.
		return setUserVersion(ctx, db, current)
	}
}

// planFileVersion reads the schema version stored in plan_meta.
// Plan files carry their version in-band so a copied file stays
// self-describing.
func planFileVersion(ctx context.Context, db *sql.DB) (int, error) {
	var value string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM plan_meta WHERE key = 'schema_version'`,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read plan schema version: %w", err)
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse plan schema version %q: %w", value, err)
	}
	return version, nil
}

func setPlanFileVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO plan_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("set plan schema version: %w", err)
	}
	return nil
}

func ensurePlanVersion(ctx context.Context, db *sql.DB) error {
	version, err := planFileVersion(ctx, db)
	if err != nil {
		return err
	}
	switch {
	case version == planSchemaVersion:
		return nil
	case version == 0:
		return setPlanFileVersion(ctx, db, planSchemaVersion)
	case version > planSchemaVersion:
		return fmt.Errorf("plan schema version %d is newer than supported version %d", version, planSchemaVersion)
	default:
		return setPlanFileVersion(ctx, db, planSchemaVersion)
	}
}

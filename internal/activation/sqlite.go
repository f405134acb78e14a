package activation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"isxlicense/internal/credential"
)

// OpenDB opens the SQLite database at dbPath and creates the schema.
// Connection pragmas are passed in the DSN so every pooled connection gets
// them, and _txlock=immediate makes each transaction take the write lock up
// front.
func OpenDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	dsn := dbPath + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		license_id TEXT PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		user_id TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		seat_limit INTEGER NOT NULL CHECK (seat_limit >= 1),
		grace_days INTEGER NOT NULL DEFAULT 0 CHECK (grace_days >= 0),
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);

	-- One row per seat. The composite key is what makes re-activation idempotent.
	CREATE TABLE IF NOT EXISTS activations (
		license_id TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		machine_label TEXT NOT NULL DEFAULT '',
		activated_at TIMESTAMP NOT NULL,
		last_validated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (license_id, machine_id),
		FOREIGN KEY (license_id) REFERENCES licenses(license_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS crl_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// The empty list is published as version 1, so the first revocation
	// must already produce version 2.
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO crl_state (id, version, updated_at) VALUES (1, 1, ?)`,
		time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Store implements Ledger and Registry on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateLicense inserts a new license in the active state.
func (s *Store) CreateLicense(ctx context.Context, l License) error {
	if l.Status == "" {
		l.Status = StatusActive
	}
	if !l.Status.Valid() {
		return ErrInvalidStatus
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (license_id, key_hash, user_id, email, product_id, plan,
			seat_limit, grace_days, issued_at, expires_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LicenseID, l.KeyHash, l.UserID, l.Email, l.ProductID, string(l.Plan),
		l.SeatLimit, l.GraceDays, l.IssuedAt.UTC(), l.ExpiresAt.UTC(), string(l.Status), s.now())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			if sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return ErrDuplicateLicense
			}
		}
		return fmt.Errorf("failed to insert license: %w", err)
	}
	return nil
}

const licenseColumns = `license_id, key_hash, user_id, email, product_id, plan, seat_limit,
	grace_days, issued_at, expires_at, status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (License, error) {
	var (
		l            License
		plan, status string
	)
	err := row.Scan(&l.LicenseID, &l.KeyHash, &l.UserID, &l.Email, &l.ProductID, &plan,
		&l.SeatLimit, &l.GraceDays, &l.IssuedAt, &l.ExpiresAt, &status, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return License{}, ErrLicenseNotFound
	}
	if err != nil {
		return License{}, fmt.Errorf("failed to scan license: %w", err)
	}
	l.Plan = credential.Plan(plan)
	l.Status = Status(status)
	l.IssuedAt = l.IssuedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

// License looks a license up by ID.
func (s *Store) License(ctx context.Context, licenseID string) (License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_id = ?`, licenseID)
	return scanLicense(row)
}

// LicenseByKeyHash looks a license up by the hash of its key.
func (s *Store) LicenseByKeyHash(ctx context.Context, keyHash string) (License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, keyHash)
	return scanLicense(row)
}

// Activate gives machineID a seat of licenseID. A machine that already
// holds a seat only has last_validated_at refreshed. When every seat is
// taken by other machines ErrSeatLimitExceeded is returned.
func (s *Store) Activate(ctx context.Context, licenseID, machineID, machineLabel string) (Activation, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Activation{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM licenses WHERE license_id = ?`, licenseID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Activation{}, ErrLicenseNotFound
	}
	if err != nil {
		return Activation{}, fmt.Errorf("failed to read license: %w", err)
	}
	if Status(status) != StatusActive {
		return Activation{}, fmt.Errorf("%w: %s", ErrLicenseInactive, status)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE activations
		SET last_validated_at = ?,
			machine_label = CASE WHEN ? <> '' THEN ? ELSE machine_label END
		WHERE license_id = ? AND machine_id = ?`,
		now, machineLabel, machineLabel, licenseID, machineID)
	if err != nil {
		return Activation{}, fmt.Errorf("failed to refresh activation: %w", err)
	}
	reactivated, err := affected(res)
	if err != nil {
		return Activation{}, err
	}

	if !reactivated {
		// Conditional insert: the seat count is evaluated inside the statement
		// that consumes the seat.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO activations (license_id, machine_id, machine_label, activated_at, last_validated_at)
			SELECT ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM activations WHERE license_id = ?)
				< (SELECT seat_limit FROM licenses WHERE license_id = ?)`,
			licenseID, machineID, machineLabel, now, now, licenseID, licenseID)
		if err != nil {
			return Activation{}, fmt.Errorf("failed to insert activation: %w", err)
		}
		inserted, err := affected(res)
		if err != nil {
			return Activation{}, err
		}
		if !inserted {
			return Activation{}, ErrSeatLimitExceeded
		}
	}

	act, err := getActivation(ctx, tx, licenseID, machineID)
	if err != nil {
		return Activation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Activation{}, fmt.Errorf("failed to commit activation: %w", err)
	}
	act.Reactivated = reactivated
	return act, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func getActivation(ctx context.Context, tx *sql.Tx, licenseID, machineID string) (Activation, error) {
	act := Activation{LicenseID: licenseID, MachineID: machineID}
	err := tx.QueryRowContext(ctx, `
		SELECT machine_label, activated_at, last_validated_at
		FROM activations WHERE license_id = ? AND machine_id = ?`,
		licenseID, machineID).Scan(&act.MachineLabel, &act.ActivatedAt, &act.LastValidatedAt)
	if err != nil {
		return Activation{}, fmt.Errorf("failed to read activation: %w", err)
	}
	act.ActivatedAt = act.ActivatedAt.UTC()
	act.LastValidatedAt = act.LastValidatedAt.UTC()
	return act, nil
}

// Deactivate releases machineID's seat.
func (s *Store) Deactivate(ctx context.Context, licenseID, machineID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activations WHERE license_id = ? AND machine_id = ?`, licenseID, machineID)
	if err != nil {
		return fmt.Errorf("failed to delete activation: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrActivationNotFound
	}
	return nil
}

// Touch refreshes last_validated_at and reports whether the seat exists.
func (s *Store) Touch(ctx context.Context, licenseID, machineID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE activations SET last_validated_at = ? WHERE license_id = ? AND machine_id = ?`,
		s.now(), licenseID, machineID)
	if err != nil {
		return false, fmt.Errorf("failed to touch activation: %w", err)
	}
	return affected(res)
}

// Activations lists the seats held for licenseID ordered by activation time.
func (s *Store) Activations(ctx context.Context, licenseID string) ([]Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT machine_id, machine_label, activated_at, last_validated_at
		FROM activations WHERE license_id = ?
		ORDER BY activated_at, machine_id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activations: %w", err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		act := Activation{LicenseID: licenseID}
		if err := rows.Scan(&act.MachineID, &act.MachineLabel, &act.ActivatedAt, &act.LastValidatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activation: %w", err)
		}
		act.ActivatedAt = act.ActivatedAt.UTC()
		act.LastValidatedAt = act.LastValidatedAt.UTC()
		out = append(out, act)
	}
	return out, rows.Err()
}

// SetStatus changes a license's status. Moving to revoked or canceled
// removes its activations and bumps the revocation list version in the same
// transaction; the new version is returned (0 when it did not change).
func (s *Store) SetStatus(ctx context.Context, licenseID string, status Status) (int64, error) {
	if !status.Valid() {
		return 0, ErrInvalidStatus
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM licenses WHERE license_id = ?`, licenseID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrLicenseNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read license: %w", err)
	}
	if Status(current) == status {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE licenses SET status = ?, updated_at = ? WHERE license_id = ?`,
		string(status), now, licenseID); err != nil {
		return 0, fmt.Errorf("failed to update status: %w", err)
	}

	// The revoked set changes whenever a license enters or leaves a
	// terminal state.
	if !status.Terminal() && !Status(current).Terminal() {
		return 0, tx.Commit()
	}
	if status.Terminal() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activations WHERE license_id = ?`, licenseID); err != nil {
			return 0, fmt.Errorf("failed to delete activations: %w", err)
		}
	}
	version, err := bumpCRLVersion(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit status change: %w", err)
	}
	return version, nil
}

func bumpCRLVersion(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crl_state (id, version, updated_at) VALUES (1, 1, ?)
		ON CONFLICT(id) DO UPDATE SET version = version + 1, updated_at = excluded.updated_at`, now); err != nil {
		return 0, fmt.Errorf("failed to bump crl version: %w", err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM crl_state WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read crl version: %w", err)
	}
	return version, nil
}

// RevocationSnapshot reads the current revocation version and the IDs of
// every revoked or canceled license in one transaction. A fresh database
// is at version 1 with an empty list.
func (s *Store) RevocationSnapshot(ctx context.Context) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snap Snapshot
	err = tx.QueryRowContext(ctx, `SELECT version, updated_at FROM crl_state WHERE id = 1`).Scan(&snap.Version, &snap.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("failed to read crl state: %w", err)
	}
	snap.UpdatedAt = snap.UpdatedAt.UTC()

	rows, err := tx.QueryContext(ctx, `SELECT license_id FROM licenses WHERE status IN (?, ?) ORDER BY license_id`,
		string(StatusRevoked), string(StatusCanceled))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list revoked licenses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan license id: %w", err)
		}
		snap.LicenseIDs = append(snap.LicenseIDs, id)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, tx.Commit()
}

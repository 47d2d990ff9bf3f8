// Package store persists the credential pool in a single local SQLite
// database file. It is the sole source of truth for credential state:
// tokens, priority, disabled flag, failure accounting, and the last
// observed balance snapshot.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cecil-the-coder/kiro-gateway/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    refresh_token TEXT NOT NULL,
    access_token TEXT,
    expires_at TEXT,
    auth_method TEXT DEFAULT 'social',
    client_id TEXT,
    client_secret TEXT,
    profile_arn TEXT,
    priority INTEGER DEFAULT 0,
    disabled INTEGER DEFAULT 0,
    failure_count INTEGER DEFAULT 0,
    disabled_at TEXT,
    subscription_title TEXT,
    current_usage REAL DEFAULT 0,
    usage_limit REAL DEFAULT 0,
    next_reset_at REAL,
    balance_updated_at TEXT,
    machine_id TEXT,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_credentials_priority ON credentials(priority);
CREATE INDEX IF NOT EXISTS idx_credentials_disabled ON credentials(disabled);
`

// credentialColumns is the column list shared by every SELECT that scans a
// full credential row.
const credentialColumns = `id, refresh_token, access_token, expires_at, auth_method,
       client_id, client_secret, profile_arn, priority,
       disabled, failure_count, disabled_at,
       subscription_title, current_usage, usage_limit, next_reset_at, balance_updated_at,
       machine_id`

// Store wraps a single SQLite connection. All operations serialize on a
// process-local mutex, so reads and writes are linearizable among
// themselves.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the database at path, creating missing parent
// directories. Journaling is set to DELETE mode so only one file stays on
// disk.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// One connection for the lifetime of the store; the mutex does the rest.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=DELETE;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// LoadAll returns every credential ordered by priority ascending, id
// ascending as the tie-break.
func (s *Store) LoadAll() ([]types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + credentialColumns + `
		FROM credentials
		ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []types.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// Insert stores a new credential and returns the assigned id.
func (s *Store) Insert(cred *types.Credential) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO credentials (refresh_token, access_token, expires_at, auth_method,
			client_id, client_secret, profile_arn, priority,
			disabled, failure_count, disabled_at,
			subscription_title, current_usage, usage_limit, next_reset_at, balance_updated_at,
			machine_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.RefreshToken,
		nullString(cred.AccessToken),
		nullTime(cred.ExpiresAt),
		nullString(cred.AuthMethod),
		nullString(cred.ClientID),
		nullString(cred.ClientSecret),
		nullString(cred.ProfileARN),
		cred.Priority,
		boolToInt(cred.Disabled),
		cred.FailureCount,
		nullTime(cred.DisabledAt),
		nullString(cred.SubscriptionTitle),
		cred.CurrentUsage,
		cred.UsageLimit,
		cred.NextResetAt,
		nullTime(cred.BalanceUpdatedAt),
		nullString(cred.MachineID),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update replaces the full row identified by cred.ID.
func (s *Store) Update(cred *types.Credential) error {
	if cred.ID == 0 {
		return errors.New("credential has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE credentials
		SET refresh_token = ?, access_token = ?, expires_at = ?, auth_method = ?,
		    client_id = ?, client_secret = ?, profile_arn = ?, priority = ?,
		    disabled = ?, failure_count = ?, disabled_at = ?,
		    subscription_title = ?, current_usage = ?, usage_limit = ?,
		    next_reset_at = ?, balance_updated_at = ?, machine_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		cred.RefreshToken,
		nullString(cred.AccessToken),
		nullTime(cred.ExpiresAt),
		nullString(cred.AuthMethod),
		nullString(cred.ClientID),
		nullString(cred.ClientSecret),
		nullString(cred.ProfileARN),
		cred.Priority,
		boolToInt(cred.Disabled),
		cred.FailureCount,
		nullTime(cred.DisabledAt),
		nullString(cred.SubscriptionTitle),
		cred.CurrentUsage,
		cred.UsageLimit,
		cred.NextResetAt,
		nullTime(cred.BalanceUpdatedAt),
		nullString(cred.MachineID),
		cred.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("credential #%d not found", cred.ID)
	}
	return nil
}

// Delete removes the row with the given id; reports whether a row was
// removed.
func (s *Store) Delete(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execAffected(`DELETE FROM credentials WHERE id = ?`, id)
}

// Get returns the credential with the given id, or (nil, nil) if absent.
func (s *Store) Get(id int64) (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+credentialColumns+`
		FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// CountAll returns the total number of credentials.
func (s *Store) CountAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&n)
	return n, err
}

// CountEnabled returns the number of credentials not currently disabled.
func (s *Store) CountEnabled() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials WHERE disabled = 0`).Scan(&n)
	return n, err
}

// UpdateBalance writes the usage snapshot for id and stamps
// balance_updated_at with the current instant.
func (s *Store) UpdateBalance(id int64, title string, currentUsage, usageLimit float64, nextResetAt *float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execAffected(`UPDATE credentials
		SET subscription_title = ?, current_usage = ?, usage_limit = ?,
		    next_reset_at = ?, balance_updated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		nullString(title), currentUsage, usageLimit, nextResetAt, formatTime(time.Now()), id)
}

// SetDisabled sets the disabled flag. Disabling stamps disabled_at with
// now; enabling clears it. Failure counts are untouched either way.
func (s *Store) SetDisabled(id int64, disabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var disabledAt any
	if disabled {
		disabledAt = formatTime(time.Now())
	}
	return s.execAffected(`UPDATE credentials
		SET disabled = ?, disabled_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		boolToInt(disabled), disabledAt, id)
}

// SetPriority updates the priority of id.
func (s *Store) SetPriority(id int64, priority int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execAffected(`UPDATE credentials
		SET priority = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, priority, id)
}

// IncrementFailureCount bumps the consecutive-failure counter for id and
// returns the new count.
func (s *Store) IncrementFailureCount(id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE credentials
		SET failure_count = failure_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRow(`SELECT failure_count FROM credentials WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("credential #%d not found", id)
	}
	return count, err
}

// ResetFailureCount zeroes the consecutive-failure counter for id.
func (s *Store) ResetFailureCount(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execAffected(`UPDATE credentials
		SET failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
}

// ResetAndEnable atomically zeroes the failure counter, enables the
// credential, and clears disabled_at.
func (s *Store) ResetAndEnable(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execAffected(`UPDATE credentials
		SET failure_count = 0, disabled = 0, disabled_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
}

// TryRecoverDisabled re-enables every credential whose cool-down has
// elapsed (disabled_at older than cooldown), zeroing its failure count.
// Returns the number of recovered rows.
func (s *Store) TryRecoverDisabled(cooldown time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-cooldown))
	res, err := s.db.Exec(`UPDATE credentials
		SET disabled = 0, disabled_at = NULL, failure_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE disabled = 1 AND disabled_at IS NOT NULL AND disabled_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// HighestPriorityEnabled returns the enabled credential with the lowest
// priority value (ties broken by id), or (nil, nil) when every credential
// is disabled or the pool is empty.
func (s *Store) HighestPriorityEnabled() (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT ` + credentialColumns + `
		FROM credentials
		WHERE disabled = 0
		ORDER BY priority ASC, id ASC
		LIMIT 1`)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// NextEnabledExcluding returns the best enabled credential other than
// excludeID, or (nil, nil) when none exists.
func (s *Store) NextEnabledExcluding(excludeID int64) (*types.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT `+credentialColumns+`
		FROM credentials
		WHERE disabled = 0 AND id != ?
		ORDER BY priority ASC, id ASC
		LIMIT 1`, excludeID)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SetMachineID overrides the stored device fingerprint for id; an empty
// string clears it.
func (s *Store) SetMachineID(id int64, machineID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execAffected(`UPDATE credentials
		SET machine_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, nullString(machineID), id)
}

// ClientIDExists reports whether any credential already carries the given
// client id. Used for dedup on add.
func (s *Store) ClientIDExists(clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM credentials WHERE client_id = ?`, clientID).Scan(&n)
	return n > 0, err
}

// execAffected runs a write statement and reports whether it touched at
// least one row. Callers must hold s.mu.
func (s *Store) execAffected(query string, args ...any) (bool, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (types.Credential, error) {
	var (
		cred             types.Credential
		accessToken      sql.NullString
		expiresAt        sql.NullString
		authMethod       sql.NullString
		clientID         sql.NullString
		clientSecret     sql.NullString
		profileARN       sql.NullString
		disabled         int
		disabledAt       sql.NullString
		title            sql.NullString
		currentUsage     sql.NullFloat64
		usageLimit       sql.NullFloat64
		nextResetAt      sql.NullFloat64
		balanceUpdatedAt sql.NullString
		machineID        sql.NullString
	)

	err := row.Scan(
		&cred.ID,
		&cred.RefreshToken,
		&accessToken,
		&expiresAt,
		&authMethod,
		&clientID,
		&clientSecret,
		&profileARN,
		&cred.Priority,
		&disabled,
		&cred.FailureCount,
		&disabledAt,
		&title,
		&currentUsage,
		&usageLimit,
		&nextResetAt,
		&balanceUpdatedAt,
		&machineID,
	)
	if err != nil {
		return types.Credential{}, err
	}

	cred.AccessToken = accessToken.String
	cred.ExpiresAt = parseTime(expiresAt)
	cred.AuthMethod = authMethod.String
	cred.ClientID = clientID.String
	cred.ClientSecret = clientSecret.String
	cred.ProfileARN = profileARN.String
	cred.Disabled = disabled != 0
	cred.DisabledAt = parseTime(disabledAt)
	cred.SubscriptionTitle = title.String
	cred.CurrentUsage = currentUsage.Float64
	cred.UsageLimit = usageLimit.Float64
	if nextResetAt.Valid {
		v := nextResetAt.Float64
		cred.NextResetAt = &v
	}
	cred.BalanceUpdatedAt = parseTime(balanceUpdatedAt)
	cred.MachineID = machineID.String
	return cred, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders an instant as RFC 3339 in UTC. All timestamps are
// stored in this single format so lexicographic TEXT comparison agrees
// with chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

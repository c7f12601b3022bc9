package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tally-app/tally/internal/billing"
)

// Store provides persistence for users and subscriptions backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "tally.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_login_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id              TEXT PRIMARY KEY,
		status               TEXT NOT NULL,
		trial_ends_at        INTEGER,
		current_period_start INTEGER,
		current_period_end   INTEGER,
		canceled_at          INTEGER,
		payment_provider     TEXT NOT NULL DEFAULT '',
		payment_provider_id  TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateUser inserts a new user record.
func (s *Store) CreateUser(u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO users (id, email, display_name, password_hash, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.PasswordHash,
		u.CreatedAt.Unix(), nullableTimeUnix(u.LastLoginAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUser(id string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, display_name, password_hash, created_at, last_login_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email. Returns (nil, nil) when absent.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, display_name, password_hash, created_at, last_login_at
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(id string) error {
	_, err := s.db.Exec(`UPDATE users SET last_login_at = ? WHERE id = ?`, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// AnonymizeUser strips personal data from a user record while keeping the
// row (and its subscription history key) intact.
func (s *Store) AnonymizeUser(id string) error {
	res, err := s.db.Exec(`
		UPDATE users SET email = ?, display_name = '', password_hash = ''
		WHERE id = ?`,
		"deleted-"+id+"@anonymized.invalid", id,
	)
	if err != nil {
		return fmt.Errorf("anonymize user: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user %q not found", id)
	}
	return nil
}

const subscriptionColumns = `user_id, status, trial_ends_at, current_period_start,
	current_period_end, canceled_at, payment_provider, payment_provider_id,
	created_at, updated_at`

// GetSubscription retrieves a subscription by user ID. Returns (nil, nil)
// when no row exists.
func (s *Store) GetSubscription(userID string) (*billing.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

// CreateSubscription inserts a new subscription row.
func (s *Store) CreateSubscription(sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, string(sub.Status),
		nullableTimeUnix(sub.TrialEndsAt), nullableTimeUnix(sub.CurrentPeriodStart),
		nullableTimeUnix(sub.CurrentPeriodEnd), nullableTimeUnix(sub.CanceledAt),
		sub.PaymentProvider, sub.PaymentProviderID,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription modifies an existing subscription row.
func (s *Store) UpdateSubscription(sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	sub.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE subscriptions SET
			status = ?, trial_ends_at = ?, current_period_start = ?,
			current_period_end = ?, canceled_at = ?,
			payment_provider = ?, payment_provider_id = ?, updated_at = ?
		WHERE user_id = ?`,
		string(sub.Status),
		nullableTimeUnix(sub.TrialEndsAt), nullableTimeUnix(sub.CurrentPeriodStart),
		nullableTimeUnix(sub.CurrentPeriodEnd), nullableTimeUnix(sub.CanceledAt),
		sub.PaymentProvider, sub.PaymentProviderID, sub.UpdatedAt.Unix(),
		sub.UserID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("subscription for user %q not found", sub.UserID)
	}
	return nil
}

// UpsertSubscription creates or replaces the subscription row keyed by
// user ID. Used by activation so it is idempotent regardless of prior
// state.
func (s *Store) UpsertSubscription(sub *billing.Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			trial_ends_at = excluded.trial_ends_at,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			canceled_at = excluded.canceled_at,
			payment_provider = excluded.payment_provider,
			payment_provider_id = excluded.payment_provider_id,
			updated_at = excluded.updated_at`,
		sub.UserID, string(sub.Status),
		nullableTimeUnix(sub.TrialEndsAt), nullableTimeUnix(sub.CurrentPeriodStart),
		nullableTimeUnix(sub.CurrentPeriodEnd), nullableTimeUnix(sub.CanceledAt),
		sub.PaymentProvider, sub.PaymentProviderID,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// ListLapsedTrials returns user IDs of trialing subscriptions whose trial
// ended before cutoff.
func (s *Store) ListLapsedTrials(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT user_id FROM subscriptions
		WHERE status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?`,
		string(billing.StatusTrialing), cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list lapsed trials: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// ListLapsedPeriods returns user IDs of active or canceled subscriptions
// whose paid period ended before cutoff.
func (s *Store) ListLapsedPeriods(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT user_id FROM subscriptions
		WHERE status IN (?, ?) AND current_period_end IS NOT NULL AND current_period_end < ?`,
		string(billing.StatusActive), string(billing.StatusCanceled), cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list lapsed periods: %w", err)
	}
	defer rows.Close()
	return scanUserIDs(rows)
}

// ExpireSubscriptions bulk-updates the given users' rows to expired and
// returns the number of rows changed. Rows that are already expired are
// excluded from the match so a repeated call changes nothing.
func (s *Store) ExpireSubscriptions(userIDs []string) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(userIDs)), ", ")
	args := make([]any, 0, len(userIDs)+3)
	args = append(args, string(billing.StatusExpired), time.Now().UTC().Unix())
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, string(billing.StatusExpired))

	res, err := s.db.Exec(`
		UPDATE subscriptions SET status = ?, updated_at = ?
		WHERE user_id IN (`+placeholders+`) AND status <> ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions rows affected: %w", err)
	}
	return affected, nil
}

// CountSubscriptionsByStatus returns a map of status -> count, used for
// the subscriptions-by-status gauge.
func (s *Store) CountSubscriptionsByStatus() (map[billing.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[billing.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[billing.Status(status)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var createdAt int64
	var lastLogin sql.NullInt64

	err := sc.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &createdAt, &lastLogin)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	if lastLogin.Valid {
		ts := time.Unix(lastLogin.Int64, 0).UTC()
		u.LastLoginAt = &ts
	}
	return &u, nil
}

func scanSubscription(sc scanner) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	var trialEndsAt, periodStart, periodEnd, canceledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sub.UserID, &status, &trialEndsAt, &periodStart, &periodEnd, &canceledAt,
		&sub.PaymentProvider, &sub.PaymentProviderID, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = billing.Status(status)
	sub.TrialEndsAt = nullableTime(trialEndsAt)
	sub.CurrentPeriodStart = nullableTime(periodStart)
	sub.CurrentPeriodEnd = nullableTime(periodEnd)
	sub.CanceledAt = nullableTime(canceledAt)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanUserIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

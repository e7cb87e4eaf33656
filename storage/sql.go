package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/models"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// SQLStorage implements Storage on database/sql for SQLite and Postgres.
// Queries are written with ? placeholders and rebound per dialect.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
}

const openTimeout = 10 * time.Second

// Open picks the dialect from the store URL: postgres:// and postgresql://
// select Postgres, anything else is a SQLite path. The schema is migrated.
func Open(databaseURL, serviceKey string) (*SQLStorage, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgresStorage(databaseURL, serviceKey)
	}
	return NewSQLiteStorage(strings.TrimPrefix(databaseURL, "sqlite://"))
}

func NewSQLiteStorage(path string) (*SQLStorage, error) {
	dsn := path + "?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time. Transactions must only use their own tx.
	db.SetMaxOpenConns(1)

	return initSQLStorage(db, DialectSQLite)
}

// NewPostgresStorage connects with pgx. serviceKey is used as the password
// when the URL carries none.
func NewPostgresStorage(dsn, serviceKey string) (*SQLStorage, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.Password == "" && serviceKey != "" {
		cfg.Password = serviceKey
	}

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return initSQLStorage(db, DialectPostgres)
}

// NewSQLStorageWithDB wraps an already opened handle without migrating it.
func NewSQLStorageWithDB(db *sql.DB, dialect Dialect) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect}
}

func initSQLStorage(db *sql.DB, dialect Dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) Dialect() Dialect {
	return s.dialect
}

// rebind rewrites ? placeholders to $1, $2, ... for Postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const licenseColumns = `id, name, status, plan_id, activated_at, expires_at, lifetime,
	stripe_customer_id, stripe_subscription_id, last_event_id,
	last_subscription_event_at, last_invoice_event_at,
	version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(row scanner) (*models.License, error) {
	var (
		license                        models.License
		activatedAt, expiresAt         sql.NullTime
		lastSubEvent, lastInvoiceEvent sql.NullTime
		customer, subscription, lastID sql.NullString
	)
	err := row.Scan(
		&license.ID,
		&license.Name,
		&license.Status,
		&license.PlanID,
		&activatedAt,
		&expiresAt,
		&license.Lifetime,
		&customer,
		&subscription,
		&lastID,
		&lastSubEvent,
		&lastInvoiceEvent,
		&license.Version,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	license.ActivatedAt = timePtr(activatedAt)
	license.ExpiresAt = timePtr(expiresAt)
	license.LastSubscriptionEventAt = timePtr(lastSubEvent)
	license.LastInvoiceEventAt = timePtr(lastInvoiceEvent)
	license.StripeCustomerID = customer.String
	license.StripeSubscriptionID = subscription.String
	license.LastEventID = lastID.String
	license.CreatedAt = license.CreatedAt.UTC()
	license.UpdatedAt = license.UpdatedAt.UTC()
	return &license, nil
}

func (s *SQLStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	query := s.rebind(`SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`)

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapErr("get license "+id, err)
	}
	return license, nil
}

func (s *SQLStorage) FindLicenseByCustomer(ctx context.Context, customerID string) (*models.License, error) {
	if customerID == "" {
		return nil, fmt.Errorf("license for empty customer: %w", models.ErrNotFound)
	}
	query := s.rebind(`SELECT ` + licenseColumns + ` FROM licenses WHERE stripe_customer_id = ?`)

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, customerID))
	if err != nil {
		return nil, mapErr("find license for customer "+customerID, err)
	}
	return license, nil
}

func (s *SQLStorage) CreateLicense(ctx context.Context, license *models.License) error {
	stampNew(license)

	query := s.rebind(`INSERT INTO licenses (` + licenseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		license.ID,
		license.Name,
		license.Status,
		license.PlanID,
		nullTime(license.ActivatedAt),
		nullTime(license.ExpiresAt),
		license.Lifetime,
		nullString(license.StripeCustomerID),
		nullString(license.StripeSubscriptionID),
		nullString(license.LastEventID),
		nullTime(license.LastSubscriptionEventAt),
		nullTime(license.LastInvoiceEventAt),
		license.Version,
		license.CreatedAt,
		license.UpdatedAt,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("plan %s: %w", license.PlanID, models.ErrUnknownPlan)
	}
	return mapErr("create license "+license.ID, err)
}

func (s *SQLStorage) UpsertLicenseByCustomer(ctx context.Context, customerID string, patch models.LicensePatch) (*models.License, error) {
	if customerID == "" {
		return nil, errors.New("upsert license: empty customer reference")
	}

	now := time.Now().UTC()
	query := s.rebind(`INSERT INTO licenses (id, name, status, plan_id, lifetime, stripe_customer_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (stripe_customer_id) DO UPDATE SET
			name = CASE WHEN licenses.name = '' THEN excluded.name ELSE licenses.name END,
			plan_id = CASE WHEN excluded.plan_id <> '' THEN excluded.plan_id ELSE licenses.plan_id END,
			version = licenses.version + 1,
			updated_at = excluded.updated_at
		WHERE (excluded.plan_id <> '' AND licenses.plan_id <> excluded.plan_id)
			OR (licenses.name = '' AND excluded.name <> '')`)

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		patch.Name,
		models.StatusPending,
		patch.PlanID,
		false,
		customerID,
		now,
		now,
	)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("plan %s: %w", patch.PlanID, models.ErrUnknownPlan)
	}
	if err != nil {
		return nil, mapErr("upsert license for customer "+customerID, err)
	}

	return s.FindLicenseByCustomer(ctx, customerID)
}

func (s *SQLStorage) CompareAndSwapLicense(ctx context.Context, license *models.License, expectedVersion int64) error {
	now := time.Now().UTC()
	query := s.rebind(`UPDATE licenses SET
			name = ?, status = ?, plan_id = ?, activated_at = ?, expires_at = ?, lifetime = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, last_event_id = ?,
			last_subscription_event_at = ?, last_invoice_event_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`)

	res, err := s.db.ExecContext(ctx, query,
		license.Name,
		license.Status,
		license.PlanID,
		nullTime(license.ActivatedAt),
		nullTime(license.ExpiresAt),
		license.Lifetime,
		nullString(license.StripeCustomerID),
		nullString(license.StripeSubscriptionID),
		nullString(license.LastEventID),
		nullTime(license.LastSubscriptionEventAt),
		nullTime(license.LastInvoiceEventAt),
		now,
		license.ID,
		expectedVersion,
	)
	if err != nil {
		return mapErr("update license "+license.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update license "+license.ID, err)
	}
	if n == 0 {
		// Either the row is gone or someone else won the race.
		if _, err := s.GetLicense(ctx, license.ID); err != nil {
			return err
		}
		return fmt.Errorf("license %s moved past version %d: %w", license.ID, expectedVersion, models.ErrConflict)
	}

	license.Version = expectedVersion + 1
	license.UpdatedAt = now
	return nil
}

func (s *SQLStorage) SetStatus(ctx context.Context, id string, status models.LicenseStatus, expiresAt *time.Time) error {
	return setStatus(ctx, s, id, status, expiresAt)
}

const membershipColumns = `id, user_id, license_id, status, role, activated_at, created_at`

func scanMembership(row scanner) (*models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.ID, &m.UserID, &m.LicenseID, &m.Status, &m.Role, &m.ActivatedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.ActivatedAt = m.ActivatedAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// AddMembership takes the license row lock before counting, so concurrent
// redemptions of the same license serialise and cannot overshoot the plan.
func (s *SQLStorage) AddMembership(ctx context.Context, userID, licenseID string, role models.Role) (*models.Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin membership tx", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn("Failed to roll back membership tx", map[string]interface{}{
				"license_id": licenseID,
				"error":      err.Error(),
			})
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE licenses SET version = version WHERE id = ?`), licenseID)
	if err != nil {
		return nil, mapErr("lock license "+licenseID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, unavailable("lock license "+licenseID, err)
	} else if n == 0 {
		return nil, fmt.Errorf("license %s: %w", licenseID, models.ErrNotFound)
	}

	var maxUsers int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT p.max_users FROM licenses l
		JOIN plans p ON p.id = l.plan_id WHERE l.id = ?`), licenseID).Scan(&maxUsers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan of license %s: %w", licenseID, models.ErrUnknownPlan)
	}
	if err != nil {
		return nil, mapErr("read plan of license "+licenseID, err)
	}

	existing, err := scanMembership(tx.QueryRowContext(ctx, s.rebind(`SELECT `+membershipColumns+`
		FROM memberships WHERE user_id = ? AND license_id = ?`), userID, licenseID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapErr("read membership", err)
	}
	if existing != nil && existing.Status == models.MembershipActive {
		return existing, nil
	}

	var active int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM memberships
		WHERE license_id = ? AND status = ?`), licenseID, models.MembershipActive).Scan(&active)
	if err != nil {
		return nil, mapErr("count members of license "+licenseID, err)
	}
	if active >= maxUsers {
		return nil, fmt.Errorf("license %s has %d of %d users: %w", licenseID, active, maxUsers, models.ErrCapacityExceeded)
	}

	now := time.Now().UTC()
	var membership *models.Membership
	if existing != nil {
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE memberships SET status = ?, activated_at = ? WHERE id = ?`),
			models.MembershipActive, now, existing.ID)
		existing.Status = models.MembershipActive
		existing.ActivatedAt = now
		membership = existing
	} else {
		membership = &models.Membership{
			ID:          uuid.NewString(),
			UserID:      userID,
			LicenseID:   licenseID,
			Status:      models.MembershipActive,
			Role:        role,
			ActivatedAt: now,
			CreatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO memberships (`+membershipColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			membership.ID, membership.UserID, membership.LicenseID, membership.Status,
			membership.Role, membership.ActivatedAt, membership.CreatedAt)
	}
	if err != nil {
		return nil, mapErr("save membership", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit membership", err)
	}
	return membership, nil
}

func (s *SQLStorage) CountActiveMembers(ctx context.Context, licenseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM memberships
		WHERE license_id = ? AND status = ?`), licenseID, models.MembershipActive).Scan(&count)
	if err != nil {
		return 0, mapErr("count members of license "+licenseID, err)
	}
	return count, nil
}

func (s *SQLStorage) ListActiveMemberships(ctx context.Context, userID string) ([]*models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+membershipColumns+` FROM memberships
		WHERE user_id = ? AND status = ? ORDER BY created_at, id`), userID, models.MembershipActive)
	if err != nil {
		return nil, mapErr("query memberships", err)
	}
	defer closeRows(rows)

	var memberships []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, unavailable("scan membership", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate memberships", err)
	}
	return memberships, nil
}

func scanLicenseCode(row scanner) (*models.LicenseCode, error) {
	var (
		lc        models.LicenseCode
		expiresAt sql.NullTime
	)
	if err := row.Scan(&lc.Code, &lc.LicenseID, &expiresAt, &lc.CreatedAt); err != nil {
		return nil, err
	}
	lc.ExpiresAt = timePtr(expiresAt)
	lc.CreatedAt = lc.CreatedAt.UTC()
	return &lc, nil
}

func (s *SQLStorage) CreateLicenseCode(ctx context.Context, code *models.LicenseCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO license_codes (code, license_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`), code.Code, code.LicenseID, nullTime(code.ExpiresAt), code.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("license %s: %w", code.LicenseID, models.ErrNotFound)
	}
	return mapErr("create code "+code.Code, err)
}

func (s *SQLStorage) GetLicenseCode(ctx context.Context, code string) (*models.LicenseCode, error) {
	lc, err := scanLicenseCode(s.db.QueryRowContext(ctx, s.rebind(`SELECT code, license_id, expires_at, created_at
		FROM license_codes WHERE code = ?`), code))
	if err != nil {
		return nil, mapErr("get code "+code, err)
	}
	return lc, nil
}

func (s *SQLStorage) ListLicenseCodes(ctx context.Context, licenseID string) ([]*models.LicenseCode, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT code, license_id, expires_at, created_at
		FROM license_codes WHERE license_id = ? ORDER BY code`), licenseID)
	if err != nil {
		return nil, mapErr("query codes", err)
	}
	defer closeRows(rows)

	var codes []*models.LicenseCode
	for rows.Next() {
		lc, err := scanLicenseCode(rows)
		if err != nil {
			return nil, unavailable("scan code", err)
		}
		codes = append(codes, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate codes", err)
	}
	return codes, nil
}

func (s *SQLStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var p models.Plan
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, max_users, recurring, stripe_price_id
		FROM plans WHERE id = ?`), id).Scan(&p.ID, &p.Name, &p.MaxUsers, &p.Recurring, &p.StripePriceID)
	if err != nil {
		return nil, mapErr("get plan "+id, err)
	}
	return &p, nil
}

func (s *SQLStorage) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, max_users, recurring, stripe_price_id FROM plans ORDER BY id`)
	if err != nil {
		return nil, mapErr("query plans", err)
	}
	defer closeRows(rows)

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxUsers, &p.Recurring, &p.StripePriceID); err != nil {
			return nil, unavailable("scan plan", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate plans", err)
	}
	return plans, nil
}

func (s *SQLStorage) SyncPlans(ctx context.Context, plans []models.Plan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin plan sync", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.rebind(`INSERT INTO plans (id, name, max_users, recurring, stripe_price_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			max_users = excluded.max_users,
			recurring = excluded.recurring,
			stripe_price_id = excluded.stripe_price_id,
			updated_at = excluded.updated_at`)

	now := time.Now().UTC()
	for _, p := range plans {
		if _, err := tx.ExecContext(ctx, query, p.ID, p.Name, p.MaxUsers, p.Recurring, p.StripePriceID, now); err != nil {
			return mapErr("sync plan "+p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit plan sync", err)
	}
	return nil
}

func (s *SQLStorage) BeginEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO webhook_events (event_id, event_type, received_at)
		VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`), eventID, eventType, time.Now().UTC())
	if err != nil {
		return false, mapErr("record event "+eventID, err)
	}

	var processedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT processed_at FROM webhook_events WHERE event_id = ?`), eventID).
		Scan(&processedAt)
	if err != nil {
		return false, unavailable("read event "+eventID, err)
	}
	return processedAt.Valid, nil
}

func (s *SQLStorage) MarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE webhook_events SET processed_at = ? WHERE event_id = ?`),
		time.Now().UTC(), eventID)
	return mapErr("mark event "+eventID, err)
}

func (s *SQLStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping "+s.dialect.String(), err)
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.Warn("Failed to close rows", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// mapErr translates driver errors into the models taxonomy.
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, models.ErrConflict)
	default:
		return unavailable(op, err)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrUpstreamUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ Storage = (*SQLStorage)(nil)

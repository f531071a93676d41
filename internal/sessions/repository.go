// Package sessions persists checkout sessions and the transactional outbox in
// PostgreSQL.
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/d1gallar/forest/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const EventOrderSettled = "order.settled"
const EventOrderCancelled = "order.cancelled"

var (
	ErrSessionNotFound         = errors.New("checkout session not found")
	ErrIdempotencyKeyNotFound  = errors.New("idempotency key not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrDuplicateSession        = errors.New("checkout session already exists for payment")
	ErrSessionVersionConflict  = errors.New("checkout session was modified concurrently")
	ErrAlreadySettled          = errors.New("checkout session already settled")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type OutboxEvent struct {
	ID          int
	AggregateId string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

type RepoInterface interface {
	Close() error
	RunMigrations(*Credentials) error
	CreateCheckoutSession(ctx context.Context, s *domain.CheckoutSession) error
	GetCheckoutSessionByIdempotencyKey(ctx context.Context, key string) (*domain.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, userID, paymentID string) (*domain.CheckoutSession, error)
	GetCheckoutSessionByPaymentID(ctx context.Context, paymentID string) (*domain.CheckoutSession, error)
	UpdateCheckoutSession(ctx context.Context, s *domain.CheckoutSession) error
	SettleCheckoutSession(ctx context.Context, paymentID, orderID string, payload []byte) error
	AppendOutboxEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int) error
	GetStuckSessions(ctx context.Context, updatedBefore time.Time) ([]*domain.CheckoutSession, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(cred *Credentials) (*Repository, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	// open database
	db, err := sql.Open("postgres", psqlconn)

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// check db
	if e2 := db.Ping(); e2 != nil {
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)
	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "checkout_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping is used by the health endpoint.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const sessionColumns = `id, user_id, payment_id, idempotency_key, status, customer_name, customer_email,
	shipping_address, billing_address, billing_same_as_shipping, cart_snapshot, total_amount,
	order_id, failure_reason, last_error, version, created_at, updated_at`

func (r *Repository) CreateCheckoutSession(ctx context.Context, s *domain.CheckoutSession) error {
	shipping, billing, snapshot, err := marshalSessionDocs(s)
	if err != nil {
		return err
	}
	if s.Version == 0 {
		s.Version = 1
	}

	query := `INSERT INTO checkout_sessions (` + sessionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.db.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.PaymentID,
		sql.NullString{String: s.IdempotencyKey, Valid: s.IdempotencyKey != ""},
		s.Status,
		s.Customer.FullName,
		s.Customer.Email,
		shipping,
		billing,
		s.BillingSameAsShipping,
		snapshot,
		s.TotalAmount,
		s.OrderID,
		s.FailureReason,
		s.LastError,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if pqErr.Constraint == "uniq_checkout_idempotency_key" {
				return ErrDuplicateIdempotencyKey
			}
			return ErrDuplicateSession
		}
		return fmt.Errorf("failed to create checkout session: %w", err)
	}
	return nil
}

func (r *Repository) getOne(ctx context.Context, notFound error, where string, args ...interface{}) (*domain.CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE ` + where
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return s, nil
}

func (r *Repository) GetCheckoutSessionByIdempotencyKey(ctx context.Context, key string) (*domain.CheckoutSession, error) {
	return r.getOne(ctx, ErrIdempotencyKeyNotFound, `idempotency_key = $1`, key)
}

func (r *Repository) GetCheckoutSession(ctx context.Context, userID, paymentID string) (*domain.CheckoutSession, error) {
	return r.getOne(ctx, ErrSessionNotFound, `user_id = $1 AND payment_id = $2`, userID, paymentID)
}

func (r *Repository) GetCheckoutSessionByPaymentID(ctx context.Context, paymentID string) (*domain.CheckoutSession, error) {
	return r.getOne(ctx, ErrSessionNotFound, `payment_id = $1`, paymentID)
}

// UpdateCheckoutSession writes the mutable columns of s when the stored
// version still matches s.Version, then bumps s.Version.
func (r *Repository) UpdateCheckoutSession(ctx context.Context, s *domain.CheckoutSession) error {
	shipping, billing, snapshot, err := marshalSessionDocs(s)
	if err != nil {
		return err
	}

	query := `UPDATE checkout_sessions
	          SET status = $1, customer_name = $2, customer_email = $3, shipping_address = $4,
	              billing_address = $5, billing_same_as_shipping = $6, cart_snapshot = $7,
	              total_amount = $8, failure_reason = $9, last_error = $10,
	              version = version + 1, updated_at = NOW()
	          WHERE id = $11 AND version = $12`

	res, err := r.db.ExecContext(ctx, query,
		s.Status,
		s.Customer.FullName,
		s.Customer.Email,
		shipping,
		billing,
		s.BillingSameAsShipping,
		snapshot,
		s.TotalAmount,
		s.FailureReason,
		s.LastError,
		s.ID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update checkout session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionVersionConflict
	}
	s.Version++
	return nil
}

// SettleCheckoutSession marks the session for paymentID settled and appends
// an order.settled outbox event in one transaction.
func (r *Repository) SettleCheckoutSession(ctx context.Context, paymentID, orderID string, payload []byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID, status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM checkout_sessions WHERE payment_id = $1 FOR UPDATE`, paymentID,
	).Scan(&sessionID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to lock checkout session: %w", err)
	}
	if domain.CheckoutStatus(status) == domain.CheckoutStatusSettled {
		return ErrAlreadySettled
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE checkout_sessions
		 SET status = $1, order_id = $2, failure_reason = '', version = version + 1, updated_at = NOW()
		 WHERE id = $3`,
		domain.CheckoutStatusSettled, orderID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to settle checkout session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		sessionID, EventOrderSettled, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func (r *Repository) AppendOutboxEvent(ctx context.Context, aggregateID, eventType string, payload []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload) VALUES ($1, $2, $3)`,
		aggregateID, eventType, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *Repository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox_events WHERE processed = FALSE ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		ev := &OutboxEvent{}
		if err := rows.Scan(&ev.ID, &ev.AggregateId, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return events, nil
}

func (r *Repository) MarkEventAsProcessed(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed = TRUE, processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %d: %w", id, err)
	}
	return nil
}

// GetStuckSessions returns sessions still PaymentAuthorized after updatedBefore.
func (r *Repository) GetStuckSessions(ctx context.Context, updatedBefore time.Time) ([]*domain.CheckoutSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM checkout_sessions
	          WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT 100`
	rows, err := r.db.QueryContext(ctx, query, domain.CheckoutStatusPaymentAuthorized, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.CheckoutSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stuck session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stuck session rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.CheckoutSession, error) {
	var (
		s                           domain.CheckoutSession
		idemKey                     sql.NullString
		status                      string
		shipping, billing, snapshot []byte
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PaymentID,
		&idemKey,
		&status,
		&s.Customer.FullName,
		&s.Customer.Email,
		&shipping,
		&billing,
		&s.BillingSameAsShipping,
		&snapshot,
		&s.TotalAmount,
		&s.OrderID,
		&s.FailureReason,
		&s.LastError,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.IdempotencyKey = idemKey.String
	s.Status = domain.CheckoutStatus(status)

	if len(shipping) > 0 {
		s.ShippingAddress = &domain.Address{}
		if err := json.Unmarshal(shipping, s.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
	}
	if len(billing) > 0 {
		s.BillingAddress = &domain.Address{}
		if err := json.Unmarshal(billing, s.BillingAddress); err != nil {
			return nil, fmt.Errorf("decode billing address: %w", err)
		}
	}
	if len(snapshot) > 0 {
		s.Snapshot = &domain.CartSnapshot{}
		if err := json.Unmarshal(snapshot, s.Snapshot); err != nil {
			return nil, fmt.Errorf("decode cart snapshot: %w", err)
		}
	}
	return &s, nil
}

func marshalSessionDocs(s *domain.CheckoutSession) (shipping, billing, snapshot interface{}, err error) {
	if shipping, err = jsonColumn(s.ShippingAddress, s.ShippingAddress == nil); err != nil {
		return nil, nil, nil, fmt.Errorf("encode shipping address: %w", err)
	}
	if billing, err = jsonColumn(s.BillingAddress, s.BillingAddress == nil); err != nil {
		return nil, nil, nil, fmt.Errorf("encode billing address: %w", err)
	}
	if snapshot, err = jsonColumn(s.Snapshot, s.Snapshot == nil); err != nil {
		return nil, nil, nil, fmt.Errorf("encode cart snapshot: %w", err)
	}
	return shipping, billing, snapshot, nil
}

// jsonColumn encodes v for a nullable JSONB column.
func jsonColumn(v interface{}, null bool) (interface{}, error) {
	if null {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

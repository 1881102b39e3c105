package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/starledger/internal/domain"
)

//go:embed schema.sql
var schema string

// Postgres implements Store on PostgreSQL. Transactions run at REPEATABLE READ;
// serialization failures, deadlocks and version mismatches all surface as
// domain.ErrStoreConflict.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for bulk tooling such as the seeder.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the schema if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *Postgres) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", classify(err))
	}
	return nil
}

// classify maps retryable postgres failures onto domain.ErrStoreConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrStoreConflict, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type pgTx struct {
	tx pgx.Tx
}

const walletColumns = `user_id, balance, escrow_balance, total_earned, total_spent, total_purchased,
	active, version, created_at, updated_at, last_transaction_at`

func (t *pgTx) GetWallet(ctx context.Context, userID string) (domain.Wallet, error) {
	var w domain.Wallet
	err := t.tx.QueryRow(ctx, "SELECT "+walletColumns+" FROM wallets WHERE user_id = $1", userID).Scan(
		&w.UserID, &w.Balance, &w.EscrowBalance, &w.TotalEarned, &w.TotalSpent, &w.TotalPurchased,
		&w.Active, &w.Version, &w.CreatedAt, &w.UpdatedAt, &w.LastTransactionAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("wallet query failed: %w", err)
	}
	return w, nil
}

func (t *pgTx) InsertWallet(ctx context.Context, w domain.Wallet) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, escrow_balance, total_earned, total_spent, total_purchased,
			active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		ON CONFLICT (user_id) DO NOTHING`,
		w.UserID, w.Balance, w.EscrowBalance, w.TotalEarned, w.TotalSpent, w.TotalPurchased,
		w.Active, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("wallet insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWalletExists
	}
	return nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w domain.Wallet) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET balance = $2, escrow_balance = $3, total_earned = $4, total_spent = $5,
			total_purchased = $6, active = $7, updated_at = $8, last_transaction_at = $9, version = version + 1
		WHERE user_id = $1 AND version = $10`,
		w.UserID, w.Balance, w.EscrowBalance, w.TotalEarned, w.TotalSpent,
		w.TotalPurchased, w.Active, w.UpdatedAt, w.LastTransactionAt, w.Version,
	)
	if err != nil {
		return fmt.Errorf("wallet update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStoreConflict
	}
	return nil
}

func (t *pgTx) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, "SELECT user_id FROM wallets ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("wallet list failed: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const transactionColumns = `id, seq, user_id, transaction_type, amount, balance_before, balance_after,
	escrow_balance_before, escrow_balance_after, reference_id, description, status,
	COALESCE(idempotency_key, ''), metadata, created_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var tr domain.Transaction
	err := row.Scan(
		&tr.ID, &tr.Seq, &tr.UserID, &tr.Type, &tr.Amount, &tr.BalanceBefore, &tr.BalanceAfter,
		&tr.EscrowBalanceBefore, &tr.EscrowBalanceAfter, &tr.ReferenceID, &tr.Description, &tr.Status,
		&tr.IdempotencyKey, &tr.Metadata, &tr.CreatedAt,
	)
	return tr, err
}

func (t *pgTx) collectTransactions(ctx context.Context, sql string, args ...any) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO token_transactions (id, user_id, transaction_type, amount, balance_before, balance_after,
			escrow_balance_before, escrow_balance_after, reference_id, description, status,
			idempotency_key, compensates_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING seq`,
		tr.ID, tr.UserID, tr.Type, tr.Amount, tr.BalanceBefore, tr.BalanceAfter,
		tr.EscrowBalanceBefore, tr.EscrowBalanceAfter, tr.ReferenceID, tr.Description, tr.Status,
		nullable(tr.IdempotencyKey), nullable(tr.Metadata.Compensates), tr.Metadata, tr.CreatedAt,
	).Scan(&tr.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate transaction key", domain.ErrStoreConflict)
	}
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM token_transactions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tr, err
}

func (t *pgTx) FindTransactionByKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM token_transactions WHERE user_id = $1 AND idempotency_key = $2",
		userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tr, err
}

func (t *pgTx) SetTransactionReference(ctx context.Context, id, referenceID string) error {
	tag, err := t.tx.Exec(ctx, "UPDATE token_transactions SET reference_id = $2 WHERE id = $1", id, referenceID)
	if err != nil {
		return fmt.Errorf("transaction reference update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, userID string, beforeSeq int64, limit int) ([]domain.Transaction, error) {
	return t.collectTransactions(ctx,
		"SELECT "+transactionColumns+` FROM token_transactions
		WHERE user_id = $1 AND ($2::bigint <= 0 OR seq < $2)
		ORDER BY seq DESC LIMIT $3`,
		userID, beforeSeq, limit)
}

func (t *pgTx) ReplayTransactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	return t.collectTransactions(ctx,
		"SELECT "+transactionColumns+" FROM token_transactions WHERE user_id = $1 ORDER BY seq", userID)
}

func (t *pgTx) OrphanedSpends(ctx context.Context, before time.Time) ([]domain.Transaction, error) {
	return t.collectTransactions(ctx,
		"SELECT "+transactionColumns+` FROM token_transactions t
		WHERE t.transaction_type IN ($1, $2)
			AND t.created_at < $3
			AND NOT EXISTS (SELECT 1 FROM pool_credits c WHERE c.transaction_id = t.id)
			AND NOT EXISTS (SELECT 1 FROM token_transactions r WHERE r.compensates_id = t.id)
		ORDER BY t.seq`,
		domain.TxSpendProjectContribution, domain.TxSpendCauseDonation, before)
}

func (t *pgTx) GetService(ctx context.Context, id string) (domain.Service, error) {
	var s domain.Service
	err := t.tx.QueryRow(ctx,
		"SELECT id, provider_id, title, price, active FROM services WHERE id = $1", id,
	).Scan(&s.ID, &s.ProviderID, &s.Title, &s.Price, &s.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Service{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Service{}, fmt.Errorf("service query failed: %w", err)
	}
	return s, nil
}

func (t *pgTx) InsertService(ctx context.Context, s domain.Service) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO services (id, provider_id, title, price, active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET provider_id = $2, title = $3, price = $4, active = $5`,
		s.ID, s.ProviderID, s.Title, s.Price, s.Active)
	if err != nil {
		return fmt.Errorf("service insert failed: %w", err)
	}
	return nil
}

const bookingColumns = `id, service_id, resident_id, service_provider_id, scheduled_date, scheduled_time,
	duration, requirements, total_tokens, status, escrow_transaction_id, cancellation_reason, cancelled_by,
	version, created_at, updated_at, completed_at, cancelled_at`

func (t *pgTx) InsertBooking(ctx context.Context, b *domain.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Version = 1
	_, err := t.tx.Exec(ctx,
		"INSERT INTO bookings ("+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		b.ID, b.ServiceID, b.ResidentID, b.ServiceProviderID, b.ScheduledDate, b.ScheduledTime,
		b.Duration, b.Requirements, b.TotalTokens, b.Status, b.EscrowTransactionID, b.CancellationReason,
		b.CancelledBy, b.Version, b.CreatedAt, b.UpdatedAt, b.CompletedAt, b.CancelledAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate booking id", domain.ErrStoreConflict)
	}
	if err != nil {
		return fmt.Errorf("booking insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetBooking(ctx context.Context, id string) (domain.Booking, error) {
	var b domain.Booking
	err := t.tx.QueryRow(ctx, "SELECT "+bookingColumns+" FROM bookings WHERE id = $1", id).Scan(
		&b.ID, &b.ServiceID, &b.ResidentID, &b.ServiceProviderID, &b.ScheduledDate, &b.ScheduledTime,
		&b.Duration, &b.Requirements, &b.TotalTokens, &b.Status, &b.EscrowTransactionID, &b.CancellationReason,
		&b.CancelledBy, &b.Version, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt, &b.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("booking query failed: %w", err)
	}
	return b, nil
}

func (t *pgTx) UpdateBooking(ctx context.Context, b domain.Booking) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE bookings SET status = $2, cancellation_reason = $3, cancelled_by = $4, updated_at = $5,
			completed_at = $6, cancelled_at = $7, version = version + 1
		WHERE id = $1 AND version = $8`,
		b.ID, b.Status, b.CancellationReason, b.CancelledBy, b.UpdatedAt, b.CompletedAt, b.CancelledAt, b.Version,
	)
	if err != nil {
		return fmt.Errorf("booking update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStoreConflict
	}
	return nil
}

func fundableTable(kind domain.FundableKind) (string, error) {
	switch kind {
	case domain.KindProject:
		return "star_projects", nil
	case domain.KindCause:
		return "star_causes", nil
	}
	return "", fmt.Errorf("%w: unknown fundable kind %q", domain.ErrInvalidInput, kind)
}

func (t *pgTx) GetFundable(ctx context.Context, kind domain.FundableKind, id string) (domain.Fundable, error) {
	table, err := fundableTable(kind)
	if err != nil {
		return domain.Fundable{}, err
	}
	f := domain.Fundable{Kind: kind}
	err = t.tx.QueryRow(ctx,
		`SELECT id, title, owner_id, current_amount, target_amount, status, contributors, version, updated_at
		FROM `+table+` WHERE id = $1`, id,
	).Scan(&f.ID, &f.Title, &f.OwnerID, &f.CurrentAmount, &f.TargetAmount, &f.Status, &f.Contributors, &f.Version, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Fundable{}, domain.ErrTargetNotFound
	}
	if err != nil {
		return domain.Fundable{}, fmt.Errorf("%s query failed: %w", kind, err)
	}
	if f.Contributors == nil {
		f.Contributors = make(map[string]int64)
	}
	return f, nil
}

func (t *pgTx) InsertFundable(ctx context.Context, f *domain.Fundable) error {
	table, err := fundableTable(f.Kind)
	if err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Contributors == nil {
		f.Contributors = make(map[string]int64)
	}
	f.Version = 1
	_, err = t.tx.Exec(ctx,
		`INSERT INTO `+table+` (id, title, owner_id, current_amount, target_amount, status, contributors, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)`,
		f.ID, f.Title, f.OwnerID, f.CurrentAmount, f.TargetAmount, f.Status, f.Contributors, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s insert failed: %w", f.Kind, err)
	}
	return nil
}

func (t *pgTx) UpdateFundable(ctx context.Context, f domain.Fundable) error {
	table, err := fundableTable(f.Kind)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+table+` SET current_amount = $2, status = $3, contributors = $4, updated_at = $5,
			version = version + 1
		WHERE id = $1 AND version = $6`,
		f.ID, f.CurrentAmount, f.Status, f.Contributors, f.UpdatedAt, f.Version)
	if err != nil {
		return fmt.Errorf("%s update failed: %w", f.Kind, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStoreConflict
	}
	return nil
}

func (t *pgTx) DeleteFundable(ctx context.Context, kind domain.FundableKind, id string) error {
	table, err := fundableTable(kind)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("%s delete failed: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTargetNotFound
	}
	return nil
}

func (t *pgTx) InsertPoolCredit(ctx context.Context, c domain.PoolCredit) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pool_credits (transaction_id, kind, target_id, user_id, amount, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.TransactionID, c.Kind, c.TargetID, c.UserID, c.Amount, c.Message, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: pool credit exists", domain.ErrStoreConflict)
	}
	if err != nil {
		return fmt.Errorf("pool credit insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) ListPoolCredits(ctx context.Context, kind domain.FundableKind, targetID string) ([]domain.PoolCredit, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT transaction_id, kind, target_id, user_id, amount, message, created_at
		FROM pool_credits WHERE kind = $1 AND target_id = $2 ORDER BY created_at DESC`,
		kind, targetID)
	if err != nil {
		return nil, fmt.Errorf("pool credit query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.PoolCredit
	for rows.Next() {
		var c domain.PoolCredit
		if err := rows.Scan(&c.TransactionID, &c.Kind, &c.TargetID, &c.UserID, &c.Amount, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("pool credit scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertReview(ctx context.Context, r *domain.Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reviews (id, booking_id, reviewer_id, reviewee_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.BookingID, r.ReviewerID, r.RevieweeID, r.Rating, r.Comment, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: booking already reviewed", domain.ErrInvalidInput)
	}
	if err != nil {
		return fmt.Errorf("review insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserRating(ctx context.Context, userID string) (domain.UserRating, error) {
	r := domain.UserRating{UserID: userID}
	var avg string
	err := t.tx.QueryRow(ctx,
		"SELECT average_rating::text, review_count, version, updated_at FROM user_ratings WHERE user_id = $1",
		userID,
	).Scan(&avg, &r.ReviewCount, &r.Version, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return domain.UserRating{}, fmt.Errorf("rating query failed: %w", err)
	}
	if r.AverageRating, err = decimal.NewFromString(avg); err != nil {
		return domain.UserRating{}, fmt.Errorf("rating decode failed: %w", err)
	}
	return r, nil
}

func (t *pgTx) PutUserRating(ctx context.Context, r domain.UserRating) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if r.Version == 0 {
		tag, err = t.tx.Exec(ctx,
			`INSERT INTO user_ratings (user_id, average_rating, review_count, version, updated_at)
			VALUES ($1, $2::numeric, $3, 1, $4) ON CONFLICT (user_id) DO NOTHING`,
			r.UserID, r.AverageRating.String(), r.ReviewCount, r.UpdatedAt)
	} else {
		tag, err = t.tx.Exec(ctx,
			`UPDATE user_ratings SET average_rating = $2::numeric, review_count = $3, updated_at = $4,
				version = version + 1
			WHERE user_id = $1 AND version = $5`,
			r.UserID, r.AverageRating.String(), r.ReviewCount, r.UpdatedAt, r.Version)
	}
	if err != nil {
		return fmt.Errorf("rating write failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStoreConflict
	}
	return nil
}

package finance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	GetAccountByName(ctx context.Context, name string) (Account, error)
	AdjustAccountBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error
	GetTransactionBySourceKey(ctx context.Context, key uuid.UUID) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	// InsertTransaction reports false when a row with the same source key
	// already existed; the stored row is returned in that case.
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, bool, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status TransactionStatus, completedAt *time.Time) error
	GetJournalBySourceKey(ctx context.Context, key uuid.UUID) (JournalEntry, error)
	InsertJournal(ctx context.Context, entry JournalEntry) (JournalEntry, error)
}

// Repository persists finance entities.
type Repository struct {
	tm *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tm *db.TxManager) *Repository {
	return &Repository{tm: tm}
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside the context transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tm.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: r.tm.Querier(ctx)})
	})
}

const transactionColumns = `id, type, status, amount, account_id, reference_type, reference_id, description, source_key, created_by, created_at, completed_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t       Transaction
		refType *string
		refID   *int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.Amount, &t.AccountID, &refType, &refID, &t.Description, &t.SourceKey, &t.CreatedBy, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	if refType != nil {
		t.ReferenceType = ReferenceType(*refType)
	}
	if refID != nil {
		t.ReferenceID = *refID
	}
	return t, nil
}

// GetTransaction loads a transaction by id.
func (r *Repository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return scanTransaction(r.tm.Querier(ctx).QueryRow(ctx, `SELECT `+transactionColumns+` FROM finance_transactions WHERE id=$1`, id))
}

// ListTransactions lists transactions matching filter.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Type != "" {
		add("type=$%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.ReferenceType != ReferenceNone {
		add("reference_type=$%d", string(filter.ReferenceType))
	}
	if filter.ReferenceID != 0 {
		add("reference_id=$%d", filter.ReferenceID)
	}
	if filter.AccountID != 0 {
		add("account_id=$%d", filter.AccountID)
	}
	query := `SELECT ` + transactionColumns + ` FROM finance_transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.tm.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAccounts lists accounts ordered by id.
func (r *Repository) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, `SELECT id, name, type, balance, updated_at FROM finance_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Balance, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetJournal loads an entry and its lines.
func (r *Repository) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	return loadJournal(ctx, r.tm.Querier(ctx), `id=$1`, id)
}

func loadJournal(ctx context.Context, q db.Querier, where string, arg any) (JournalEntry, error) {
	var (
		e       JournalEntry
		refType *string
		refID   *int64
	)
	err := q.QueryRow(ctx, `SELECT id, number, date, memo, reference_type, reference_id, source_key, posted_by, created_at FROM journal_entries WHERE `+where, arg).
		Scan(&e.ID, &e.Number, &e.Date, &e.Memo, &refType, &refID, &e.SourceKey, &e.PostedBy, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrJournalNotFound
		}
		return JournalEntry{}, err
	}
	if refType != nil {
		e.ReferenceType = ReferenceType(*refType)
	}
	if refID != nil {
		e.ReferenceID = *refID
	}
	rows, err := q.Query(ctx, `SELECT account_id, debit, credit FROM journal_lines WHERE entry_id=$1 ORDER BY id`, e.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l JournalLine
		if err := rows.Scan(&l.AccountID, &l.Debit, &l.Credit); err != nil {
			return JournalEntry{}, err
		}
		e.Lines = append(e.Lines, l)
	}
	return e, rows.Err()
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Balance, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.q.QueryRow(ctx, `SELECT id, name, type, balance, updated_at FROM finance_accounts WHERE id=$1`, id))
}

func (r *txRepository) GetAccountByName(ctx context.Context, name string) (Account, error) {
	return scanAccount(r.q.QueryRow(ctx, `SELECT id, name, type, balance, updated_at FROM finance_accounts WHERE name=$1`, name))
}

func (r *txRepository) AdjustAccountBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	tag, err := r.q.Exec(ctx, `UPDATE finance_accounts SET balance = balance + $2, updated_at = NOW() WHERE id=$1`, accountID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) GetTransactionBySourceKey(ctx context.Context, key uuid.UUID) (Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM finance_transactions WHERE source_key=$1`, key))
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM finance_transactions WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertTransaction(ctx context.Context, t Transaction) (Transaction, bool, error) {
	var (
		refType *string
		refID   *int64
	)
	if t.ReferenceType != ReferenceNone {
		s := string(t.ReferenceType)
		refType = &s
		refID = &t.ReferenceID
	}
	err := r.q.QueryRow(ctx, `INSERT INTO finance_transactions (type, status, amount, account_id, reference_type, reference_id, description, source_key, created_by, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (source_key) DO NOTHING RETURNING id`,
		string(t.Type), string(t.Status), t.Amount, t.AccountID, refType, refID, t.Description, t.SourceKey, t.CreatedBy, t.CreatedAt, t.CompletedAt).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.GetTransactionBySourceKey(ctx, t.SourceKey)
		return existing, false, err
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return t, true, nil
}

func (r *txRepository) UpdateTransactionStatus(ctx context.Context, id int64, status TransactionStatus, completedAt *time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE finance_transactions SET status=$2, completed_at=$3 WHERE id=$1 AND status='pending'`, id, string(status), completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImmutable
	}
	return nil
}

func (r *txRepository) GetJournalBySourceKey(ctx context.Context, key uuid.UUID) (JournalEntry, error) {
	return loadJournal(ctx, r.q, `source_key=$1`, key)
}

func (r *txRepository) InsertJournal(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	var (
		refType *string
		refID   *int64
	)
	if entry.ReferenceType != ReferenceNone {
		s := string(entry.ReferenceType)
		refType = &s
		refID = &entry.ReferenceID
	}
	err := r.q.QueryRow(ctx, `INSERT INTO journal_entries (number, date, memo, reference_type, reference_id, source_key, posted_by, created_at)
VALUES ('JE-' || to_char($1::date, 'YYYYMMDD') || '-' || lpad(nextval('journal_entry_number_seq')::text, 6, '0'), $1, $2, $3, $4, $5, $6, $7)
RETURNING id, number`,
		entry.Date, entry.Memo, refType, refID, entry.SourceKey, entry.PostedBy, entry.CreatedAt).Scan(&entry.ID, &entry.Number)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return JournalEntry{}, fmt.Errorf("finance: journal source already posted: %w", shared.ErrConflict)
		}
		return JournalEntry{}, err
	}
	for _, line := range entry.Lines {
		if _, err := r.q.Exec(ctx, `INSERT INTO journal_lines (entry_id, account_id, debit, credit) VALUES ($1, $2, $3, $4)`,
			entry.ID, line.AccountID, line.Debit, line.Credit); err != nil {
			return JournalEntry{}, err
		}
	}
	return entry, nil
}

var _ RepositoryPort = (*Repository)(nil)

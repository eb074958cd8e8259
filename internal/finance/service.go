package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	GetJournal(ctx context.Context, id int64) (JournalEntry, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PostingObserver counts committed postings.
type PostingObserver interface {
	ObservePosting(txType string)
}

// Service appends finance transactions and journal entries.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics PostingObserver
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the finance service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches a posting observer.
func (s *Service) WithMetrics(m PostingObserver) {
	s.metrics = m
}

// Post appends one transaction. A posting whose source key already exists
// returns the stored transaction unchanged.
func (s *Service) Post(ctx context.Context, input PostingInput) (Transaction, error) {
	if err := input.Validate(); err != nil {
		return Transaction{}, err
	}
	if input.Status == "" {
		input.Status = StatusCompleted
	}
	if input.SourceKey == uuid.Nil {
		input.SourceKey = uuid.New()
	}
	var (
		posted  Transaction
		created bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetTransactionBySourceKey(ctx, input.SourceKey)
		if err == nil {
			posted = existing
			return nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		account, err := resolveAccount(ctx, tx, input.AccountID, input.AccountName)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		record := Transaction{
			Type:          input.Type,
			Status:        input.Status,
			Amount:        input.Amount,
			AccountID:     account.ID,
			ReferenceType: input.ReferenceType,
			ReferenceID:   input.ReferenceID,
			Description:   input.Description,
			SourceKey:     input.SourceKey,
			CreatedBy:     input.CreatedBy,
			CreatedAt:     now,
		}
		if record.Status == StatusCompleted {
			record.CompletedAt = &now
		}
		inserted, fresh, err := tx.InsertTransaction(ctx, record)
		if err != nil {
			return err
		}
		posted = inserted
		created = fresh
		if !fresh || inserted.Status != StatusCompleted {
			return nil
		}
		return tx.AdjustAccountBalance(ctx, account.ID, balanceEffect(inserted))
	})
	if err != nil {
		return Transaction{}, err
	}
	if created {
		s.afterPost(ctx, posted)
	}
	return posted, nil
}

// Settle moves a pending transaction to completed, failed or cancelled.
func (s *Service) Settle(ctx context.Context, id int64, status TransactionStatus, actor string) (Transaction, error) {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return Transaction{}, fmt.Errorf("finance: cannot settle to %q: %w", status, shared.ErrValidation)
	}
	var settled Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTransactionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusPending {
			return ErrImmutable
		}
		current.Status = status
		if status == StatusCompleted {
			now := s.now().UTC()
			current.CompletedAt = &now
		}
		if err := tx.UpdateTransactionStatus(ctx, current.ID, current.Status, current.CompletedAt); err != nil {
			return err
		}
		settled = current
		if status != StatusCompleted {
			return nil
		}
		return tx.AdjustAccountBalance(ctx, current.AccountID, balanceEffect(current))
	})
	if err != nil {
		return Transaction{}, err
	}
	s.record(ctx, actor, "finance.settle", settled.ID, map[string]any{"status": string(status)})
	return settled, nil
}

// Reverse books an adjustment that cancels the balance effect of a completed
// transaction. Reversing the same transaction twice returns the first reversal.
func (s *Service) Reverse(ctx context.Context, id int64, actor string) (Transaction, error) {
	original, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if original.Status != StatusCompleted {
		return Transaction{}, ErrNotReversible
	}
	return s.Post(ctx, PostingInput{
		Type:          TypeAdjustment,
		Amount:        balanceEffect(original).Neg(),
		AccountID:     original.AccountID,
		ReferenceType: original.ReferenceType,
		ReferenceID:   original.ReferenceID,
		Status:        StatusCompleted,
		Description:   fmt.Sprintf("Reversal of transaction #%d", original.ID),
		SourceKey:     uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("reversal:%d", original.ID))),
		CreatedBy:     actor,
	})
}

// PostJournal validates and persists a balanced journal entry.
func (s *Service) PostJournal(ctx context.Context, input JournalInput) (JournalEntry, error) {
	if err := input.Validate(); err != nil {
		return JournalEntry{}, err
	}
	if input.SourceKey == uuid.Nil {
		input.SourceKey = uuid.New()
	}
	if input.Date.IsZero() {
		input.Date = s.now()
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetJournalBySourceKey(ctx, input.SourceKey)
		if err == nil {
			entry = existing
			return nil
		}
		if !errors.Is(err, ErrJournalNotFound) {
			return err
		}
		lines := make([]JournalLine, 0, len(input.Lines))
		for _, line := range input.Lines {
			account, err := resolveAccount(ctx, tx, line.AccountID, line.AccountName)
			if err != nil {
				return err
			}
			lines = append(lines, JournalLine{AccountID: account.ID, Debit: line.Debit, Credit: line.Credit})
		}
		inserted, err := tx.InsertJournal(ctx, JournalEntry{
			Date:          input.Date.UTC(),
			Memo:          input.Memo,
			ReferenceType: input.ReferenceType,
			ReferenceID:   input.ReferenceID,
			SourceKey:     input.SourceKey,
			PostedBy:      input.PostedBy,
			CreatedAt:     s.now().UTC(),
			Lines:         lines,
		})
		if err != nil {
			return err
		}
		entry = inserted
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	s.record(ctx, input.PostedBy, "journal.post", entry.ID, map[string]any{"number": entry.Number})
	return entry, nil
}

// GetTransaction loads one transaction.
func (s *Service) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions lists transactions in id order.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// ListAccounts lists accounts with their informational balances.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

// GetAccountByName resolves an account by its unique name.
func (s *Service) GetAccountByName(ctx context.Context, name string) (Account, error) {
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		account, err = tx.GetAccountByName(ctx, name)
		return err
	})
	return account, err
}

// GetJournal loads a journal entry with its lines.
func (s *Service) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	return s.repo.GetJournal(ctx, id)
}

func (s *Service) afterPost(ctx context.Context, posted Transaction) {
	db.AfterCommit(ctx, func(ctx context.Context) {
		if s.metrics != nil {
			s.metrics.ObservePosting(string(posted.Type))
		}
		s.logger.InfoContext(ctx, "finance transaction posted",
			slog.Int64("transaction_id", posted.ID),
			slog.String("type", string(posted.Type)),
			slog.String("status", string(posted.Status)),
			slog.String("amount", posted.Amount.String()))
		s.record(ctx, posted.CreatedBy, "finance.post", posted.ID, map[string]any{
			"type":           string(posted.Type),
			"amount":         posted.Amount.String(),
			"reference_type": string(posted.ReferenceType),
			"reference_id":   posted.ReferenceID,
		})
	})
}

func (s *Service) record(ctx context.Context, actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entity := "finance_transaction"
	if action == "journal.post" {
		entity = "journal_entry"
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func resolveAccount(ctx context.Context, tx TxRepository, id int64, name string) (Account, error) {
	if id != 0 {
		return tx.GetAccount(ctx, id)
	}
	return tx.GetAccountByName(ctx, name)
}

// balanceEffect is the signed change a completed transaction makes to its
// account balance.
func balanceEffect(t Transaction) decimal.Decimal {
	if t.Type.inflow() {
		return t.Amount
	}
	return t.Amount.Neg()
}

package finance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/platform/memdb"
)

// MemoryRepository keeps finance entities in process memory.
type MemoryRepository struct {
	store        *memdb.Store
	accounts     map[int64]Account
	transactions []Transaction
	bySource     map[uuid.UUID]int
	journals     []JournalEntry
}

// NewMemoryRepository constructs a transient repository seeded with DefaultAccounts.
func NewMemoryRepository(store *memdb.Store) *MemoryRepository {
	r := &MemoryRepository{
		store:    store,
		accounts: make(map[int64]Account),
		bySource: make(map[uuid.UUID]int),
	}
	_ = store.WithTx(context.Background(), func(ctx context.Context) error {
		for _, a := range DefaultAccounts {
			a.ID = store.NextID("finance_accounts")
			a.Balance = decimal.Zero
			a.UpdatedAt = store.Now()
			r.accounts[a.ID] = a
		}
		return nil
	})
	return r
}

type memoryTx struct {
	repo *MemoryRepository
}

// WithTx runs fn under the store lock.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.store.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &memoryTx{repo: r})
	})
}

// GetTransaction loads a transaction by id.
func (r *MemoryRepository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	var out Transaction
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		t, ok := r.find(id)
		if !ok {
			return ErrTransactionNotFound
		}
		out = t
		return nil
	})
	return out, err
}

// ListTransactions lists transactions matching filter.
func (r *MemoryRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var out []Transaction
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, t := range r.transactions {
			if filter.Type != "" && t.Type != filter.Type {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if filter.ReferenceType != ReferenceNone && t.ReferenceType != filter.ReferenceType {
				continue
			}
			if filter.ReferenceID != 0 && t.ReferenceID != filter.ReferenceID {
				continue
			}
			if filter.AccountID != 0 && t.AccountID != filter.AccountID {
				continue
			}
			out = append(out, t)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ListAccounts lists accounts ordered by id.
func (r *MemoryRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, a := range r.accounts {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

// GetJournal loads an entry by id.
func (r *MemoryRepository) GetJournal(ctx context.Context, id int64) (JournalEntry, error) {
	var out JournalEntry
	err := r.store.WithTx(ctx, func(ctx context.Context) error {
		for _, e := range r.journals {
			if e.ID == id {
				out = e
				return nil
			}
		}
		return ErrJournalNotFound
	})
	return out, err
}

func (r *MemoryRepository) find(id int64) (Transaction, bool) {
	for _, t := range r.transactions {
		if t.ID == id {
			return t, true
		}
	}
	return Transaction{}, false
}

func (tx *memoryTx) GetAccount(ctx context.Context, id int64) (Account, error) {
	a, ok := tx.repo.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (tx *memoryTx) GetAccountByName(ctx context.Context, name string) (Account, error) {
	for _, a := range tx.repo.accounts {
		if a.Name == name {
			return a, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (tx *memoryTx) AdjustAccountBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	prev, ok := tx.repo.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	next := prev
	next.Balance = prev.Balance.Add(delta)
	next.UpdatedAt = tx.repo.store.Now()
	tx.repo.accounts[accountID] = next
	memdb.OnRollback(ctx, func() { tx.repo.accounts[accountID] = prev })
	return nil
}

func (tx *memoryTx) GetTransactionBySourceKey(ctx context.Context, key uuid.UUID) (Transaction, error) {
	idx, ok := tx.repo.bySource[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx.repo.transactions[idx], nil
}

func (tx *memoryTx) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	t, ok := tx.repo.find(id)
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, t Transaction) (Transaction, bool, error) {
	if idx, ok := tx.repo.bySource[t.SourceKey]; ok {
		return tx.repo.transactions[idx], false, nil
	}
	t.ID = tx.repo.store.NextID("finance_transactions")
	n := len(tx.repo.transactions)
	tx.repo.transactions = append(tx.repo.transactions, t)
	tx.repo.bySource[t.SourceKey] = n
	memdb.OnRollback(ctx, func() {
		tx.repo.transactions = tx.repo.transactions[:n]
		delete(tx.repo.bySource, t.SourceKey)
	})
	return t, true, nil
}

func (tx *memoryTx) UpdateTransactionStatus(ctx context.Context, id int64, status TransactionStatus, completedAt *time.Time) error {
	for idx, t := range tx.repo.transactions {
		if t.ID != id {
			continue
		}
		if t.Status != StatusPending {
			return ErrImmutable
		}
		prev := t
		t.Status = status
		t.CompletedAt = completedAt
		tx.repo.transactions[idx] = t
		memdb.OnRollback(ctx, func() { tx.repo.transactions[idx] = prev })
		return nil
	}
	return ErrTransactionNotFound
}

func (tx *memoryTx) GetJournalBySourceKey(ctx context.Context, key uuid.UUID) (JournalEntry, error) {
	for _, e := range tx.repo.journals {
		if e.SourceKey == key {
			return e, nil
		}
	}
	return JournalEntry{}, ErrJournalNotFound
}

func (tx *memoryTx) InsertJournal(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	entry.ID = tx.repo.store.NextID("journal_entries")
	entry.Number = fmt.Sprintf("JE-%s-%06d", entry.Date.Format("20060102"), entry.ID)
	lines := make([]JournalLine, len(entry.Lines))
	copy(lines, entry.Lines)
	entry.Lines = lines
	n := len(tx.repo.journals)
	tx.repo.journals = append(tx.repo.journals, entry)
	memdb.OnRollback(ctx, func() { tx.repo.journals = tx.repo.journals[:n] })
	return entry, nil
}

var _ RepositoryPort = (*MemoryRepository)(nil)

package finance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meatcart/meatcart/internal/shared"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TypeSale       TransactionType = "sale"
	TypeRefund     TransactionType = "refund"
	TypeExpense    TransactionType = "expense"
	TypePurchase   TransactionType = "purchase"
	TypeAdjustment TransactionType = "adjustment"
	TypePayout     TransactionType = "payout"
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeSale, TypeRefund, TypeExpense, TypePurchase, TypeAdjustment, TypePayout:
		return true
	}
	return false
}

// inflow reports whether a completed transaction of this type raises the
// informational account balance.
func (t TransactionType) inflow() bool {
	return t == TypeSale || t == TypeAdjustment
}

// TransactionStatus tracks settlement of a transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// ReferenceType links a transaction to its source document.
type ReferenceType string

const (
	ReferenceNone          ReferenceType = ""
	ReferenceOrder         ReferenceType = "order"
	ReferencePurchaseOrder ReferenceType = "purchase_order"
)

// AccountType enumerates finance account kinds.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

// Well-known account names.
const (
	AccountCODCollections  = "COD Collections"
	AccountCardPayments    = "Card Payments"
	AccountBank            = "Bank Account"
	AccountAccountsPayable = "Accounts Payable"
	AccountSalesRevenue    = "Sales Revenue"
	AccountInventory       = "Inventory"
)

// DefaultAccounts are seeded into every store.
var DefaultAccounts = []Account{
	{Name: AccountCODCollections, Type: AccountAsset},
	{Name: AccountCardPayments, Type: AccountAsset},
	{Name: AccountBank, Type: AccountAsset},
	{Name: AccountAccountsPayable, Type: AccountLiability},
	{Name: AccountSalesRevenue, Type: AccountRevenue},
	{Name: AccountInventory, Type: AccountAsset},
}

// Account holds an informational running balance.
type Account struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Type      AccountType     `json:"type"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is an immutable financial event once completed.
type Transaction struct {
	ID            int64             `json:"id"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Amount        decimal.Decimal   `json:"amount"`
	AccountID     int64             `json:"account_id"`
	ReferenceType ReferenceType     `json:"reference_type,omitempty"`
	ReferenceID   int64             `json:"reference_id,omitempty"`
	Description   string            `json:"description"`
	SourceKey     uuid.UUID         `json:"source_key"`
	CreatedBy     string            `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// PostingInput describes a transaction to append.
type PostingInput struct {
	Type          TransactionType   `json:"type" validate:"required"`
	Amount        decimal.Decimal   `json:"amount"`
	AccountID     int64             `json:"account_id"`
	AccountName   string            `json:"account_name"`
	ReferenceType ReferenceType     `json:"reference_type"`
	ReferenceID   int64             `json:"reference_id"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	SourceKey     uuid.UUID         `json:"source_key"`
	CreatedBy     string            `json:"created_by"`
}

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if !in.Type.Valid() {
		return fmt.Errorf("finance: unknown transaction type %q: %w", in.Type, shared.ErrValidation)
	}
	if in.Type == TypeAdjustment {
		if in.Amount.IsZero() {
			return ErrInvalidAmount
		}
	} else if !in.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !shared.FitsScale(in.Amount, shared.MoneyPlaces) {
		return ErrAmountScale
	}
	if in.AccountID == 0 && in.AccountName == "" {
		return fmt.Errorf("finance: account required: %w", shared.ErrValidation)
	}
	switch in.Status {
	case "", StatusPending, StatusCompleted:
	default:
		return fmt.Errorf("finance: transactions start pending or completed: %w", shared.ErrValidation)
	}
	if in.ReferenceType != ReferenceNone && in.ReferenceID == 0 {
		return fmt.Errorf("finance: reference id required: %w", shared.ErrValidation)
	}
	return nil
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Type          TransactionType
	Status        TransactionStatus
	ReferenceType ReferenceType
	ReferenceID   int64
	AccountID     int64
	Limit         int
}

// JournalLine is one side of a journal entry.
type JournalLine struct {
	AccountID int64           `json:"account_id"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

// JournalEntry is a balanced double-entry record.
type JournalEntry struct {
	ID            int64         `json:"id"`
	Number        string        `json:"number"`
	Date          time.Time     `json:"date"`
	Memo          string        `json:"memo"`
	ReferenceType ReferenceType `json:"reference_type,omitempty"`
	ReferenceID   int64         `json:"reference_id,omitempty"`
	SourceKey     uuid.UUID     `json:"source_key"`
	PostedBy      string        `json:"posted_by"`
	CreatedAt     time.Time     `json:"created_at"`
	Lines         []JournalLine `json:"lines"`
}

// JournalLineInput names an account by id or name.
type JournalLineInput struct {
	AccountID   int64           `json:"account_id"`
	AccountName string          `json:"account_name"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// JournalInput describes a journal entry to post.
type JournalInput struct {
	Date          time.Time          `json:"date"`
	Memo          string             `json:"memo"`
	ReferenceType ReferenceType      `json:"reference_type"`
	ReferenceID   int64              `json:"reference_id"`
	SourceKey     uuid.UUID          `json:"source_key"`
	PostedBy      string             `json:"posted_by"`
	Lines         []JournalLineInput `json:"lines"`
}

// Validate ensures the entry has at least two lines and balances.
func (in JournalInput) Validate() error {
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	debit := decimal.Zero
	credit := decimal.Zero
	for idx, line := range in.Lines {
		if line.AccountID == 0 && line.AccountName == "" {
			return fmt.Errorf("finance: line %d missing account: %w", idx, shared.ErrValidation)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("finance: line %d negative amount: %w", idx, shared.ErrValidation)
		}
		if !line.Debit.IsZero() && !line.Credit.IsZero() {
			return fmt.Errorf("finance: line %d cannot be both debit and credit: %w", idx, shared.ErrValidation)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("finance: line %d has no amount: %w", idx, shared.ErrValidation)
		}
		if !shared.FitsScale(line.Debit, shared.MoneyPlaces) || !shared.FitsScale(line.Credit, shared.MoneyPlaces) {
			return fmt.Errorf("finance: line %d: %w", idx, ErrAmountScale)
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !debit.Equal(credit) {
		return ErrUnbalanced
	}
	return nil
}

var (
	// ErrTransactionNotFound indicates missing transaction.
	ErrTransactionNotFound = fmt.Errorf("finance: transaction %w", shared.ErrNotFound)
	// ErrAccountNotFound indicates missing account.
	ErrAccountNotFound = fmt.Errorf("finance: account %w", shared.ErrNotFound)
	// ErrJournalNotFound indicates missing journal entry.
	ErrJournalNotFound = fmt.Errorf("finance: journal entry %w", shared.ErrNotFound)
	// ErrInvalidAmount indicates a zero or negative amount.
	ErrInvalidAmount = fmt.Errorf("finance: amount must be positive: %w", shared.ErrValidation)
	// ErrAmountScale indicates money with more than two decimal places.
	ErrAmountScale = fmt.Errorf("finance: amounts allow at most %d decimal places: %w", shared.MoneyPlaces, shared.ErrValidation)
	// ErrImmutable indicates a settled transaction was asked to change.
	ErrImmutable = fmt.Errorf("finance: transaction already settled: %w", shared.ErrInvalidTransition)
	// ErrNotReversible indicates only completed transactions can be reversed.
	ErrNotReversible = fmt.Errorf("finance: only completed transactions can be reversed: %w", shared.ErrInvalidTransition)
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = fmt.Errorf("finance: journal lines must balance: %w", shared.ErrValidation)
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = fmt.Errorf("finance: journal requires at least two lines: %w", shared.ErrValidation)
)

// SourceKey derives the idempotency key of a posting from its origin.
func SourceKey(kind string, ref ReferenceType, refID int64) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%s:%s:%d", kind, ref, refID)))
}

// AccountForPaymentMethod maps an order payment method to its settlement account.
func AccountForPaymentMethod(method string) string {
	switch method {
	case "cod":
		return AccountCODCollections
	case "card":
		return AccountCardPayments
	default:
		return AccountBank
	}
}

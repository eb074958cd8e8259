package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/meatcart/meatcart/internal/platform/db"
	"github.com/meatcart/meatcart/internal/shared"
)

// Repository reads audit records.
type Repository interface {
	Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error)
	All(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error)
}

// PostgresRepository reads the audit_logs table written by shared.AuditLogger.
type PostgresRepository struct {
	tm *db.TxManager
}

// NewPostgresRepository constructs PostgresRepository.
func NewPostgresRepository(tm *db.TxManager) *PostgresRepository {
	return &PostgresRepository{tm: tm}
}

func timelineQuery(filters TimelineFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at <= $%d", filters.To)
	}
	if v := strings.TrimSpace(filters.Actor); v != "" {
		add("actor = $%d", v)
	}
	if v := strings.TrimSpace(filters.Entity); v != "" {
		add("entity = $%d", v)
	}
	if v := strings.TrimSpace(filters.Action); v != "" {
		add("action = $%d", v)
	}
	query := `SELECT occurred_at, actor, action, entity, entity_id, meta FROM audit_logs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	return query + " ORDER BY occurred_at DESC, id DESC", args
}

func (r *PostgresRepository) query(ctx context.Context, query string, args []any) ([]TimelineRow, error) {
	rows, err := r.tm.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Window returns one page of the timeline, newest first.
func (r *PostgresRepository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	query, args := timelineQuery(filters)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.query(ctx, query, args)
}

// All returns the whole filtered timeline, newest first.
func (r *PostgresRepository) All(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	query, args := timelineQuery(filters)
	return r.query(ctx, query, args)
}

// MemoryLog is the audit sink of the transient store. Records are logged
// through slog and kept for the timeline.
type MemoryLog struct {
	mu   sync.Mutex
	rows []TimelineRow
	sink *shared.SlogAuditor
}

// NewMemoryLog constructs MemoryLog.
func NewMemoryLog(logger *slog.Logger) *MemoryLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryLog{sink: shared.NewSlogAuditor(logger)}
}

// Record logs and keeps the entry.
func (m *MemoryLog) Record(ctx context.Context, log shared.AuditLog) error {
	if err := m.sink.Record(ctx, log); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, TimelineRow{
		At:       log.At.UTC(),
		Actor:    log.Actor,
		Action:   log.Action,
		Entity:   log.Entity,
		EntityID: log.EntityID,
		Meta:     log.Meta,
	})
	return nil
}

// All returns the whole filtered timeline, newest first.
func (m *MemoryLog) All(_ context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TimelineRow
	for i := len(m.rows) - 1; i >= 0; i-- {
		if filters.matches(m.rows[i]) {
			out = append(out, m.rows[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}

// Window returns one page of the timeline, newest first.
func (m *MemoryLog) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	all, err := m.All(ctx, filters)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

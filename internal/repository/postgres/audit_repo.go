package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/agentguard/internal/audit"
)

// Количество колонок в таблице audit_decisions
const auditColumns = 15

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_decisions (
	id          UUID PRIMARY KEY,
	trace_id    TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	identity    TEXT NOT NULL,
	action      TEXT NOT NULL,
	venue       TEXT NOT NULL,
	token_in    TEXT NOT NULL,
	token_out   TEXT NOT NULL,
	amount_in   NUMERIC(78, 0),
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	tx_hash     TEXT NOT NULL,
	error       TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_decisions_agent_ts ON audit_decisions (agent_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS audit_decisions_identity_ts ON audit_decisions (identity, timestamp DESC);`

// NUMERIC и UUID читаем текстом: так их принимает database/sql без кастомных Scanner
const auditSelect = "SELECT id::text, trace_id, agent_id, identity, action, venue, token_in, token_out, " +
	"amount_in::text, outcome, reason, tx_hash, error, duration_ms, timestamp FROM audit_decisions"

type AuditRepo struct {
	db *sql.DB
}

// Open открывает пул соединений через pgx stdlib. Доступность проверяет вызывающий (Ping).
func Open(connString string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// EnsureSchema создает таблицу журнала, если ее нет.
func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("postgres: ensure audit schema: %w", err)
	}
	return nil
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query, vals := buildAuditInsert(events)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// buildAuditInsert строит один multi-row INSERT на всю пачку.
func buildAuditInsert(events []audit.AuditEvent) (string, []any) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditColumns)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*auditColumns+c)
		}
		sb.WriteByte(')')

		// Пустая сумма (revoke) — NULL, а не ошибка приведения к NUMERIC
		var amount any
		if e.AmountIn != "" {
			amount = e.AmountIn
		}

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Identity, e.Action,
			e.Venue, e.TokenIn, e.TokenOut, amount, e.Outcome,
			e.Reason, e.TxHash, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_decisions " +
		"(id, trace_id, agent_id, identity, action, venue, token_in, token_out, amount_in, outcome, reason, tx_hash, error, duration_ms, timestamp) " +
		"VALUES " + sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals
}

// FetchExecutions отдает страницу исполнений по пользователю и/или агенту, новые сверху.
func (r *AuditRepo) FetchExecutions(ctx context.Context, f audit.ExecutionFilter) (audit.ExecutionPage, error) {
	countQuery, pageQuery, args := buildExecutionsQuery(f)

	var page audit.ExecutionPage
	if err := r.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&page.Total); err != nil {
		return audit.ExecutionPage{}, fmt.Errorf("postgres: count executions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, pageQuery, args...)
	if err != nil {
		return audit.ExecutionPage{}, fmt.Errorf("postgres: fetch executions: %w", err)
	}
	defer rows.Close()

	page.Events = make([]audit.AuditEvent, 0, f.Limit)
	for rows.Next() {
		var (
			e      audit.AuditEvent
			amount sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.TraceID, &e.AgentID, &e.Identity, &e.Action,
			&e.Venue, &e.TokenIn, &e.TokenOut, &amount, &e.Outcome,
			&e.Reason, &e.TxHash, &e.Error, &e.DurationMs, &e.Timestamp,
		); err != nil {
			return audit.ExecutionPage{}, fmt.Errorf("postgres: scan execution: %w", err)
		}
		e.AmountIn = amount.String
		page.Events = append(page.Events, e)
	}
	if err := rows.Err(); err != nil {
		return audit.ExecutionPage{}, fmt.Errorf("postgres: fetch executions: %w", err)
	}
	return page, nil
}

// buildExecutionsQuery возвращает COUNT и SELECT с одинаковым WHERE.
// Последние два аргумента (LIMIT, OFFSET) нужны только странице.
func buildExecutionsQuery(f audit.ExecutionFilter) (countQuery, pageQuery string, args []any) {
	conds := []string{"action = $1"}
	args = []any{audit.ActionExecute}
	if f.Identity != "" {
		args = append(args, f.Identity)
		conds = append(conds, fmt.Sprintf("identity = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	countQuery = "SELECT COUNT(*) FROM audit_decisions" + where
	pageQuery = auditSelect + where +
		fmt.Sprintf(" ORDER BY timestamp DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)
	return countQuery, pageQuery, args
}

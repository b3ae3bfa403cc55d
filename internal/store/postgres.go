package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const entryColumns = `contract_address, user_address, contract_type,
		current_deposit_usd::TEXT, current_marks::TEXT, marks_per_day::TEXT,
		total_marks_earned::TEXT, total_marks_forfeited::TEXT,
		total_deposited_usd::TEXT, total_withdrawn_usd::TEXT,
		period_start, period_end, period_ended, created_at, last_updated`

func (s *PostgresStore) GetEntry(ctx context.Context, contract, user string) (*model.LedgerEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE contract_address = $1 AND user_address = $2`, contract, user)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", contract, user, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s/%s: %w", contract, user, err)
	}
	return e, nil
}

func (s *PostgresStore) PutEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (contract_address, user_address, contract_type,
		        current_deposit_usd, current_marks, marks_per_day,
		        total_marks_earned, total_marks_forfeited,
		        total_deposited_usd, total_withdrawn_usd,
		        period_start, period_end, period_ended, created_at, last_updated)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14, $15)
		 ON CONFLICT (contract_address, user_address) DO UPDATE SET
		        contract_type = EXCLUDED.contract_type,
		        current_deposit_usd = EXCLUDED.current_deposit_usd,
		        current_marks = EXCLUDED.current_marks,
		        marks_per_day = EXCLUDED.marks_per_day,
		        total_marks_earned = EXCLUDED.total_marks_earned,
		        total_marks_forfeited = EXCLUDED.total_marks_forfeited,
		        total_deposited_usd = EXCLUDED.total_deposited_usd,
		        total_withdrawn_usd = EXCLUDED.total_withdrawn_usd,
		        period_start = EXCLUDED.period_start,
		        period_end = EXCLUDED.period_end,
		        period_ended = EXCLUDED.period_ended,
		        last_updated = EXCLUDED.last_updated`,
		e.ContractAddress, e.UserAddress, string(e.ContractType),
		e.CurrentDepositUsd.String(), e.CurrentMarks.String(), e.MarksPerDay.String(),
		e.TotalMarksEarned.String(), e.TotalMarksForfeited.String(),
		e.TotalDepositedUsd.String(), e.TotalWithdrawnUsd.String(),
		e.PeriodStart, e.PeriodEnd, e.PeriodEnded, e.CreatedAt, e.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("put entry %s/%s: %w", e.ContractAddress, e.UserAddress, err)
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq`)
}

func (s *PostgresStore) ListEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE user_address = $1 ORDER BY seq`, user)
}

func (s *PostgresStore) ListEntriesByType(ctx context.Context, t model.ContractType) ([]model.LedgerEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE contract_type = $1 ORDER BY seq`, string(t))
}

func (s *PostgresStore) queryEntries(ctx context.Context, sql string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const ruleColumns = `key, contract_address, contract_type,
		rate_per_dollar_per_day::TEXT, bonus_multiplier::TEXT,
		has_period, period_start, period_end,
		forfeit_on_withdrawal, forfeit_percentage::TEXT,
		created_at, updated_at`

func (s *PostgresStore) GetRule(ctx context.Context, key string) (*model.AccrualRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM accrual_rules WHERE key = $1`, key)
	r, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", key, err)
	}
	return r, nil
}

func (s *PostgresStore) CreateRuleIfAbsent(ctx context.Context, r *model.AccrualRule) (*model.AccrualRule, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accrual_rules (`+ruleInsertColumns+`)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10::NUMERIC, $11, $12)
		 ON CONFLICT (key) DO NOTHING`, ruleArgs(r)...)
	if err != nil {
		return nil, fmt.Errorf("create rule %s: %w", r.Key, err)
	}
	return s.GetRule(ctx, r.Key)
}

func (s *PostgresStore) PutRule(ctx context.Context, r *model.AccrualRule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accrual_rules (`+ruleInsertColumns+`)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10::NUMERIC, $11, $12)
		 ON CONFLICT (key) DO UPDATE SET
		        rate_per_dollar_per_day = EXCLUDED.rate_per_dollar_per_day,
		        bonus_multiplier = EXCLUDED.bonus_multiplier,
		        has_period = EXCLUDED.has_period,
		        period_start = EXCLUDED.period_start,
		        period_end = EXCLUDED.period_end,
		        forfeit_on_withdrawal = EXCLUDED.forfeit_on_withdrawal,
		        forfeit_percentage = EXCLUDED.forfeit_percentage,
		        updated_at = EXCLUDED.updated_at`, ruleArgs(r)...)
	if err != nil {
		return fmt.Errorf("put rule %s: %w", r.Key, err)
	}
	return nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]model.AccrualRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM accrual_rules ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AccrualRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

const ruleInsertColumns = `key, contract_address, contract_type,
		rate_per_dollar_per_day, bonus_multiplier, has_period, period_start, period_end,
		forfeit_on_withdrawal, forfeit_percentage, created_at, updated_at`

func ruleArgs(r *model.AccrualRule) []any {
	return []any{
		r.Key, r.ContractAddress, string(r.ContractType),
		r.RatePerDollarPerDay.String(), nullString(r.BonusMultiplier),
		r.HasPeriod, r.PeriodStart, r.PeriodEnd,
		r.ForfeitOnWithdrawal, nullString(r.ForfeitPercentage),
		r.CreatedAt, r.UpdatedAt,
	}
}

// --- Scanning ---

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var contractType string
	var deposit, marks, perDay, earned, forfeited, deposited, withdrawn string

	if err := row.Scan(&e.ContractAddress, &e.UserAddress, &contractType,
		&deposit, &marks, &perDay, &earned, &forfeited, &deposited, &withdrawn,
		&e.PeriodStart, &e.PeriodEnd, &e.PeriodEnded, &e.CreatedAt, &e.LastUpdated); err != nil {
		return nil, err
	}
	e.ContractType = model.ContractType(contractType)

	err := parseDecimals(
		decField{deposit, &e.CurrentDepositUsd},
		decField{marks, &e.CurrentMarks},
		decField{perDay, &e.MarksPerDay},
		decField{earned, &e.TotalMarksEarned},
		decField{forfeited, &e.TotalMarksForfeited},
		decField{deposited, &e.TotalDepositedUsd},
		decField{withdrawn, &e.TotalWithdrawnUsd},
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRule(row rowScanner) (*model.AccrualRule, error) {
	var r model.AccrualRule
	var contractType, rate string
	var bonus, forfeitPct *string

	if err := row.Scan(&r.Key, &r.ContractAddress, &contractType,
		&rate, &bonus, &r.HasPeriod, &r.PeriodStart, &r.PeriodEnd,
		&r.ForfeitOnWithdrawal, &forfeitPct, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ContractType = model.ContractType(contractType)

	if err := parseDecimals(decField{rate, &r.RatePerDollarPerDay}); err != nil {
		return nil, err
	}
	var err error
	if r.BonusMultiplier, err = parseNullDecimal(bonus); err != nil {
		return nil, err
	}
	if r.ForfeitPercentage, err = parseNullDecimal(forfeitPct); err != nil {
		return nil, err
	}
	return &r, nil
}

type decField struct {
	src string
	dst *decimal.Decimal
}

func parseDecimals(fields ...decField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", f.src, err)
		}
		*f.dst = v
	}
	return nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse numeric %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(v), nil
}

func nullString(n decimal.NullDecimal) *string {
	if !n.Valid {
		return nil
	}
	s := n.Decimal.String()
	return &s
}

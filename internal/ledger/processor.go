// Package ledger is the event processor: it applies deposit, withdrawal
// and balance-change events to ledger entries, accruing marks up to each
// event's timestamp before the principal changes.
//
// Events for one (contract, user) key are applied by a single writer at a
// time. Keys are spread over a fixed number of shards by hash, and shards
// never lock each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/accrual"
	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/metrics"
	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/store"
)

var (
	ErrOutOfOrder       = errors.New("ledger: out-of-order event")
	ErrEntryNotFound    = errors.New("ledger: no entry for withdrawal")
	ErrUnpricedEvent    = errors.New("ledger: event has no usd amount")
	ErrInvalidAmount    = errors.New("ledger: invalid usd amount")
	ErrUnknownEventKind = errors.New("ledger: unknown event kind")
	ErrDuplicateEvent   = errors.New("ledger: event already applied")
)

// DefaultShards is used when NewProcessor is given a non-positive count.
const DefaultShards = 16

// recentEvents bounds the in-memory set of applied event ids.
const recentEvents = 65536

// RuleSource resolves the accrual rule for a contract.
type RuleSource interface {
	GetOrCreateRule(ctx context.Context, contractAddress string, t model.ContractType) (model.AccrualRule, error)
}

// Listener is called with the persisted entry after every applied event.
type Listener func(model.LedgerEntry)

// Processor applies ledger events. It is safe for concurrent use.
type Processor struct {
	store  store.Store
	rules  RuleSource
	shards []sync.Mutex
	seen   *lru.Cache

	mu        sync.RWMutex
	listeners []Listener
}

// NewProcessor creates a processor writing to st with the given shard count.
func NewProcessor(st store.Store, rules RuleSource, shards int) *Processor {
	if shards <= 0 {
		shards = DefaultShards
	}
	seen, err := lru.New(recentEvents)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &Processor{
		store:  st,
		rules:  rules,
		shards: make([]sync.Mutex, shards),
		seen:   seen,
	}
}

// Subscribe registers fn to receive every updated entry.
func (p *Processor) Subscribe(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Processor) notify(e model.LedgerEntry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.listeners {
		fn(e)
	}
}

func (p *Processor) shardOf(contractAddr, user string) int {
	return int(xxhash.Sum64String(contractAddr+"/"+user) % uint64(len(p.shards)))
}

// OnDeposit accrues the entry up to ts, then adds depositUsd to its
// principal. The entry is created on first deposit.
func (p *Processor) OnDeposit(ctx context.Context, contractAddr string, t model.ContractType, user string, depositUsd decimal.Decimal, ts int64) (model.LedgerEntry, error) {
	if !depositUsd.IsPositive() {
		return model.LedgerEntry{}, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, depositUsd)
	}
	return p.deposit(ctx, key{contract: contractAddr, t: t, user: user, ts: ts}, depositUsd)
}

func (p *Processor) deposit(ctx context.Context, k key, depositUsd decimal.Decimal) (model.LedgerEntry, error) {
	k.create = true
	return p.mutate(ctx, k, func(e *model.LedgerEntry, _ model.AccrualRule) {
		e.CurrentDepositUsd = e.CurrentDepositUsd.Add(depositUsd)
		e.TotalDepositedUsd = e.TotalDepositedUsd.Add(depositUsd)
	})
}

// OnWithdrawal accrues the entry up to ts, applies the rule's forfeiture and
// removes withdrawUsd from the principal. The entry must already exist.
//
// Forfeiture takes the configured percentage of the whole marks balance,
// whatever share of the principal is withdrawn.
func (p *Processor) OnWithdrawal(ctx context.Context, contractAddr string, t model.ContractType, user string, withdrawUsd decimal.Decimal, ts int64) (model.LedgerEntry, error) {
	if !withdrawUsd.IsPositive() {
		return model.LedgerEntry{}, fmt.Errorf("%w: withdrawal %s", ErrInvalidAmount, withdrawUsd)
	}
	return p.withdraw(ctx, key{contract: contractAddr, t: t, user: user, ts: ts}, withdrawUsd)
}

func (p *Processor) withdraw(ctx context.Context, k key, withdrawUsd decimal.Decimal) (model.LedgerEntry, error) {
	return p.mutate(ctx, k, func(e *model.LedgerEntry, rule model.AccrualRule) {
		forfeited := accrual.Forfeit(e.CurrentMarks, rule)
		if forfeited.IsPositive() {
			e.CurrentMarks = e.CurrentMarks.Sub(forfeited)
			if e.CurrentMarks.IsNegative() {
				e.CurrentMarks = decimal.Zero
			}
			e.TotalMarksForfeited = e.TotalMarksForfeited.Add(forfeited)
			metrics.MarksForfeited.Add(forfeited.InexactFloat64())
		}

		removed := withdrawUsd
		if withdrawUsd.GreaterThan(e.CurrentDepositUsd) {
			slog.Warn("withdrawal exceeds recorded deposit, clamping",
				"contract", e.ContractAddress,
				"user", e.UserAddress,
				"deposit", e.CurrentDepositUsd.String(),
				"withdrawal", withdrawUsd.String(),
				"ts", k.ts,
			)
			metrics.WithdrawalClamps.Inc()
			removed = e.CurrentDepositUsd
		}
		e.CurrentDepositUsd = e.CurrentDepositUsd.Sub(removed)
		e.TotalWithdrawnUsd = e.TotalWithdrawnUsd.Add(removed)
	})
}

// OnBalanceChanged accrues the entry up to ts and sets its principal to
// newBalanceUsd. Used for wallet-held tokens; it never forfeits.
func (p *Processor) OnBalanceChanged(ctx context.Context, contractAddr string, t model.ContractType, user string, newBalanceUsd decimal.Decimal, ts int64) (model.LedgerEntry, error) {
	if newBalanceUsd.IsNegative() {
		return model.LedgerEntry{}, fmt.Errorf("%w: balance %s", ErrInvalidAmount, newBalanceUsd)
	}
	return p.setBalance(ctx, key{contract: contractAddr, t: t, user: user, ts: ts}, newBalanceUsd)
}

func (p *Processor) setBalance(ctx context.Context, k key, newBalanceUsd decimal.Decimal) (model.LedgerEntry, error) {
	k.create = true
	return p.mutate(ctx, k, func(e *model.LedgerEntry, _ model.AccrualRule) {
		diff := newBalanceUsd.Sub(e.CurrentDepositUsd)
		if diff.IsPositive() {
			e.TotalDepositedUsd = e.TotalDepositedUsd.Add(diff)
		} else {
			e.TotalWithdrawnUsd = e.TotalWithdrawnUsd.Add(diff.Neg())
		}
		e.CurrentDepositUsd = newBalanceUsd
	})
}

// key identifies one event's target. id is empty for direct calls.
type key struct {
	id       string
	contract string
	t        model.ContractType
	user     string
	ts       int64
	create   bool
}

// mutate runs the shared accrue-then-change sequence under the key's shard
// lock and persists the result.
func (p *Processor) mutate(ctx context.Context, k key, change func(*model.LedgerEntry, model.AccrualRule)) (model.LedgerEntry, error) {
	k.contract = contract.CanonicalAddress(k.contract)
	k.user = contract.CanonicalAddress(k.user)

	mu := &p.shards[p.shardOf(k.contract, k.user)]
	mu.Lock()
	defer mu.Unlock()

	// The id is reserved before anything is read: events sharing an id may
	// target different keys and so hold different shard locks. A failed
	// apply releases it so the event can be retried.
	if k.id != "" {
		if dup, _ := p.seen.ContainsOrAdd(k.id, struct{}{}); dup {
			return model.LedgerEntry{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, k.id)
		}
	}
	applied := false
	defer func() {
		if k.id != "" && !applied {
			p.seen.Remove(k.id)
		}
	}()

	entry, rule, err := p.load(ctx, k)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if k.ts < entry.LastUpdated {
		slog.Error("out-of-order event rejected",
			"contract", k.contract,
			"user", k.user,
			"ts", k.ts,
			"last_updated", entry.LastUpdated,
		)
		return model.LedgerEntry{}, fmt.Errorf("%w: ts %d before last update %d", ErrOutOfOrder, k.ts, entry.LastUpdated)
	}

	advance(&entry, rule, k.ts)
	change(&entry, rule)
	entry.MarksPerDay = accrual.MarksPerDay(entry.CurrentDepositUsd, rule)

	if err := p.store.PutEntry(ctx, &entry); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("persist entry %s/%s: %w", k.contract, k.user, err)
	}
	applied = true
	p.notify(entry)
	return entry, nil
}

// load returns the stored entry and its rule, or a fresh zero entry when
// k.create is set. A fresh entry captures the rule's period and starts at
// the event's timestamp.
func (p *Processor) load(ctx context.Context, k key) (model.LedgerEntry, model.AccrualRule, error) {
	stored, err := p.store.GetEntry(ctx, k.contract, k.user)
	switch {
	case err == nil:
		rule, err := p.rules.GetOrCreateRule(ctx, k.contract, stored.ContractType)
		if err != nil {
			return model.LedgerEntry{}, model.AccrualRule{}, err
		}
		return *stored, rule, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.LedgerEntry{}, model.AccrualRule{}, fmt.Errorf("load entry %s/%s: %w", k.contract, k.user, err)
	case !k.create:
		slog.Error("withdrawal for unknown entry",
			"contract", k.contract,
			"user", k.user,
			"ts", k.ts,
		)
		return model.LedgerEntry{}, model.AccrualRule{}, fmt.Errorf("%w: %s/%s", ErrEntryNotFound, k.contract, k.user)
	}

	rule, err := p.rules.GetOrCreateRule(ctx, k.contract, k.t)
	if err != nil {
		return model.LedgerEntry{}, model.AccrualRule{}, err
	}
	entry := model.LedgerEntry{
		ContractAddress: k.contract,
		UserAddress:     k.user,
		ContractType:    rule.ContractType,
		CreatedAt:       k.ts,
		LastUpdated:     k.ts,
	}
	if rule.HasPeriod {
		entry.PeriodStart = copyInt(rule.PeriodStart)
		entry.PeriodEnd = copyInt(rule.PeriodEnd)
	}
	return entry, rule, nil
}

// advance accrues marks from entry.LastUpdated to ts and moves LastUpdated.
// Crossing the period end closes the entry's period for good.
func advance(entry *model.LedgerEntry, rule model.AccrualRule, ts int64) {
	rule = entry.WithEntryPeriod(rule)
	if !accrual.PeriodClosed(*entry, rule, entry.LastUpdated) {
		delta := accrual.Accrue(entry.CurrentDepositUsd, rule, entry.LastUpdated, ts)
		entry.CurrentMarks = entry.CurrentMarks.Add(delta)
		entry.TotalMarksEarned = entry.TotalMarksEarned.Add(delta)
	}
	if rule.HasPeriod && rule.PeriodEnd != nil && ts >= *rule.PeriodEnd {
		entry.PeriodEnded = true
		if entry.PeriodEnd == nil {
			entry.PeriodEnd = copyInt(rule.PeriodEnd)
		}
	}
	entry.LastUpdated = ts
}

// Apply validates ev and dispatches it by kind. Events carrying an id that
// was applied recently return ErrDuplicateEvent without touching state.
func (p *Processor) Apply(ctx context.Context, ev model.Event) (model.LedgerEntry, error) {
	start := time.Now()
	kind := string(ev.Kind)

	entry, err := p.apply(ctx, ev)
	if err != nil {
		metrics.EventsRejected.WithLabelValues(kind, reason(err)).Inc()
		return model.LedgerEntry{}, err
	}
	metrics.EventsApplied.WithLabelValues(kind).Inc()
	metrics.EventLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return entry, nil
}

func (p *Processor) apply(ctx context.Context, ev model.Event) (model.LedgerEntry, error) {
	if !ev.UsdAmount.Valid {
		return model.LedgerEntry{}, fmt.Errorf("%w: %s", ErrUnpricedEvent, ev.ID)
	}
	amount := ev.UsdAmount.Decimal
	k := key{
		id:       ev.ID,
		contract: ev.ContractAddress,
		t:        ev.ContractType,
		user:     ev.UserAddress,
		ts:       ev.Timestamp,
	}

	var (
		entry model.LedgerEntry
		err   error
	)
	switch ev.Kind {
	case model.EventDeposit:
		if !amount.IsPositive() {
			return model.LedgerEntry{}, fmt.Errorf("%w: deposit %s", ErrInvalidAmount, amount)
		}
		entry, err = p.deposit(ctx, k, amount)
	case model.EventWithdrawal:
		if !amount.IsPositive() {
			return model.LedgerEntry{}, fmt.Errorf("%w: withdrawal %s", ErrInvalidAmount, amount)
		}
		entry, err = p.withdraw(ctx, k, amount)
	case model.EventBalanceChanged:
		if amount.IsNegative() {
			return model.LedgerEntry{}, fmt.Errorf("%w: balance %s", ErrInvalidAmount, amount)
		}
		entry, err = p.setBalance(ctx, k, amount)
	default:
		return model.LedgerEntry{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
	if err != nil {
		return model.LedgerEntry{}, err
	}

	slog.Debug("event applied",
		"id", ev.ID,
		"kind", string(ev.Kind),
		"contract", entry.ContractAddress,
		"user", entry.UserAddress,
		"ts", ev.Timestamp,
		"marks", entry.CurrentMarks.String(),
	)
	return entry, nil
}

// reason maps an error to a low-cardinality metric label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrEntryNotFound):
		return "entry_not_found"
	case errors.Is(err, ErrUnpricedEvent):
		return "unpriced"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnknownEventKind):
		return "unknown_kind"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	default:
		return "internal"
	}
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

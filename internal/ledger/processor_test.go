package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/accrual"
	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/rules"
	"github.com/harbor/marks-engine/internal/store"
)

const (
	day       = int64(86400)
	pool      = "0x1111111111111111111111111111111111111111"
	genesis   = "0x2222222222222222222222222222222222222222"
	haToken   = "0x3333333333333333333333333333333333333333"
	alice     = "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"
	aliceNorm = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob       = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func newTestProcessor(t *testing.T) (*Processor, *store.MemoryStore, *rules.Registry) {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := rules.NewRegistry(ms, rules.Window{Start: 0, End: 10 * day})
	return NewProcessor(ms, reg, 4), ms, reg
}

func priced(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func TestScenario_CollateralPoolForfeit(t *testing.T) {
	p, ms, reg := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(100), 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	entry, _ := ms.GetEntry(ctx, pool, aliceNorm)
	rule, _ := reg.GetOrCreateRule(ctx, pool, model.ContractStabilityPoolCollateral)
	if est := accrual.Estimate(*entry, rule, day); !est.Equal(d(100)) {
		t.Errorf("expected estimate 100 after one day, got %s", est)
	}

	got, err := p.OnWithdrawal(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(100), day)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if !got.CurrentMarks.IsZero() {
		t.Errorf("expected marks 0, got %s", got.CurrentMarks)
	}
	if !got.TotalMarksForfeited.Equal(d(100)) {
		t.Errorf("expected forfeited 100, got %s", got.TotalMarksForfeited)
	}
	if !got.CurrentDepositUsd.IsZero() {
		t.Errorf("expected deposit 0, got %s", got.CurrentDepositUsd)
	}
	if !got.TotalMarksEarned.Equal(d(100)) {
		t.Errorf("expected earned 100, got %s", got.TotalMarksEarned)
	}
	if !got.MarksPerDay.IsZero() {
		t.Errorf("expected marks/day 0, got %s", got.MarksPerDay)
	}
}

func TestScenario_GenesisBonusPaidOnce(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(10), 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	crossed, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(5), 10*day)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 10 * 10 * 10 days + 10 * 100 bonus.
	if !crossed.TotalMarksEarned.Equal(d(2000)) {
		t.Errorf("expected earned 2000 at period end, got %s", crossed.TotalMarksEarned)
	}
	if !crossed.PeriodEnded {
		t.Error("expected period to be marked ended")
	}

	after, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(5), 12*day)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !after.TotalMarksEarned.Equal(d(2000)) {
		t.Errorf("bonus or accrual repeated after period end: earned %s", after.TotalMarksEarned)
	}
	if !after.CurrentDepositUsd.Equal(d(20)) {
		t.Errorf("expected deposit 20, got %s", after.CurrentDepositUsd)
	}
}

func TestGenesisEntryKeepsCapturedPeriod(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(10), 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	rule, _ := reg.GetOrCreateRule(ctx, genesis, model.ContractGenesis)
	end := 20 * day
	rule.PeriodEnd = &end
	if _, err := reg.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}

	got, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(1), 10*day)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got.PeriodEnd == nil || *got.PeriodEnd != 10*day {
		t.Errorf("entry period end moved: %v", got.PeriodEnd)
	}
	if !got.TotalMarksEarned.Equal(d(2000)) {
		t.Errorf("expected bonus at the captured end, earned %s", got.TotalMarksEarned)
	}
}

func TestEndedPeriodResumesWhenRuleDropsPeriod(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnDeposit(ctx, genesis, model.ContractGenesis, alice, d(10), 0); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	ended, err := p.OnBalanceChanged(ctx, genesis, model.ContractGenesis, alice, d(10), 11*day)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !ended.PeriodEnded || !ended.CurrentMarks.Equal(d(2000)) {
		t.Fatalf("expected a closed period with 2000 marks, got %v / %s", ended.PeriodEnded, ended.CurrentMarks)
	}

	rule, _ := reg.GetOrCreateRule(ctx, genesis, model.ContractGenesis)
	rule.HasPeriod = false
	rule.PeriodStart = nil
	rule.PeriodEnd = nil
	rule, err = reg.UpdateRule(ctx, rule)
	if err != nil {
		t.Fatalf("update rule: %v", err)
	}

	projected := accrual.Estimate(ended, rule, 12*day)
	got, err := p.OnBalanceChanged(ctx, genesis, model.ContractGenesis, alice, d(10), 12*day)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	// One more day at 10 per dollar on $10.
	if !projected.Equal(d(2100)) {
		t.Errorf("expected estimate 2100, got %s", projected)
	}
	if !got.CurrentMarks.Equal(projected) {
		t.Errorf("processor %s and estimator %s disagree", got.CurrentMarks, projected)
	}
}

func TestOnDeposit_CreatesEntry(t *testing.T) {
	p, ms, _ := newTestProcessor(t)
	ctx := context.Background()

	got, err := p.OnDeposit(ctx, pool, model.ContractStabilityPoolSail, alice, d(50), 1000)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got.UserAddress != aliceNorm {
		t.Errorf("expected normalized user, got %s", got.UserAddress)
	}
	if got.ContractType != model.ContractStabilityPoolSail {
		t.Errorf("expected sail pool type, got %s", got.ContractType)
	}
	if got.CreatedAt != 1000 || got.LastUpdated != 1000 {
		t.Errorf("expected created/updated at 1000, got %d/%d", got.CreatedAt, got.LastUpdated)
	}
	if !got.MarksPerDay.Equal(d(100)) {
		t.Errorf("expected marks/day 100, got %s", got.MarksPerDay)
	}
	if !got.TotalDepositedUsd.Equal(d(50)) {
		t.Errorf("expected deposited 50, got %s", got.TotalDepositedUsd)
	}

	if _, err := ms.GetEntry(ctx, pool, aliceNorm); err != nil {
		t.Errorf("entry not persisted: %v", err)
	}
}

func TestOnWithdrawal_MissingEntry(t *testing.T) {
	p, ms, _ := newTestProcessor(t)
	_, err := p.OnWithdrawal(context.Background(), pool, model.ContractStabilityPoolCollateral, alice, d(10), 5)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	entries, _ := ms.ListEntries(context.Background())
	if len(entries) != 0 {
		t.Errorf("withdrawal must not create an entry, found %d", len(entries))
	}
}

func TestOnWithdrawal_ClampsOverWithdrawal(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	p.OnDeposit(ctx, haToken, model.ContractHaTokenHolding, alice, d(50), 0)
	got, err := p.OnWithdrawal(ctx, haToken, model.ContractHaTokenHolding, alice, d(80), day)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if !got.CurrentDepositUsd.IsZero() {
		t.Errorf("expected deposit clamped to 0, got %s", got.CurrentDepositUsd)
	}
	if !got.TotalWithdrawnUsd.Equal(d(50)) {
		t.Errorf("expected withdrawn 50, got %s", got.TotalWithdrawnUsd)
	}
	// Ha holdings never forfeit.
	if !got.CurrentMarks.Equal(d(50)) {
		t.Errorf("expected marks 50, got %s", got.CurrentMarks)
	}
}

func TestOnWithdrawal_PartialForfeitsWholeBalance(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()

	rule, _ := reg.GetOrCreateRule(ctx, pool, model.ContractStabilityPoolCollateral)
	rule.ForfeitPercentage = decimal.NewNullDecimal(d(50))
	if _, err := reg.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("update rule: %v", err)
	}

	p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(100), 0)
	got, err := p.OnWithdrawal(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(1), 2*day)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	// 200 accrued; half of the whole balance goes, not 1% of it.
	if !got.CurrentMarks.Equal(d(100)) || !got.TotalMarksForfeited.Equal(d(100)) {
		t.Errorf("expected 100 kept and 100 forfeited, got %s / %s", got.CurrentMarks, got.TotalMarksForfeited)
	}
	if !got.CurrentDepositUsd.Equal(d(99)) {
		t.Errorf("expected deposit 99, got %s", got.CurrentDepositUsd)
	}
}

func TestOnBalanceChanged(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnBalanceChanged(ctx, haToken, model.ContractHaTokenHolding, alice, d(100), 0); err != nil {
		t.Fatalf("balance: %v", err)
	}
	got, err := p.OnBalanceChanged(ctx, haToken, model.ContractHaTokenHolding, alice, d(40), day)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !got.CurrentMarks.Equal(d(100)) {
		t.Errorf("expected marks 100, got %s", got.CurrentMarks)
	}
	if !got.CurrentDepositUsd.Equal(d(40)) || !got.MarksPerDay.Equal(d(40)) {
		t.Errorf("expected balance 40 at 40/day, got %s at %s", got.CurrentDepositUsd, got.MarksPerDay)
	}
	if !got.TotalDepositedUsd.Equal(d(100)) || !got.TotalWithdrawnUsd.Equal(d(60)) {
		t.Errorf("unexpected principal audit: in %s out %s", got.TotalDepositedUsd, got.TotalWithdrawnUsd)
	}

	zero, err := p.OnBalanceChanged(ctx, haToken, model.ContractHaTokenHolding, alice, d(0), 2*day)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !zero.CurrentMarks.Equal(d(140)) || !zero.CurrentDepositUsd.IsZero() {
		t.Errorf("expected 140 marks on zero balance, got %s / %s", zero.CurrentMarks, zero.CurrentDepositUsd)
	}
}

func TestOutOfOrderRejectedWithoutMutation(t *testing.T) {
	p, ms, _ := newTestProcessor(t)
	ctx := context.Background()

	p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(100), 1000)
	before, _ := ms.GetEntry(ctx, pool, aliceNorm)

	_, err := p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(100), 999)
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	after, _ := ms.GetEntry(ctx, pool, aliceNorm)
	if !after.CurrentDepositUsd.Equal(before.CurrentDepositUsd) || after.LastUpdated != before.LastUpdated {
		t.Errorf("entry mutated by rejected event: %+v", after)
	}

	// Equal timestamps are in order.
	if _, err := p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(1), 1000); err != nil {
		t.Errorf("same-timestamp event rejected: %v", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.OnDeposit(ctx, pool, model.ContractUnknown, alice, d(0), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.OnWithdrawal(ctx, pool, model.ContractUnknown, alice, d(-1), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative withdrawal: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := p.OnBalanceChanged(ctx, haToken, model.ContractHaTokenHolding, alice, d(-5), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative balance: expected ErrInvalidAmount, got %v", err)
	}
}

func TestApply_Dispatch(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   model.Event
		err  error
	}{
		{"unpriced", model.Event{ContractAddress: pool, UserAddress: alice, Kind: model.EventDeposit}, ErrUnpricedEvent},
		{"unknown kind", model.Event{ContractAddress: pool, UserAddress: alice, Kind: "mint", UsdAmount: priced(1)}, ErrUnknownEventKind},
		{"deposit", model.Event{ID: "e1", ContractAddress: pool, ContractType: model.ContractStabilityPoolCollateral, UserAddress: alice, Kind: model.EventDeposit, UsdAmount: priced(10), Timestamp: 1}, nil},
		{"duplicate", model.Event{ID: "e1", ContractAddress: pool, ContractType: model.ContractStabilityPoolCollateral, UserAddress: alice, Kind: model.EventDeposit, UsdAmount: priced(10), Timestamp: 2}, ErrDuplicateEvent},
		{"withdrawal", model.Event{ID: "e2", ContractAddress: pool, UserAddress: alice, Kind: model.EventWithdrawal, UsdAmount: priced(4), Timestamp: 3}, nil},
		{"balance", model.Event{ID: "e3", ContractAddress: haToken, ContractType: model.ContractHaTokenHolding, UserAddress: alice, Kind: model.EventBalanceChanged, UsdAmount: priced(0), Timestamp: 3}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Apply(ctx, tt.ev)
			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}
}

func TestFailedEventCanBeRetried(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()
	ev := model.Event{ID: "w1", ContractAddress: pool, UserAddress: alice, Kind: model.EventWithdrawal, UsdAmount: priced(1), Timestamp: 10}

	if _, err := p.Apply(ctx, ev); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	p.OnDeposit(ctx, pool, model.ContractStabilityPoolCollateral, alice, d(5), 5)
	if _, err := p.Apply(ctx, ev); err != nil {
		t.Errorf("retried event should apply once the entry exists: %v", err)
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	var got []model.LedgerEntry
	p.Subscribe(func(e model.LedgerEntry) { got = append(got, e) })

	p.OnDeposit(context.Background(), pool, model.ContractUnknown, alice, d(1), 0)
	p.OnDeposit(context.Background(), pool, model.ContractUnknown, alice, d(1), -1) // rejected

	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if !got[0].CurrentDepositUsd.Equal(d(1)) {
		t.Errorf("unexpected notified entry %+v", got[0])
	}
}

// sequence is a mixed event list over several keys, timestamps
// non-decreasing per key.
func sequence() []model.Event {
	var evs []model.Event
	users := []string{alice, bob}
	for i := int64(0); i < 12; i++ {
		u := users[i%2]
		ts := i * day / 3
		evs = append(evs,
			model.Event{ID: fmt.Sprintf("p%d", i), ContractAddress: pool, ContractType: model.ContractStabilityPoolCollateral, UserAddress: u, Kind: model.EventDeposit, UsdAmount: decimal.NewNullDecimal(decimal.RequireFromString("33.333333333333333333")), Timestamp: ts},
			model.Event{ID: fmt.Sprintf("g%d", i), ContractAddress: genesis, ContractType: model.ContractGenesis, UserAddress: u, Kind: model.EventDeposit, UsdAmount: priced(7 + i), Timestamp: ts * 3},
			model.Event{ID: fmt.Sprintf("h%d", i), ContractAddress: haToken, ContractType: model.ContractHaTokenHolding, UserAddress: u, Kind: model.EventBalanceChanged, UsdAmount: priced(100 - 5*i), Timestamp: ts},
		)
		if i%4 == 3 {
			evs = append(evs, model.Event{ID: fmt.Sprintf("w%d", i), ContractAddress: pool, UserAddress: u, Kind: model.EventWithdrawal, UsdAmount: priced(20), Timestamp: ts + 1})
		}
	}
	return evs
}

func snapshot(t *testing.T, ms *store.MemoryStore) map[string]string {
	t.Helper()
	entries, err := ms.ListEntries(context.Background())
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.ContractAddress+"/"+e.UserAddress] = fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%v|%d|%d",
			e.CurrentDepositUsd, e.CurrentMarks, e.MarksPerDay, e.TotalMarksEarned,
			e.TotalMarksForfeited, e.TotalDepositedUsd, e.TotalWithdrawnUsd,
			e.PeriodEnded, e.CreatedAt, e.LastUpdated)
	}
	return out
}

func TestApplyBatch_MatchesSequential(t *testing.T) {
	evs := sequence()
	ctx := context.Background()

	seqP, seqStore, _ := newTestProcessor(t)
	for _, ev := range evs {
		if _, err := seqP.Apply(ctx, ev); err != nil {
			t.Fatalf("sequential %s: %v", ev.ID, err)
		}
	}

	batchP, batchStore, _ := newTestProcessor(t)
	for i, err := range batchP.ApplyBatch(ctx, evs) {
		if err != nil {
			t.Fatalf("batch %s: %v", evs[i].ID, err)
		}
	}

	want, got := snapshot(t, seqStore), snapshot(t, batchStore)
	if len(want) != len(got) {
		t.Fatalf("entry count: sequential %d, batch %d", len(want), len(got))
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("%s differs:\n  sequential %s\n  batch      %s", k, w, got[k])
		}
	}
}

func TestApplyBatch_ReportsPerEventErrors(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	evs := []model.Event{
		{ContractAddress: pool, UserAddress: alice, Kind: model.EventWithdrawal, UsdAmount: priced(1), Timestamp: 1},
		{ContractAddress: pool, ContractType: model.ContractUnknown, UserAddress: bob, Kind: model.EventDeposit, UsdAmount: priced(1), Timestamp: 1},
	}
	errs := p.ApplyBatch(context.Background(), evs)
	if !errors.Is(errs[0], ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", errs[0])
	}
	if errs[1] != nil {
		t.Errorf("unexpected error: %v", errs[1])
	}
}

func TestApplyBatch_SharedIDAppliesOnce(t *testing.T) {
	evs := []model.Event{
		{ID: "dup", ContractAddress: pool, ContractType: model.ContractStabilityPoolCollateral, UserAddress: alice, Kind: model.EventDeposit, UsdAmount: priced(10), Timestamp: 1},
		{ID: "dup", ContractAddress: haToken, ContractType: model.ContractHaTokenHolding, UserAddress: bob, Kind: model.EventDeposit, UsdAmount: priced(10), Timestamp: 1},
	}
	for round := 0; round < 20; round++ {
		p, ms, _ := newTestProcessor(t)
		errs := p.ApplyBatch(context.Background(), evs)

		applied, dup := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				applied++
			case errors.Is(err, ErrDuplicateEvent):
				dup++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if applied != 1 || dup != 1 {
			t.Fatalf("round %d: applied %d, duplicates %d", round, applied, dup)
		}
		entries, _ := ms.ListEntries(context.Background())
		if len(entries) != 1 {
			t.Fatalf("round %d: expected one entry, got %d", round, len(entries))
		}
	}
}

func TestApplyBatch_CancelledContext(t *testing.T) {
	p, ms, _ := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := p.ApplyBatch(ctx, sequence())
	for i, err := range errs {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("event %d: expected context.Canceled, got %v", i, err)
		}
	}
	entries, _ := ms.ListEntries(context.Background())
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestInvariantsHoldAcrossSequence(t *testing.T) {
	p, ms, _ := newTestProcessor(t)
	ctx := context.Background()

	prev := make(map[string]model.LedgerEntry)
	for _, ev := range sequence() {
		if _, err := p.Apply(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.ID, err)
		}
		entries, _ := ms.ListEntries(ctx)
		for _, e := range entries {
			k := e.ContractAddress + "/" + e.UserAddress
			if e.CurrentMarks.IsNegative() || e.CurrentDepositUsd.IsNegative() {
				t.Fatalf("%s went negative after %s: %+v", k, ev.ID, e)
			}
			if old, ok := prev[k]; ok {
				if e.TotalMarksEarned.LessThan(old.TotalMarksEarned) {
					t.Fatalf("%s earned decreased after %s", k, ev.ID)
				}
				if e.TotalMarksForfeited.LessThan(old.TotalMarksForfeited) {
					t.Fatalf("%s forfeited decreased after %s", k, ev.ID)
				}
				if e.LastUpdated < old.LastUpdated {
					t.Fatalf("%s lastUpdated regressed after %s", k, ev.ID)
				}
			}
			prev[k] = e
		}
	}
}

func TestContinuityAfterEvents(t *testing.T) {
	p, _, reg := newTestProcessor(t)
	ctx := context.Background()

	for _, ev := range sequence() {
		entry, err := p.Apply(ctx, ev)
		if err != nil {
			t.Fatalf("%s: %v", ev.ID, err)
		}
		rule, _ := reg.GetOrCreateRule(ctx, entry.ContractAddress, entry.ContractType)
		if est := accrual.Estimate(entry, rule, entry.LastUpdated); est.String() != entry.CurrentMarks.String() {
			t.Fatalf("%s: estimate at lastUpdated %s != stored %s", ev.ID, est, entry.CurrentMarks)
		}
	}
}

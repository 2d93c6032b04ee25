package credits

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAllocateFreeHoursLifecycle(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-1")

	first := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if first.Decision != DecisionFirstAllocation || !first.Wrote() {
		test.Fatalf("expected first allocation, got %+v", first)
	}
	if first.Transaction.Source != SourceMonthlyReset || first.Transaction.Amount != 16 {
		test.Fatalf("unexpected first transaction: %+v", first.Transaction)
	}
	if first.Balance != 16 {
		test.Fatalf("expected balance 16, got %d", first.Balance)
	}

	if balance := mustAdjust(test, service, userID, -10, CreditTypeFreeHours); balance != 6 {
		test.Fatalf("expected balance 6 after usage, got %d", balance)
	}

	clock.Set(time.Date(2026, time.February, 15, 10, 0, 0, 0, time.UTC))
	reset := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if reset.Decision != DecisionPeriodReset {
		test.Fatalf("expected period reset, got %s", reset.Decision)
	}
	if reset.Transaction.Amount != 10 || reset.Transaction.Source != SourceMonthlyReset {
		test.Fatalf("unexpected reset transaction: %+v", reset.Transaction)
	}
	if !strings.Contains(reset.Transaction.Description, "was 6") {
		test.Fatalf("expected description to record prior balance, got %q", reset.Transaction.Description)
	}
	if previous := mustMetadataInt(test, reset.Transaction.Metadata, metadataKeyPreviousBalance); previous != 6 {
		test.Fatalf("expected previous_balance 6, got %d", previous)
	}
	if balance := mustBalance(test, service, userID, CreditTypeFreeHours); balance != 16 {
		test.Fatalf("expected balance 16 after reset, got %d", balance)
	}

	mustAdjust(test, service, userID, -4, CreditTypeFreeHours)
	clock.Advance(3 * 24 * time.Hour)
	upgrade := mustAllocate(test, service, userID, 32, CreditTypeFreeHours)
	if upgrade.Decision != DecisionTierUpgrade || upgrade.Transaction.Source != SourceUpgradeAdjustment {
		test.Fatalf("expected tier upgrade, got %+v", upgrade)
	}
	if upgrade.Transaction.Amount != 16 {
		test.Fatalf("expected upgrade delta 16, got %d", upgrade.Transaction.Amount)
	}
	if upgrade.Balance != 28 {
		test.Fatalf("expected balance 12+16=28, got %d", upgrade.Balance)
	}
	metadata := upgrade.Transaction.Metadata
	if mustMetadataInt(test, metadata, metadataKeyAllocatedAmount) != 32 || mustMetadataInt(test, metadata, metadataKeyPreviousAmount) != 16 || mustMetadataInt(test, metadata, metadataKeyDelta) != 16 {
		test.Fatalf("unexpected upgrade metadata: %v", metadata)
	}

	assertLedgerConsistent(test, store, userID, CreditTypeFreeHours)
}

func TestAllocateSameTierTwiceInPeriodIsNoop(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-repeat")

	mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	clock.Advance(10 * 24 * time.Hour)
	repeat := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if repeat.Decision != DecisionUnchanged || repeat.Wrote() {
		test.Fatalf("expected no-op, got %+v", repeat)
	}
	if got := len(store.transactionsFor(userID, CreditTypeFreeHours)); got != 1 {
		test.Fatalf("expected a single transaction, got %d", got)
	}
	if balance := mustBalance(test, service, userID, CreditTypeFreeHours); balance != 16 {
		test.Fatalf("expected balance 16, got %d", balance)
	}
}

func TestAllocateDowngradeInPeriodIsNoop(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.April, 3, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-downgrade")

	mustAllocate(test, service, userID, 32, CreditTypeFreeHours)
	mustAdjust(test, service, userID, -5, CreditTypeFreeHours)
	downgrade := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if downgrade.Decision != DecisionUnchanged || downgrade.Wrote() {
		test.Fatalf("expected downgrade no-op, got %+v", downgrade)
	}
	if downgrade.Balance != 27 {
		test.Fatalf("expected balance to stay at 27, got %d", downgrade.Balance)
	}
	if got := len(store.transactionsFor(userID, CreditTypeFreeHours)); got != 2 {
		test.Fatalf("expected allocation and adjustment only, got %d transactions", got)
	}
}

func TestAllocateSecondUpgradeUsesLatestTier(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.May, 2, 9, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-upgrades")

	mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	mustAllocate(test, service, userID, 32, CreditTypeFreeHours)
	second := mustAllocate(test, service, userID, 40, CreditTypeFreeHours)
	if second.Transaction == nil || second.Transaction.Amount != 8 {
		test.Fatalf("expected second upgrade delta 8, got %+v", second.Transaction)
	}
	if second.Balance != 40 {
		test.Fatalf("expected balance 40, got %d", second.Balance)
	}
	back := mustAllocate(test, service, userID, 32, CreditTypeFreeHours)
	if back.Wrote() {
		test.Fatalf("expected no-op after downgrade to a previous tier, got %+v", back.Transaction)
	}
}

func TestAllocateResetWritesZeroDeltaToOpenPeriod(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.June, 10, 8, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-untouched")

	mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	clock.Set(time.Date(2026, time.July, 10, 8, 0, 0, 0, time.UTC))
	reset := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if reset.Decision != DecisionPeriodReset || reset.Transaction == nil || reset.Transaction.Amount != 0 {
		test.Fatalf("expected zero-delta reset, got %+v", reset)
	}
	clock.Advance(24 * time.Hour)
	upgrade := mustAllocate(test, service, userID, 20, CreditTypeFreeHours)
	if upgrade.Decision != DecisionTierUpgrade || upgrade.Transaction.Amount != 4 {
		test.Fatalf("expected upgrade of 4 inside the new period, got %+v", upgrade)
	}
}

func TestAllocateResetCanReduceBalance(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-bonus")

	mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	mustAdjust(test, service, userID, 10, CreditTypeFreeHours)
	clock.Set(time.Date(2026, time.July, 1, 8, 0, 0, 0, time.UTC))
	reset := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if reset.Transaction.Amount != -10 {
		test.Fatalf("expected leftover credits forfeited (-10), got %d", reset.Transaction.Amount)
	}
	if reset.Balance != 16 {
		test.Fatalf("expected balance 16, got %d", reset.Balance)
	}
}

func TestAllocatePeriodBoundaryUsesNoOverflowMonth(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 31, 12, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-month-end")

	mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	mustAdjust(test, service, userID, -16, CreditTypeFreeHours)

	clock.Set(time.Date(2026, time.February, 28, 11, 59, 59, 0, time.UTC))
	early := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if early.Decision != DecisionUnchanged {
		test.Fatalf("expected same period before Feb 28 12:00, got %s", early.Decision)
	}

	clock.Set(time.Date(2026, time.February, 28, 12, 0, 0, 0, time.UTC))
	onTime := mustAllocate(test, service, userID, 16, CreditTypeFreeHours)
	if onTime.Decision != DecisionPeriodReset || onTime.Balance != 16 {
		test.Fatalf("expected reset on Feb 28 12:00, got %+v", onTime)
	}
}

func TestAllocateEquipmentCreditsRollOver(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-gear")

	first := mustAllocate(test, service, userID, 100, CreditTypeEquipmentCredits)
	if first.Transaction.Source != SourceMonthlyAllocation {
		test.Fatalf("expected monthly_allocation source, got %s", first.Transaction.Source)
	}
	clock.Set(time.Date(2026, time.February, 5, 0, 0, 0, 0, time.UTC))
	second := mustAllocate(test, service, userID, 100, CreditTypeEquipmentCredits)
	if second.Decision != DecisionPeriodRollover || second.Balance != 200 {
		test.Fatalf("expected additive rollover to 200, got %+v", second)
	}
	clock.Set(time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC))
	third := mustAllocate(test, service, userID, 100, CreditTypeEquipmentCredits)
	if third.Balance != DefaultEquipmentCreditCap {
		test.Fatalf("expected balance capped at %d, got %d", DefaultEquipmentCreditCap, third.Balance)
	}
	if third.Transaction.Amount != 50 || !third.Transaction.Metadata.Bool(metadataKeyCapReached) {
		test.Fatalf("expected capped grant of 50, got %+v", third.Transaction)
	}
	assertLedgerConsistent(test, store, userID, CreditTypeEquipmentCredits)
}

func TestAllocateEquipmentCreditsCapMetadata(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-cap")

	mustAllocate(test, service, userID, 200, CreditTypeEquipmentCredits)
	mustAdjust(test, service, userID, 45, CreditTypeEquipmentCredits)

	clock.Set(time.Date(2026, time.February, 5, 0, 0, 0, 0, time.UTC))
	capped := mustAllocate(test, service, userID, 10, CreditTypeEquipmentCredits)
	if capped.Balance != 250 {
		test.Fatalf("expected balance 250, got %d", capped.Balance)
	}
	metadata := capped.Transaction.Metadata
	if !metadata.Bool(metadataKeyCapReached) {
		test.Fatalf("expected cap_reached metadata, got %v", metadata)
	}
	if mustMetadataInt(test, metadata, metadataKeyRequestedAmount) != 10 || mustMetadataInt(test, metadata, metadataKeyActualAmount) != 5 {
		test.Fatalf("unexpected cap metadata: %v", metadata)
	}
	if capped.Transaction.Amount != 5 {
		test.Fatalf("expected granted amount 5, got %d", capped.Transaction.Amount)
	}

	clock.Set(time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC))
	full := mustAllocate(test, service, userID, 10, CreditTypeEquipmentCredits)
	if full.Decision != DecisionCapReached || full.Wrote() {
		test.Fatalf("expected silent no-op at the cap, got %+v", full)
	}
	if got := len(store.transactionsFor(userID, CreditTypeEquipmentCredits)); got != 3 {
		test.Fatalf("expected no transaction at the cap, got %d transactions", got)
	}
}

func TestAllocateEquipmentUpgradeIsCapped(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, "member-gear-upgrade")

	mustAllocate(test, service, userID, 50, CreditTypeEquipmentCredits)
	upgrade := mustAllocate(test, service, userID, 80, CreditTypeEquipmentCredits)
	if upgrade.Transaction.Amount != 30 || upgrade.Balance != 80 {
		test.Fatalf("expected upgrade delta 30, got %+v", upgrade)
	}

	mustAdjust(test, service, userID, 160, CreditTypeEquipmentCredits)
	capped := mustAllocate(test, service, userID, 100, CreditTypeEquipmentCredits)
	if capped.Transaction.Amount != 10 || capped.Balance != 250 {
		test.Fatalf("expected upgrade capped to 10, got %+v", capped)
	}
	if mustMetadataInt(test, capped.Transaction.Metadata, metadataKeyRequestedAmount) != 20 {
		test.Fatalf("expected requested amount to be the tier delta, got %v", capped.Transaction.Metadata)
	}
}

func TestAllocateFirstEquipmentGrantRespectsCap(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	clock := newTestClock(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock, WithCreditPolicy(CreditPolicy{Type: CreditTypeEquipmentCredits, Strategy: StrategyRollover, MaxBalance: 100}))
	userID := mustUserID(test, "member-promo-first")

	mustAdjust(test, service, userID, 90, CreditTypeEquipmentCredits)
	first := mustAllocate(test, service, userID, 40, CreditTypeEquipmentCredits)
	if first.Decision != DecisionFirstAllocation || first.Transaction.Amount != 10 || first.Balance != 100 {
		test.Fatalf("expected first grant capped to 10, got %+v", first)
	}
}

func TestAllocateRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore(), newTestClock(time.Unix(0, 0)))
	userID := mustUserID(test, "member-invalid")

	testCases := []struct {
		name       string
		userID     UserID
		amount     int64
		creditType CreditType
		wantErr    error
	}{
		{name: "empty user", userID: UserID{}, amount: 10, creditType: CreditTypeFreeHours, wantErr: ErrInvalidUserID},
		{name: "zero amount", userID: userID, amount: 0, creditType: CreditTypeFreeHours, wantErr: ErrInvalidAmount},
		{name: "negative amount", userID: userID, amount: -5, creditType: CreditTypeFreeHours, wantErr: ErrInvalidAmount},
		{name: "unknown type", userID: userID, amount: 10, creditType: CreditType("studio_minutes"), wantErr: ErrUnknownCreditType},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := service.AllocateMonthlyCredits(context.Background(), testCase.userID, testCase.amount, testCase.creditType)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestAllocateLocksAccount(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store, newTestClock(time.Unix(1_700_000_000, 0)))
	mustAllocate(test, service, mustUserID(test, "member-lock"), 16, CreditTypeFreeHours)
	if store.lockCalls != 1 {
		test.Fatalf("expected one account lock, got %d", store.lockCalls)
	}
}

func TestPlanAllocationDecisions(test *testing.T) {
	test.Parallel()
	reset := CreditPolicy{Type: CreditTypeFreeHours, Strategy: StrategyReset}
	rollover := CreditPolicy{Type: CreditTypeEquipmentCredits, Strategy: StrategyRollover, MaxBalance: 250}
	opened := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC).Unix()
	samePeriod := time.Date(2026, time.January, 25, 0, 0, 0, 0, time.UTC).Unix()
	nextPeriod := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC).Unix()

	testCases := []struct {
		name         string
		state        allocationState
		wantDecision AllocationDecision
		wantWrite    bool
		wantAmount   int64
		wantSource   TransactionSource
	}{
		{
			name:         "first reset",
			state:        allocationState{policy: reset, requested: 16, atUnixUTC: opened},
			wantDecision: DecisionFirstAllocation, wantWrite: true, wantAmount: 16, wantSource: SourceMonthlyReset,
		},
		{
			name:         "first rollover",
			state:        allocationState{policy: rollover, requested: 20, atUnixUTC: opened},
			wantDecision: DecisionFirstAllocation, wantWrite: true, wantAmount: 20, wantSource: SourceMonthlyAllocation,
		},
		{
			name:         "reset next period",
			state:        allocationState{policy: reset, requested: 16, balance: 3, atUnixUTC: nextPeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 16},
			wantDecision: DecisionPeriodReset, wantWrite: true, wantAmount: 13, wantSource: SourceMonthlyReset,
		},
		{
			name:         "rollover next period",
			state:        allocationState{policy: rollover, requested: 20, balance: 100, atUnixUTC: nextPeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 20},
			wantDecision: DecisionPeriodRollover, wantWrite: true, wantAmount: 20, wantSource: SourceMonthlyAllocation,
		},
		{
			name:         "rollover above cap",
			state:        allocationState{policy: rollover, requested: 20, balance: 260, atUnixUTC: nextPeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 20},
			wantDecision: DecisionCapReached,
		},
		{
			name:         "rollover forced new period",
			state:        allocationState{policy: rollover, requested: 20, balance: 20, atUnixUTC: samePeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 20, newPeriod: true},
			wantDecision: DecisionPeriodRollover, wantWrite: true, wantAmount: 20, wantSource: SourceMonthlyAllocation,
		},
		{
			name:         "upgrade",
			state:        allocationState{policy: reset, requested: 32, balance: 10, atUnixUTC: samePeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 16},
			wantDecision: DecisionTierUpgrade, wantWrite: true, wantAmount: 16, wantSource: SourceUpgradeAdjustment,
		},
		{
			name:         "downgrade",
			state:        allocationState{policy: reset, requested: 8, balance: 10, atUnixUTC: samePeriod, openPeriod: true, periodOpenedUnixUTC: opened, previousTier: 16},
			wantDecision: DecisionUnchanged,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			plan := planAllocation(testCase.state)
			if plan.decision != testCase.wantDecision || plan.write != testCase.wantWrite {
				test.Fatalf("expected %s write=%t, got %s write=%t", testCase.wantDecision, testCase.wantWrite, plan.decision, plan.write)
			}
			if !plan.write {
				return
			}
			if plan.amount != testCase.wantAmount || plan.source != testCase.wantSource {
				test.Fatalf("expected %d from %s, got %d from %s", testCase.wantAmount, testCase.wantSource, plan.amount, plan.source)
			}
			if tier, ok := plan.metadata.Int64(metadataKeyAllocatedAmount); !ok || tier != testCase.state.requested {
				test.Fatalf("expected allocated_amount %d, got %v", testCase.state.requested, plan.metadata)
			}
		})
	}
}

package credits

import (
	"context"
	"fmt"
)

// AllocationDecision names the branch the allocator took.
type AllocationDecision string

const (
	DecisionFirstAllocation AllocationDecision = "first_allocation"
	DecisionPeriodReset     AllocationDecision = "period_reset"
	DecisionPeriodRollover  AllocationDecision = "period_rollover"
	DecisionTierUpgrade     AllocationDecision = "tier_upgrade"
	DecisionUnchanged       AllocationDecision = "unchanged"
	DecisionCapReached      AllocationDecision = "cap_reached"
)

// AllocationOutcome reports what an allocation call did.
// Transaction is nil when nothing was written.
type AllocationOutcome struct {
	Decision    AllocationDecision
	Transaction *Transaction
	Balance     int64
}

// Wrote reports whether the allocation appended a transaction.
func (outcome AllocationOutcome) Wrote() bool {
	return outcome.Transaction != nil
}

// AllocateMonthlyCredits grants the periodic entitlement for a credit type.
// Reset types are set to amount once per period; rollover types gain amount up to their cap.
// A higher amount inside an open period grants only the tier difference; a lower or equal one is ignored.
func (service *Service) AllocateMonthlyCredits(ctx context.Context, userID UserID, amount int64, creditType CreditType) (AllocationOutcome, error) {
	var outcome AllocationOutcome
	operationError := service.validateAllocation(userID, amount, creditType)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			allocated, err := service.allocateInTx(ctx, transactionStore, userID, amount, creditType, "", false)
			if err != nil {
				return err
			}
			outcome = allocated
			return nil
		})
	}
	service.logAllocation(ctx, userID, amount, creditType, "", outcome, operationError)
	if operationError != nil {
		return AllocationOutcome{}, operationError
	}
	return outcome, nil
}

func (service *Service) validateAllocation(userID UserID, amount int64, creditType CreditType) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: allocation must be greater than zero", ErrInvalidAmount)
	}
	_, err := service.Policy(creditType)
	return err
}

// allocateInTx runs one allocation inside an open transaction. A non-empty allocationID
// links the written transaction to the schedule that produced it. newPeriod starts a
// new period whenever one is open, regardless of how long ago it was opened.
func (service *Service) allocateInTx(ctx context.Context, transactionStore Store, userID UserID, amount int64, creditType CreditType, allocationID string, newPeriod bool) (AllocationOutcome, error) {
	policy, err := service.Policy(creditType)
	if err != nil {
		return AllocationOutcome{}, err
	}
	if err := transactionStore.LockAccount(ctx, userID, creditType); err != nil {
		return AllocationOutcome{}, err
	}
	balance, err := transactionStore.SumBalance(ctx, userID, creditType)
	if err != nil {
		return AllocationOutcome{}, err
	}
	nowUnixUTC := service.nowFn()
	state := allocationState{
		policy:    policy,
		requested: amount,
		balance:   balance,
		atUnixUTC: nowUnixUTC,
		newPeriod: newPeriod,
	}
	opening, hasOpening, err := transactionStore.LastTransaction(ctx, userID, creditType, periodSources)
	if err != nil {
		return AllocationOutcome{}, err
	}
	if hasOpening {
		state.openPeriod = true
		state.periodOpenedUnixUTC = opening.CreatedUnixUTC
		state.previousTier = recordedTier(opening)
		latest, hasLatest, err := transactionStore.LastTransaction(ctx, userID, creditType, tierSources)
		if err != nil {
			return AllocationOutcome{}, err
		}
		if hasLatest {
			state.previousTier = recordedTier(latest)
		}
	}

	plan := planAllocation(state)
	outcome := AllocationOutcome{Decision: plan.decision, Balance: balance}
	if !plan.write {
		return outcome, nil
	}
	if allocationID != "" {
		plan.metadata[metadataKeyAllocationID] = allocationID
	}
	transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
		UserID:         userID,
		CreditType:     creditType,
		Amount:         plan.amount,
		BalanceAfter:   balance + plan.amount,
		Source:         plan.source,
		SourceID:       allocationID,
		Description:    plan.description,
		Metadata:       plan.metadata,
		CreatedUnixUTC: nowUnixUTC,
	})
	if err != nil {
		return AllocationOutcome{}, err
	}
	outcome.Transaction = &transaction
	outcome.Balance = transaction.BalanceAfter
	return outcome, nil
}

type allocationState struct {
	policy              CreditPolicy
	requested           int64
	balance             int64
	atUnixUTC           int64
	openPeriod          bool
	periodOpenedUnixUTC int64
	previousTier        int64
	newPeriod           bool
}

type allocationPlan struct {
	decision    AllocationDecision
	write       bool
	amount      int64
	source      TransactionSource
	description string
	metadata    Metadata
}

// planAllocation decides the transaction an allocation call writes, if any.
func planAllocation(state allocationState) allocationPlan {
	creditType := state.policy.Type
	metadata := Metadata{metadataKeyAllocatedAmount: state.requested}

	switch {
	case !state.openPeriod:
		grant, capped := capGrant(state.policy, state.balance, state.requested)
		if capped {
			if grant == 0 {
				return allocationPlan{decision: DecisionCapReached}
			}
			markCapped(metadata, state.requested, grant)
		}
		return allocationPlan{
			decision:    DecisionFirstAllocation,
			write:       true,
			amount:      grant,
			source:      periodSource(state.policy),
			description: fmt.Sprintf("Initial %s allocation of %d", creditType, grant),
			metadata:    metadata,
		}

	case state.newPeriod || periodElapsed(state.periodOpenedUnixUTC, state.atUnixUTC):
		if state.policy.Strategy == StrategyReset {
			metadata[metadataKeyPreviousBalance] = state.balance
			return allocationPlan{
				decision:    DecisionPeriodReset,
				write:       true,
				amount:      state.requested - state.balance,
				source:      SourceMonthlyReset,
				description: fmt.Sprintf("Monthly %s reset to %d (was %d)", creditType, state.requested, state.balance),
				metadata:    metadata,
			}
		}
		grant, capped := capGrant(state.policy, state.balance, state.requested)
		description := fmt.Sprintf("Monthly %s allocation of %d", creditType, grant)
		if capped {
			if grant == 0 {
				return allocationPlan{decision: DecisionCapReached}
			}
			markCapped(metadata, state.requested, grant)
			description = fmt.Sprintf("%s (capped at %d)", description, state.policy.MaxBalance)
		}
		return allocationPlan{
			decision:    DecisionPeriodRollover,
			write:       true,
			amount:      grant,
			source:      SourceMonthlyAllocation,
			description: description,
			metadata:    metadata,
		}

	case state.requested > state.previousTier:
		delta := state.requested - state.previousTier
		metadata[metadataKeyPreviousAmount] = state.previousTier
		metadata[metadataKeyDelta] = delta
		grant, capped := capGrant(state.policy, state.balance, delta)
		if capped {
			if grant == 0 {
				return allocationPlan{decision: DecisionCapReached}
			}
			markCapped(metadata, delta, grant)
		}
		return allocationPlan{
			decision:    DecisionTierUpgrade,
			write:       true,
			amount:      grant,
			source:      SourceUpgradeAdjustment,
			description: fmt.Sprintf("Tier upgrade from %d to %d %s", state.previousTier, state.requested, creditType),
			metadata:    metadata,
		}

	default:
		return allocationPlan{decision: DecisionUnchanged}
	}
}

// capGrant clamps a rollover grant so the resulting balance stays within the cap.
// Reset types are never capped.
func capGrant(policy CreditPolicy, balance int64, requested int64) (int64, bool) {
	if policy.Strategy != StrategyRollover {
		return requested, false
	}
	headroom := policy.MaxBalance - balance
	if requested <= headroom {
		return requested, false
	}
	if headroom < 0 {
		headroom = 0
	}
	return headroom, true
}

func markCapped(metadata Metadata, requested int64, actual int64) {
	metadata[metadataKeyCapReached] = true
	metadata[metadataKeyRequestedAmount] = requested
	metadata[metadataKeyActualAmount] = actual
}

func periodSource(policy CreditPolicy) TransactionSource {
	if policy.Strategy == StrategyReset {
		return SourceMonthlyReset
	}
	return SourceMonthlyAllocation
}

// recordedTier returns the tier an allocation transaction was computed from.
func recordedTier(transaction Transaction) int64 {
	if tier, ok := transaction.Metadata.Int64(metadataKeyAllocatedAmount); ok {
		return tier
	}
	return transaction.Amount
}

func (service *Service) logAllocation(ctx context.Context, userID UserID, amount int64, creditType CreditType, reference string, outcome AllocationOutcome, operationError error) {
	entry := OperationLog{
		Operation:  operationAllocate,
		UserID:     userID,
		CreditType: creditType,
		Amount:     amount,
		Balance:    outcome.Balance,
		Decision:   outcome.Decision,
		Reference:  reference,
		Error:      operationError,
	}
	if outcome.Transaction != nil {
		entry.Source = outcome.Transaction.Source
	}
	service.logOperation(ctx, entry)
}

package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ScheduleRequest describes a new recurring grant.
type ScheduleRequest struct {
	UserID          UserID
	CreditType      CreditType
	Amount          int64
	Frequency       Frequency
	Source          string
	StartsAtUnixUTC int64
}

// ScheduleAllocation stores an active schedule. It first comes due at its start time (default now).
func (service *Service) ScheduleAllocation(ctx context.Context, request ScheduleRequest) (Allocation, error) {
	allocation, operationError := service.scheduleAllocation(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:  operationSchedule,
		UserID:     request.UserID,
		CreditType: request.CreditType,
		Amount:     request.Amount,
		Reference:  allocation.AllocationID,
		Error:      operationError,
	})
	return allocation, operationError
}

func (service *Service) scheduleAllocation(ctx context.Context, request ScheduleRequest) (Allocation, error) {
	if err := service.validateAllocation(request.UserID, request.Amount, request.CreditType); err != nil {
		return Allocation{}, err
	}
	frequency, err := ParseFrequency(request.Frequency.String())
	if err != nil {
		return Allocation{}, err
	}
	source := strings.TrimSpace(request.Source)
	if source == "" {
		source = defaultScheduleSource
	}
	startsAt := request.StartsAtUnixUTC
	if startsAt == 0 {
		startsAt = service.nowFn()
	}
	return service.store.CreateAllocation(ctx, Allocation{
		UserID:                  request.UserID,
		CreditType:              request.CreditType,
		Amount:                  request.Amount,
		Frequency:               frequency,
		Source:                  source,
		Active:                  true,
		StartsAtUnixUTC:         startsAt,
		NextAllocationAtUnixUTC: startsAt,
	})
}

// DeactivateAllocation stops a schedule from firing; the record is kept.
func (service *Service) DeactivateAllocation(ctx context.Context, allocationID string) error {
	trimmed := strings.TrimSpace(allocationID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAllocationID)
	}
	return service.store.DeactivateAllocation(ctx, trimmed)
}

// AllocationFailure records a schedule the sweep could not process.
type AllocationFailure struct {
	AllocationID string
	UserID       UserID
	Err          error
}

// SweepResult summarizes one ProcessPendingAllocations run.
type SweepResult struct {
	Due       int
	Processed int
	Failures  []AllocationFailure
}

// Failed returns the number of schedules that could not be processed.
func (result SweepResult) Failed() int {
	return len(result.Failures)
}

// ProcessPendingAllocations runs every active schedule whose due time has passed.
// Each schedule is allocated and advanced in its own transaction; a failure leaves that
// schedule due and does not stop the rest of the sweep. The returned error wraps
// ErrSweepIncomplete and every per-schedule failure.
func (service *Service) ProcessPendingAllocations(ctx context.Context) (SweepResult, error) {
	nowUnixUTC := service.nowFn()
	due, err := service.store.ListDueAllocations(ctx, nowUnixUTC)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationSweep, Error: err})
		return SweepResult{}, err
	}
	result := SweepResult{Due: len(due)}
	for _, allocation := range due {
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, AllocationFailure{AllocationID: allocation.AllocationID, UserID: allocation.UserID, Err: err})
			continue
		}
		if err := service.runAllocation(ctx, allocation, nowUnixUTC); err != nil {
			result.Failures = append(result.Failures, AllocationFailure{AllocationID: allocation.AllocationID, UserID: allocation.UserID, Err: err})
			continue
		}
		result.Processed++
	}
	sweepError := result.err()
	service.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    int64(result.Processed),
		Error:     sweepError,
	})
	return result, sweepError
}

func (service *Service) runAllocation(ctx context.Context, allocation Allocation, nowUnixUTC int64) error {
	var outcome AllocationOutcome
	operationError := service.validateAllocation(allocation.UserID, allocation.Amount, allocation.CreditType)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			current, err := transactionStore.GetAllocation(ctx, allocation.AllocationID)
			if err != nil {
				return err
			}
			if !current.Active || current.NextAllocationAtUnixUTC > nowUnixUTC {
				return nil
			}
			// Every firing after the first one is a period boundary.
			newPeriod := current.LastAllocatedAtUnixUTC > 0
			allocated, err := service.allocateInTx(ctx, transactionStore, allocation.UserID, allocation.Amount, allocation.CreditType, allocation.AllocationID, newPeriod)
			if err != nil {
				return err
			}
			next := NextAllocationAt(allocation.Frequency, nowUnixUTC)
			if err := transactionStore.RecordAllocationRun(ctx, allocation.AllocationID, next, nowUnixUTC); err != nil {
				return err
			}
			outcome = allocated
			return nil
		})
	}
	service.logAllocation(ctx, allocation.UserID, allocation.Amount, allocation.CreditType, allocation.AllocationID, outcome, operationError)
	return operationError
}

func (result SweepResult) err() error {
	if len(result.Failures) == 0 {
		return nil
	}
	failures := make([]error, 0, len(result.Failures)+1)
	failures = append(failures, fmt.Errorf("%w: %d of %d allocations failed", ErrSweepIncomplete, len(result.Failures), result.Due))
	for _, failure := range result.Failures {
		failures = append(failures, fmt.Errorf("allocation %s: %w", failure.AllocationID, failure.Err))
	}
	return errors.Join(failures...)
}

package credits

import (
	"context"
	"fmt"
	"sort"
)

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	loggers  []OperationLogger
	policies map[CreditType]CreditPolicy
}

// NewService wires a Service. Free hours and equipment credits are registered
// with their default policies unless an option replaces them.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, policies: make(map[CreditType]CreditPolicy)}
	for _, policy := range DefaultCreditPolicies(DefaultEquipmentCreditCap) {
		service.policies[policy.Type] = policy
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	for _, policy := range service.policies {
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
		}
	}
	return service, nil
}

// Policy returns the allocation policy registered for a credit type.
func (service *Service) Policy(creditType CreditType) (CreditPolicy, error) {
	policy, ok := service.policies[creditType]
	if !ok {
		return CreditPolicy{}, fmt.Errorf("%w: %q", ErrUnknownCreditType, creditType)
	}
	return policy, nil
}

// CreditTypes lists the registered credit types in name order.
func (service *Service) CreditTypes() []CreditType {
	creditTypes := make([]CreditType, 0, len(service.policies))
	for creditType := range service.policies {
		creditTypes = append(creditTypes, creditType)
	}
	sort.Slice(creditTypes, func(left, right int) bool { return creditTypes[left] < creditTypes[right] })
	return creditTypes
}

// Balance returns the current balance for one credit type.
func (service *Service) Balance(ctx context.Context, userID UserID, creditType CreditType) (Balance, error) {
	if userID.IsZero() {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := service.Policy(creditType); err != nil {
		return Balance{}, err
	}
	amount, err := service.store.SumBalance(ctx, userID, creditType)
	if err != nil {
		return Balance{}, err
	}
	return Balance{CreditType: creditType, Amount: amount}, nil
}

// Balances returns the balance of every registered credit type.
func (service *Service) Balances(ctx context.Context, userID UserID) ([]Balance, error) {
	creditTypes := service.CreditTypes()
	balances := make([]Balance, 0, len(creditTypes))
	for _, creditType := range creditTypes {
		balance, err := service.Balance(ctx, userID, creditType)
		if err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

// ListTransactions lists newest-first transactions before a cursor. An empty credit type lists every type.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, creditType CreditType, beforeID int64, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if creditType != "" {
		if _, err := service.Policy(creditType); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidListLimit)
	}
	return service.store.ListTransactions(ctx, userID, creditType, beforeID, limit)
}

// AdjustmentRequest describes a manual staff correction.
type AdjustmentRequest struct {
	UserID      UserID
	Amount      int64
	CreditType  CreditType
	ActorID     string
	Description string
}

// AdjustCredits applies a signed delta and returns the new balance.
// The balance may become negative; staff use this to claw back over-grants.
func (service *Service) AdjustCredits(ctx context.Context, request AdjustmentRequest) (int64, error) {
	creditType := request.CreditType
	if creditType == "" {
		creditType = CreditTypeFreeHours
	}
	var newBalance int64
	operationError := service.adjust(ctx, request, creditType, &newBalance)
	service.logOperation(ctx, OperationLog{
		Operation:  operationAdjust,
		UserID:     request.UserID,
		CreditType: creditType,
		Amount:     request.Amount,
		Balance:    newBalance,
		Source:     SourceAdminAdjustment,
		Reference:  request.ActorID,
		Error:      operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

func (service *Service) adjust(ctx context.Context, request AdjustmentRequest, creditType CreditType, newBalance *int64) error {
	if request.UserID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := service.Policy(creditType); err != nil {
		return err
	}
	description := request.Description
	if description == "" {
		description = defaultAdjustmentDescription
	}
	metadata := Metadata{}
	if request.ActorID != "" {
		metadata[metadataKeyActorID] = request.ActorID
	}
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.LockAccount(ctx, request.UserID, creditType); err != nil {
			return err
		}
		current, err := transactionStore.SumBalance(ctx, request.UserID, creditType)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
			UserID:         request.UserID,
			CreditType:     creditType,
			Amount:         request.Amount,
			BalanceAfter:   current + request.Amount,
			Source:         SourceAdminAdjustment,
			Description:    description,
			Metadata:       metadata,
			CreatedUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		*newBalance = transaction.BalanceAfter
		return nil
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}

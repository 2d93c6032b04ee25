package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation  string
	UserID     UserID
	CreditType CreditType
	Amount     int64
	Balance    int64
	Source     TransactionSource
	Decision   AllocationDecision
	Reference  string
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be passed more than once; every logger receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithCreditPolicy registers or replaces the policy for one credit type.
func WithCreditPolicy(policy CreditPolicy) ServiceOption {
	return func(service *Service) {
		service.policies[policy.Type] = policy
	}
}

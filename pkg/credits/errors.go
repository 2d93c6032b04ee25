package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrPromoCodeNotFound        = errors.New("promo code not found")
	ErrPromoCodeAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrPromoCodeMaxUsesExceeded = errors.New("promo code max uses exceeded")
	ErrPromoCodeExists          = errors.New("promo code already exists")
	ErrUnknownAllocation        = errors.New("unknown allocation")
	ErrUnknownCreditType        = errors.New("unknown credit type")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidCreditPolicy      = errors.New("invalid credit policy")
	ErrInvalidFrequency         = errors.New("invalid frequency")
	ErrInvalidTransactionSource = errors.New("invalid transaction source")
	ErrInvalidPromoCode         = errors.New("invalid promo code")
	ErrInvalidAllocationID      = errors.New("invalid allocation id")
	ErrInvalidListLimit         = errors.New("invalid list limit")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrSweepIncomplete          = errors.New("sweep incomplete")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

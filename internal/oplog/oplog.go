// Package oplog writes credit service operations to a zap logger.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
)

const (
	messageOperation       = "credit operation"
	messageOperationFailed = "credit operation failed"
)

// ZapLogger implements credits.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger; a nil logger discards every entry.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("credits")}
}

func (logger *ZapLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.CreditType != "" {
		fields = append(fields, zap.String("credit_type", entry.CreditType.String()))
	}
	fields = append(fields, zap.Int64("amount", entry.Amount), zap.Int64("balance", entry.Balance))
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source.String()))
	}
	if entry.Decision != "" {
		fields = append(fields, zap.String("decision", string(entry.Decision)))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		logger.logger.Warn(messageOperationFailed, append(fields, zap.Error(entry.Error))...)
		return
	}
	logger.logger.Info(messageOperation, fields...)
}

package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationWritesFields(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))
	userID, err := credits.NewUserID("member-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}

	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation:  "allocate",
		UserID:     userID,
		CreditType: credits.CreditTypeEquipmentCredits,
		Amount:     10,
		Balance:    250,
		Source:     credits.SourceMonthlyAllocation,
		Decision:   credits.DecisionPeriodRollover,
		Status:     "ok",
	})

	entries := observed.All()
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel || entry.Message != messageOperation || entry.LoggerName != "credits" {
		test.Fatalf("unexpected entry: %+v", entry.Entry)
	}
	fields := entry.ContextMap()
	if fields["user_id"] != "member-1" || fields["credit_type"] != "equipment_credits" || fields["decision"] != "period_rollover" {
		test.Fatalf("unexpected fields: %v", fields)
	}
	if fields["balance"] != int64(250) {
		test.Fatalf("expected balance field, got %v", fields["balance"])
	}
	if _, ok := fields["reference"]; ok {
		test.Fatalf("expected empty reference to be omitted")
	}
}

func TestLogOperationWarnsOnError(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zapcore.InfoLevel)
	logger := New(zap.New(core))

	logger.LogOperation(context.Background(), credits.OperationLog{
		Operation: "redeem",
		Reference: "SPRING",
		Status:    "error",
		Error:     errors.New("boom"),
	})

	entries := observed.FilterLevelExact(zapcore.WarnLevel).All()
	if len(entries) != 1 || entries[0].Message != messageOperationFailed {
		test.Fatalf("expected one warning, got %+v", observed.All())
	}
	if entries[0].ContextMap()["error"] != "boom" {
		test.Fatalf("expected error field, got %v", entries[0].ContextMap())
	}
}

func TestNewToleratesNilLogger(test *testing.T) {
	test.Parallel()
	New(nil).LogOperation(context.Background(), credits.OperationLog{Operation: "adjust"})
}

package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// UserID identifies a credit owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// CreditType enumerates grantable entitlements.
type CreditType string

const (
	// CreditTypeFreeHours is the free practice hours credit; it resets every period.
	CreditTypeFreeHours CreditType = "free_hours"
	// CreditTypeEquipmentCredits is the equipment lending credit; it rolls over up to a cap.
	CreditTypeEquipmentCredits CreditType = "equipment_credits"
)

// ParseCreditType validates a credit type name. An empty value yields the reset type.
func ParseCreditType(raw string) (CreditType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CreditTypeFreeHours, nil
	}
	if strings.ContainsAny(trimmed, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrUnknownCreditType, raw)
	}
	return CreditType(trimmed), nil
}

// String returns the credit type name.
func (creditType CreditType) String() string {
	return string(creditType)
}

// Strategy names how periodic allocations treat an existing balance.
type Strategy string

const (
	StrategyReset    Strategy = "reset"
	StrategyRollover Strategy = "rollover"
)

// CreditPolicy configures allocation behaviour for one credit type.
type CreditPolicy struct {
	Type       CreditType
	Strategy   Strategy
	MaxBalance int64
}

func (policy CreditPolicy) validate() error {
	if strings.TrimSpace(policy.Type.String()) == "" {
		return fmt.Errorf("%w: empty credit type", ErrInvalidCreditPolicy)
	}
	switch policy.Strategy {
	case StrategyReset:
		return nil
	case StrategyRollover:
		if policy.MaxBalance <= 0 {
			return fmt.Errorf("%w: %s rollover cap must be greater than zero", ErrInvalidCreditPolicy, policy.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has unknown strategy %q", ErrInvalidCreditPolicy, policy.Type, policy.Strategy)
	}
}

// DefaultCreditPolicies returns the built-in policies for free hours and equipment credits.
func DefaultCreditPolicies(equipmentCap int64) []CreditPolicy {
	if equipmentCap <= 0 {
		equipmentCap = DefaultEquipmentCreditCap
	}
	return []CreditPolicy{
		{Type: CreditTypeFreeHours, Strategy: StrategyReset},
		{Type: CreditTypeEquipmentCredits, Strategy: StrategyRollover, MaxBalance: equipmentCap},
	}
}

// TransactionSource tags why a transaction was written.
type TransactionSource string

const (
	SourceAdminAdjustment   TransactionSource = "admin_adjustment"
	SourceMonthlyReset      TransactionSource = "monthly_reset"
	SourceMonthlyAllocation TransactionSource = "monthly_allocation"
	SourceUpgradeAdjustment TransactionSource = "upgrade_adjustment"
	SourcePromoCode         TransactionSource = "promo_code"
)

// ParseTransactionSource validates a stored source tag.
func ParseTransactionSource(raw string) (TransactionSource, error) {
	switch source := TransactionSource(strings.TrimSpace(raw)); source {
	case SourceAdminAdjustment, SourceMonthlyReset, SourceMonthlyAllocation, SourceUpgradeAdjustment, SourcePromoCode:
		return source, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionSource, raw)
	}
}

// String returns the source tag.
func (source TransactionSource) String() string {
	return string(source)
}

// periodSources open an allocation period.
var periodSources = []TransactionSource{SourceMonthlyReset, SourceMonthlyAllocation}

// tierSources record the tier a user is allocated at.
var tierSources = []TransactionSource{SourceMonthlyReset, SourceMonthlyAllocation, SourceUpgradeAdjustment}

// Frequency controls how often a schedule fires.
type Frequency string

const (
	FrequencyMonthly Frequency = "monthly"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyOneTime Frequency = "one_time"
)

// ParseFrequency validates a schedule frequency. An empty value yields monthly.
func ParseFrequency(raw string) (Frequency, error) {
	switch frequency := Frequency(strings.TrimSpace(raw)); frequency {
	case "":
		return FrequencyMonthly, nil
	case FrequencyMonthly, FrequencyWeekly, FrequencyOneTime:
		return frequency, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, raw)
	}
}

// String returns the frequency name.
func (frequency Frequency) String() string {
	return string(frequency)
}

// Metadata stores structured key/value data attached to a transaction.
type Metadata map[string]any

// Int64 reads an integer value regardless of how the JSON decoder typed it.
func (metadata Metadata) Int64(key string) (int64, bool) {
	raw, ok := metadata[key]
	if !ok {
		return 0, false
	}
	switch value := raw.(type) {
	case int:
		return int64(value), true
	case int64:
		return value, true
	case int32:
		return int64(value), true
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// Bool reads a boolean flag; missing keys read as false.
func (metadata Metadata) Bool(key string) bool {
	value, ok := metadata[key].(bool)
	return ok && value
}

// String reads a string value.
func (metadata Metadata) String(key string) (string, bool) {
	value, ok := metadata[key].(string)
	return value, ok
}

// JSON encodes the metadata, defaulting to an empty object.
func (metadata Metadata) JSON() ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(metadata))
}

// ParseMetadata decodes a JSON object into Metadata.
func ParseMetadata(raw []byte) (Metadata, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Metadata{}, nil
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return Metadata(decoded), nil
}

// TransactionInput is a transaction that has not been persisted yet.
type TransactionInput struct {
	UserID         UserID
	CreditType     CreditType
	Amount         int64
	BalanceAfter   int64
	Source         TransactionSource
	SourceID       string
	Description    string
	Metadata       Metadata
	CreatedUnixUTC int64
}

// Transaction is a single immutable line in the credit ledger.
type Transaction struct {
	TransactionID  int64
	UserID         UserID
	CreditType     CreditType
	Amount         int64
	BalanceAfter   int64
	Source         TransactionSource
	SourceID       string
	Description    string
	Metadata       Metadata
	CreatedUnixUTC int64
}

// Balance view for one credit type.
type Balance struct {
	CreditType CreditType
	Amount     int64
}

// Allocation is a recurring grant schedule.
type Allocation struct {
	AllocationID            string
	UserID                  UserID
	CreditType              CreditType
	Amount                  int64
	Frequency               Frequency
	Source                  string
	Active                  bool
	StartsAtUnixUTC         int64
	NextAllocationAtUnixUTC int64
	LastAllocatedAtUnixUTC  int64
}

// PromoCode grants a one-time amount to each redeeming user.
// MaxUses and ExpiresAtUnixUTC use zero for "unlimited" and "never".
type PromoCode struct {
	PromoCodeID      string
	Code             string
	CreditType       CreditType
	CreditAmount     int64
	MaxUses          int64
	UsesCount        int64
	ExpiresAtUnixUTC int64
	Active           bool
}

// Redemption links a user, a promo code and the transaction it produced.
type Redemption struct {
	PromoCodeID       string
	UserID            UserID
	TransactionID     int64
	RedeemedAtUnixUTC int64
}

// Store is the persistence contract used by Service. Unix timestamps are stored
// exactly as given; zero means the epoch, not the current time.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockAccount creates the (user, credit type) account row if needed and holds a row lock on it until the transaction ends.
	LockAccount(ctx context.Context, userID UserID, creditType CreditType) error
	SumBalance(ctx context.Context, userID UserID, creditType CreditType) (int64, error)
	// LastTransaction returns the newest transaction whose source is in sources.
	LastTransaction(ctx context.Context, userID UserID, creditType CreditType, sources []TransactionSource) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	// ListTransactions returns newest-first transactions; an empty creditType lists all types and beforeID 0 starts at the newest.
	ListTransactions(ctx context.Context, userID UserID, creditType CreditType, beforeID int64, limit int) ([]Transaction, error)
	CreateAllocation(ctx context.Context, allocation Allocation) (Allocation, error)
	// GetAllocation locks the schedule row when called inside a transaction.
	GetAllocation(ctx context.Context, allocationID string) (Allocation, error)
	ListDueAllocations(ctx context.Context, atUnixUTC int64) ([]Allocation, error)
	RecordAllocationRun(ctx context.Context, allocationID string, nextUnixUTC int64, lastUnixUTC int64) error
	DeactivateAllocation(ctx context.Context, allocationID string) error
	CreatePromoCode(ctx context.Context, promoCode PromoCode) (PromoCode, error)
	// GetPromoCodeForUpdate looks a code up by exact match and locks its row.
	GetPromoCodeForUpdate(ctx context.Context, code string) (PromoCode, error)
	HasRedemption(ctx context.Context, promoCodeID string, userID UserID) (bool, error)
	CreateRedemption(ctx context.Context, redemption Redemption) error
	IncrementPromoCodeUses(ctx context.Context, promoCodeID string) error
}

package credits

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"
)

type memoryStore struct {
	nextTransactionID int64
	nextAllocationID  int
	nextPromoCodeID   int
	accounts          map[string]struct{}
	transactions      []Transaction
	allocations       map[string]Allocation
	promoCodes        map[string]PromoCode
	redemptions       map[string]Redemption
	insertErrors      map[string]error
	lockCalls         int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts:     make(map[string]struct{}),
		allocations:  make(map[string]Allocation),
		promoCodes:   make(map[string]PromoCode),
		redemptions:  make(map[string]Redemption),
		insertErrors: make(map[string]error),
	}
}

// WithTx restores the previous state when fn fails, like a rolled back transaction.
func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *memoryStore) snapshot() memoryStore {
	copied := memoryStore{
		nextTransactionID: store.nextTransactionID,
		nextAllocationID:  store.nextAllocationID,
		nextPromoCodeID:   store.nextPromoCodeID,
		accounts:          make(map[string]struct{}, len(store.accounts)),
		transactions:      append([]Transaction(nil), store.transactions...),
		allocations:       make(map[string]Allocation, len(store.allocations)),
		promoCodes:        make(map[string]PromoCode, len(store.promoCodes)),
		redemptions:       make(map[string]Redemption, len(store.redemptions)),
	}
	for key, value := range store.accounts {
		copied.accounts[key] = value
	}
	for key, value := range store.allocations {
		copied.allocations[key] = value
	}
	for key, value := range store.promoCodes {
		copied.promoCodes[key] = value
	}
	for key, value := range store.redemptions {
		copied.redemptions[key] = value
	}
	return copied
}

func (store *memoryStore) restore(snapshot memoryStore) {
	store.nextTransactionID = snapshot.nextTransactionID
	store.nextAllocationID = snapshot.nextAllocationID
	store.nextPromoCodeID = snapshot.nextPromoCodeID
	store.accounts = snapshot.accounts
	store.transactions = snapshot.transactions
	store.allocations = snapshot.allocations
	store.promoCodes = snapshot.promoCodes
	store.redemptions = snapshot.redemptions
}

func accountKey(userID UserID, creditType CreditType) string {
	return userID.String() + "/" + creditType.String()
}

func (store *memoryStore) LockAccount(ctx context.Context, userID UserID, creditType CreditType) error {
	store.lockCalls++
	store.accounts[accountKey(userID, creditType)] = struct{}{}
	return nil
}

func (store *memoryStore) SumBalance(ctx context.Context, userID UserID, creditType CreditType) (int64, error) {
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.CreditType == creditType {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *memoryStore) LastTransaction(ctx context.Context, userID UserID, creditType CreditType, sources []TransactionSource) (Transaction, bool, error) {
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.UserID != userID || transaction.CreditType != creditType {
			continue
		}
		for _, source := range sources {
			if transaction.Source == source {
				return transaction, true, nil
			}
		}
	}
	return Transaction{}, false, nil
}

func (store *memoryStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if err, ok := store.insertErrors[input.UserID.String()]; ok {
		return Transaction{}, err
	}
	store.nextTransactionID++
	transaction := Transaction{
		TransactionID:  store.nextTransactionID,
		UserID:         input.UserID,
		CreditType:     input.CreditType,
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter,
		Source:         input.Source,
		SourceID:       input.SourceID,
		Description:    input.Description,
		Metadata:       input.Metadata,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *memoryStore) ListTransactions(ctx context.Context, userID UserID, creditType CreditType, beforeID int64, limit int) ([]Transaction, error) {
	var out []Transaction
	for index := len(store.transactions) - 1; index >= 0 && len(out) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.UserID != userID {
			continue
		}
		if creditType != "" && transaction.CreditType != creditType {
			continue
		}
		if beforeID != 0 && transaction.TransactionID >= beforeID {
			continue
		}
		out = append(out, transaction)
	}
	return out, nil
}

func (store *memoryStore) CreateAllocation(ctx context.Context, allocation Allocation) (Allocation, error) {
	store.nextAllocationID++
	allocation.AllocationID = fmt.Sprintf("alloc-%d", store.nextAllocationID)
	store.allocations[allocation.AllocationID] = allocation
	return allocation, nil
}

func (store *memoryStore) GetAllocation(ctx context.Context, allocationID string) (Allocation, error) {
	allocation, ok := store.allocations[allocationID]
	if !ok {
		return Allocation{}, ErrUnknownAllocation
	}
	return allocation, nil
}

func (store *memoryStore) ListDueAllocations(ctx context.Context, atUnixUTC int64) ([]Allocation, error) {
	var due []Allocation
	for _, allocation := range store.allocations {
		if allocation.Active && allocation.NextAllocationAtUnixUTC <= atUnixUTC {
			due = append(due, allocation)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].AllocationID < due[right].AllocationID })
	return due, nil
}

func (store *memoryStore) RecordAllocationRun(ctx context.Context, allocationID string, nextUnixUTC int64, lastUnixUTC int64) error {
	allocation, ok := store.allocations[allocationID]
	if !ok {
		return ErrUnknownAllocation
	}
	allocation.NextAllocationAtUnixUTC = nextUnixUTC
	allocation.LastAllocatedAtUnixUTC = lastUnixUTC
	store.allocations[allocationID] = allocation
	return nil
}

func (store *memoryStore) DeactivateAllocation(ctx context.Context, allocationID string) error {
	allocation, ok := store.allocations[allocationID]
	if !ok {
		return ErrUnknownAllocation
	}
	allocation.Active = false
	store.allocations[allocationID] = allocation
	return nil
}

func (store *memoryStore) CreatePromoCode(ctx context.Context, promoCode PromoCode) (PromoCode, error) {
	if _, exists := store.promoCodes[promoCode.Code]; exists {
		return PromoCode{}, ErrPromoCodeExists
	}
	store.nextPromoCodeID++
	promoCode.PromoCodeID = fmt.Sprintf("promo-%d", store.nextPromoCodeID)
	store.promoCodes[promoCode.Code] = promoCode
	return promoCode, nil
}

func (store *memoryStore) GetPromoCodeForUpdate(ctx context.Context, code string) (PromoCode, error) {
	promoCode, ok := store.promoCodes[code]
	if !ok {
		return PromoCode{}, ErrPromoCodeNotFound
	}
	return promoCode, nil
}

func (store *memoryStore) HasRedemption(ctx context.Context, promoCodeID string, userID UserID) (bool, error) {
	_, ok := store.redemptions[promoCodeID+"/"+userID.String()]
	return ok, nil
}

func (store *memoryStore) CreateRedemption(ctx context.Context, redemption Redemption) error {
	key := redemption.PromoCodeID + "/" + redemption.UserID.String()
	if _, exists := store.redemptions[key]; exists {
		return ErrPromoCodeAlreadyRedeemed
	}
	store.redemptions[key] = redemption
	return nil
}

func (store *memoryStore) IncrementPromoCodeUses(ctx context.Context, promoCodeID string) error {
	for code, promoCode := range store.promoCodes {
		if promoCode.PromoCodeID == promoCodeID {
			promoCode.UsesCount++
			store.promoCodes[code] = promoCode
			return nil
		}
	}
	return ErrPromoCodeNotFound
}

func (store *memoryStore) transactionsFor(userID UserID, creditType CreditType) []Transaction {
	var out []Transaction
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.CreditType == creditType {
			out = append(out, transaction)
		}
	}
	return out
}

type testClock struct {
	current time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start.UTC()}
}

func (clock *testClock) Now() int64 {
	return clock.current.Unix()
}

func (clock *testClock) Set(at time.Time) {
	clock.current = at.UTC()
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAllocate(test *testing.T, service *Service, userID UserID, amount int64, creditType CreditType) AllocationOutcome {
	test.Helper()
	outcome, err := service.AllocateMonthlyCredits(context.Background(), userID, amount, creditType)
	if err != nil {
		test.Fatalf("allocate %d %s: %v", amount, creditType, err)
	}
	return outcome
}

func mustAdjust(test *testing.T, service *Service, userID UserID, amount int64, creditType CreditType) int64 {
	test.Helper()
	balance, err := service.AdjustCredits(context.Background(), AdjustmentRequest{UserID: userID, Amount: amount, CreditType: creditType})
	if err != nil {
		test.Fatalf("adjust %d %s: %v", amount, creditType, err)
	}
	return balance
}

func mustBalance(test *testing.T, service *Service, userID UserID, creditType CreditType) int64 {
	test.Helper()
	balance, err := service.Balance(context.Background(), userID, creditType)
	if err != nil {
		test.Fatalf("balance %s: %v", creditType, err)
	}
	return balance.Amount
}

// assertLedgerConsistent checks that every balance_after equals the running sum.
func assertLedgerConsistent(test *testing.T, store *memoryStore, userID UserID, creditType CreditType) {
	test.Helper()
	var running int64
	for _, transaction := range store.transactionsFor(userID, creditType) {
		running += transaction.Amount
		if transaction.BalanceAfter != running {
			test.Fatalf("transaction %d balance_after=%d, running sum=%d", transaction.TransactionID, transaction.BalanceAfter, running)
		}
	}
}

func mustMetadataInt(test *testing.T, metadata Metadata, key string) int64 {
	test.Helper()
	value, ok := metadata.Int64(key)
	if !ok {
		test.Fatalf("metadata %q missing in %v", key, metadata)
	}
	return value
}

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

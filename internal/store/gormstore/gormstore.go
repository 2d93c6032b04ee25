package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPromoCode         = "promo_codes_code_key"
	constraintPromoCodeIndex    = "idx_promo_codes_code"
	constraintRedemptionPrimary = "promo_code_redemptions_pkey"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectAllocation      = "allocation"
	errorSubjectBalance         = "balance"
	errorSubjectPromoCode       = "promo_code"
	errorSubjectRedemption      = "redemption"
	errorSubjectTransaction     = "transaction"
	errorCodeCreate             = "create"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeIncrement          = "increment"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLock               = "lock"
	errorCodeLookup             = "lookup"
	errorCodeSum                = "sum"
	errorCodeUpdate             = "update"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every credit table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockAccount inserts the account row on first use and then locks it.
// SQLite has no row locks; its database-level write lock serializes writers instead.
func (store *Store) LockAccount(ctx context.Context, userID credits.UserID, creditType credits.CreditType) error {
	account := CreditAccount{UserID: userID.String(), CreditType: creditType.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var locked CreditAccount
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND credit_type = ?", userID.String(), creditType.String()).
		Take(&locked).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store *Store) SumBalance(ctx context.Context, userID credits.UserID, creditType credits.CreditType) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND credit_type = ?", userID.String(), creditType.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) LastTransaction(ctx context.Context, userID credits.UserID, creditType credits.CreditType, sources []credits.TransactionSource) (credits.Transaction, bool, error) {
	sourceNames := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceNames = append(sourceNames, source.String())
	}
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND credit_type = ? AND source IN ?", userID.String(), creditType.String(), sourceNames).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	metadata, err := input.Metadata.JSON()
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	row := CreditTransaction{
		UserID:       input.UserID.String(),
		CreditType:   input.CreditType.String(),
		Amount:       input.Amount,
		BalanceAfter: input.BalanceAfter,
		Source:       input.Source.String(),
		SourceID:     input.SourceID,
		Description:  input.Description,
		Metadata:     datatypesJSON(metadata),
		CreatedAt:    unixToTime(input.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, creditType credits.CreditType, beforeID int64, limit int) ([]credits.Transaction, error) {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if creditType != "" {
		query = query.Where("credit_type = ?", creditType.String())
	}
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []CreditTransaction
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) CreateAllocation(ctx context.Context, allocation credits.Allocation) (credits.Allocation, error) {
	row := CreditAllocation{
		UserID:           allocation.UserID.String(),
		CreditType:       allocation.CreditType.String(),
		Amount:           allocation.Amount,
		Frequency:        allocation.Frequency.String(),
		Source:           allocation.Source,
		Active:           allocation.Active,
		StartsAt:         unixToTime(allocation.StartsAtUnixUTC),
		NextAllocationAt: unixToTime(allocation.NextAllocationAtUnixUTC),
		LastAllocatedAt:  optionalTime(allocation.LastAllocatedAtUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeCreate, err)
	}
	created, err := mapAllocation(row)
	if err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) GetAllocation(ctx context.Context, allocationID string) (credits.Allocation, error) {
	if !isUUID(allocationID) {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, credits.ErrUnknownAllocation)
	}
	var row CreditAllocation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("allocation_id = ?", allocationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, credits.ErrUnknownAllocation)
	}
	if err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, err)
	}
	allocation, err := mapAllocation(row)
	if err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeInvalid, err)
	}
	return allocation, nil
}

func (store *Store) ListDueAllocations(ctx context.Context, atUnixUTC int64) ([]credits.Allocation, error) {
	var rows []CreditAllocation
	err := store.db.WithContext(ctx).
		Where("active = ? AND next_allocation_at <= ?", true, unixToTime(atUnixUTC)).
		Order("next_allocation_at ASC").
		Order("allocation_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAllocation, errorCodeList, err)
	}
	allocations := make([]credits.Allocation, 0, len(rows))
	for _, row := range rows {
		allocation, err := mapAllocation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAllocation, errorCodeInvalid, err)
		}
		allocations = append(allocations, allocation)
	}
	return allocations, nil
}

func (store *Store) RecordAllocationRun(ctx context.Context, allocationID string, nextUnixUTC int64, lastUnixUTC int64) error {
	if !isUUID(allocationID) {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, credits.ErrUnknownAllocation)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAllocation{}).
		Where("allocation_id = ?", allocationID).
		Updates(map[string]any{
			"next_allocation_at": unixToTime(nextUnixUTC),
			"last_allocated_at":  unixToTime(lastUnixUTC),
		})
	return allocationUpdateResult(result)
}

func (store *Store) DeactivateAllocation(ctx context.Context, allocationID string) error {
	if !isUUID(allocationID) {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, credits.ErrUnknownAllocation)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditAllocation{}).
		Where("allocation_id = ?", allocationID).
		Update("active", false)
	return allocationUpdateResult(result)
}

func allocationUpdateResult(result *gorm.DB) error {
	if result.Error != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, credits.ErrUnknownAllocation)
	}
	return nil
}

func (store *Store) CreatePromoCode(ctx context.Context, promoCode credits.PromoCode) (credits.PromoCode, error) {
	row := PromoCode{
		Code:         promoCode.Code,
		CreditType:   promoCode.CreditType.String(),
		CreditAmount: promoCode.CreditAmount,
		UsesCount:    promoCode.UsesCount,
		ExpiresAt:    optionalTime(promoCode.ExpiresAtUnixUTC),
		Active:       promoCode.Active,
	}
	if promoCode.MaxUses > 0 {
		maxUses := promoCode.MaxUses
		row.MaxUses = &maxUses
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintPromoCode, constraintPromoCodeIndex) {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeDuplicate, credits.ErrPromoCodeExists)
	}
	if err != nil {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeCreate, err)
	}
	return mapPromoCode(row), nil
}

// GetPromoCodeForUpdate matches the code byte for byte and locks the row until the transaction ends.
func (store *Store) GetPromoCodeForUpdate(ctx context.Context, code string) (credits.PromoCode, error) {
	var row PromoCode
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeGet, credits.ErrPromoCodeNotFound)
	}
	if err != nil {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeGet, err)
	}
	return mapPromoCode(row), nil
}

func (store *Store) HasRedemption(ctx context.Context, promoCodeID string, userID credits.UserID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PromoCodeRedemption{}).
		Where("promo_code_id = ? AND user_id = ?", promoCodeID, userID.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectRedemption, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) CreateRedemption(ctx context.Context, redemption credits.Redemption) error {
	row := PromoCodeRedemption{
		PromoCodeID:   redemption.PromoCodeID,
		UserID:        redemption.UserID.String(),
		TransactionID: redemption.TransactionID,
		RedeemedAt:    unixToTime(redemption.RedeemedAtUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintRedemptionPrimary) {
		return wrapStoreError(errorSubjectRedemption, errorCodeDuplicate, credits.ErrPromoCodeAlreadyRedeemed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) IncrementPromoCodeUses(ctx context.Context, promoCodeID string) error {
	result := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("promo_code_id = ?", promoCodeID).
		UpdateColumn("uses_count", gorm.Expr("uses_count + ?", 1))
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromoCode, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPromoCode, errorCodeIncrement, credits.ErrPromoCodeNotFound)
	}
	return nil
}

// isUUID guards uuid columns; Postgres rejects malformed ids instead of matching nothing.
func isUUID(raw string) bool {
	_, err := uuid.Parse(raw)
	return err == nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Transaction{}, err
	}
	source, err := credits.ParseTransactionSource(row.Source)
	if err != nil {
		return credits.Transaction{}, err
	}
	metadata, err := credits.ParseMetadata(row.Metadata)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		CreditType:     credits.CreditType(row.CreditType),
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Source:         source,
		SourceID:       row.SourceID,
		Description:    row.Description,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapAllocation(row CreditAllocation) (credits.Allocation, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Allocation{}, err
	}
	frequency, err := credits.ParseFrequency(row.Frequency)
	if err != nil {
		return credits.Allocation{}, err
	}
	return credits.Allocation{
		AllocationID:            row.AllocationID,
		UserID:                  userID,
		CreditType:              credits.CreditType(row.CreditType),
		Amount:                  row.Amount,
		Frequency:               frequency,
		Source:                  row.Source,
		Active:                  row.Active,
		StartsAtUnixUTC:         row.StartsAt.Unix(),
		NextAllocationAtUnixUTC: row.NextAllocationAt.Unix(),
		LastAllocatedAtUnixUTC:  timeOrZero(row.LastAllocatedAt),
	}, nil
}

func mapPromoCode(row PromoCode) credits.PromoCode {
	promoCode := credits.PromoCode{
		PromoCodeID:      row.PromoCodeID,
		Code:             row.Code,
		CreditType:       credits.CreditType(row.CreditType),
		CreditAmount:     row.CreditAmount,
		UsesCount:        row.UsesCount,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		Active:           row.Active,
	}
	if row.MaxUses != nil {
		promoCode.MaxUses = *row.MaxUses
	}
	return promoCode
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error, constraints ...string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return false
		}
		for _, constraint := range constraints {
			if pgErr.ConstraintName == constraint {
				return true
			}
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

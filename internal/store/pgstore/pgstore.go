package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPromoCode         = "promo_codes_code_key"
	constraintRedemptionPrimary = "promo_code_redemptions_pkey"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectAllocation      = "allocation"
	errorSubjectBalance         = "balance"
	errorSubjectPromoCode       = "promo_code"
	errorSubjectRedemption      = "redemption"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
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

	sqlInsertAccount = `
		insert into credit_accounts(user_id, credit_type) values($1, $2)
		on conflict (user_id, credit_type) do nothing
	`

	sqlLockAccount = `
		select 1 from credit_accounts
		where user_id = $1 and credit_type = $2
		for update
	`

	sqlSumBalance = `
		select coalesce(sum(amount),0) from credit_transactions
		where user_id = $1 and credit_type = $2
	`

	transactionColumns = `
		id,
		user_id,
		credit_type,
		amount,
		balance_after,
		source,
		source_id,
		description,
		coalesce(metadata::text,'{}'),
		extract(epoch from created_at)::bigint
	`

	sqlLastTransaction = `
		select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1 and credit_type = $2 and source = any($3)
		order by id desc
		limit 1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			user_id, credit_type, amount, balance_after, source, source_id, description, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning ` + transactionColumns

	sqlListTransactions = `
		select ` + transactionColumns + `
		from credit_transactions
		where user_id = $1
		and ($2::text = '' or credit_type = $2::text)
		and ($3::bigint = 0 or id < $3::bigint)
		order by id desc
		limit $4
	`

	allocationColumns = `
		allocation_id::text,
		user_id,
		credit_type,
		amount,
		frequency,
		source,
		active,
		extract(epoch from starts_at)::bigint,
		extract(epoch from next_allocation_at)::bigint,
		coalesce(extract(epoch from last_allocated_at)::bigint,0)
	`

	sqlInsertAllocation = `
		insert into credit_allocations(
			user_id, credit_type, amount, frequency, source, active, starts_at, next_allocation_at
		)
		values($1, $2, $3, $4, $5, $6, to_timestamp($7), to_timestamp($8))
		returning ` + allocationColumns

	sqlSelectAllocation = `
		select ` + allocationColumns + `
		from credit_allocations
		where allocation_id::text = $1
		for update
	`

	sqlListDueAllocations = `
		select ` + allocationColumns + `
		from credit_allocations
		where active and next_allocation_at <= to_timestamp($1)
		order by next_allocation_at asc, allocation_id asc
	`

	sqlRecordAllocationRun = `
		update credit_allocations
		set next_allocation_at = to_timestamp($2), last_allocated_at = to_timestamp($3)
		where allocation_id::text = $1
	`

	sqlDeactivateAllocation = `
		update credit_allocations set active = false
		where allocation_id::text = $1
	`

	promoCodeColumns = `
		promo_code_id::text,
		code,
		credit_type,
		credit_amount,
		coalesce(max_uses,0),
		uses_count,
		coalesce(extract(epoch from expires_at)::bigint,0),
		active
	`

	sqlInsertPromoCode = `
		insert into promo_codes(code, credit_type, credit_amount, max_uses, uses_count, expires_at, active)
		values($1, $2, $3, nullif($4::bigint,0), $5, to_timestamp(nullif($6::bigint,0)), $7)
		returning ` + promoCodeColumns

	sqlSelectPromoCodeForUpdate = `
		select ` + promoCodeColumns + `
		from promo_codes
		where code = $1
		for update
	`

	sqlHasRedemption = `
		select exists(
			select 1 from promo_code_redemptions
			where promo_code_id::text = $1 and user_id = $2
		)
	`

	sqlInsertRedemption = `
		insert into promo_code_redemptions(promo_code_id, user_id, transaction_id, redeemed_at)
		values($1::uuid, $2, $3, to_timestamp($4))
	`

	sqlIncrementPromoCodeUses = `
		update promo_codes set uses_count = uses_count + 1
		where promo_code_id::text = $1
	`
)

// querier is the query surface shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (store queries) LockAccount(ctx context.Context, userID credits.UserID, creditType credits.CreditType) error {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, userID.String(), creditType.String()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var locked int
	if err := store.db.QueryRow(ctx, sqlLockAccount, userID.String(), creditType.String()).Scan(&locked); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return nil
}

func (store queries) SumBalance(ctx context.Context, userID credits.UserID, creditType credits.CreditType) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumBalance, userID.String(), creditType.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSum, err)
	}
	return sum, nil
}

func (store queries) LastTransaction(ctx context.Context, userID credits.UserID, creditType credits.CreditType, sources []credits.TransactionSource) (credits.Transaction, bool, error) {
	sourceNames := make([]string, 0, len(sources))
	for _, source := range sources {
		sourceNames = append(sourceNames, source.String())
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlLastTransaction, userID.String(), creditType.String(), sourceNames))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store queries) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.Transaction, error) {
	metadata, err := input.Metadata.JSON()
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlInsertTransaction,
		input.UserID.String(),
		input.CreditType.String(),
		input.Amount,
		input.BalanceAfter,
		input.Source.String(),
		input.SourceID,
		input.Description,
		string(metadata),
		input.CreatedUnixUTC,
	))
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store queries) ListTransactions(ctx context.Context, userID credits.UserID, creditType credits.CreditType, beforeID int64, limit int) ([]credits.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), creditType.String(), beforeID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store queries) CreateAllocation(ctx context.Context, allocation credits.Allocation) (credits.Allocation, error) {
	created, err := scanAllocation(store.db.QueryRow(ctx, sqlInsertAllocation,
		allocation.UserID.String(),
		allocation.CreditType.String(),
		allocation.Amount,
		allocation.Frequency.String(),
		allocation.Source,
		allocation.Active,
		allocation.StartsAtUnixUTC,
		allocation.NextAllocationAtUnixUTC,
	))
	if err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeCreate, err)
	}
	return created, nil
}

func (store queries) GetAllocation(ctx context.Context, allocationID string) (credits.Allocation, error) {
	allocation, err := scanAllocation(store.db.QueryRow(ctx, sqlSelectAllocation, allocationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, credits.ErrUnknownAllocation)
	}
	if err != nil {
		return credits.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, err)
	}
	return allocation, nil
}

func (store queries) ListDueAllocations(ctx context.Context, atUnixUTC int64) ([]credits.Allocation, error) {
	rows, err := store.db.Query(ctx, sqlListDueAllocations, atUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAllocation, errorCodeList, err)
	}
	defer rows.Close()
	allocations := make([]credits.Allocation, 0, 32)
	for rows.Next() {
		allocation, err := scanAllocation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAllocation, errorCodeInvalid, err)
		}
		allocations = append(allocations, allocation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAllocation, errorCodeList, err)
	}
	return allocations, nil
}

func (store queries) RecordAllocationRun(ctx context.Context, allocationID string, nextUnixUTC int64, lastUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlRecordAllocationRun, allocationID, nextUnixUTC, lastUnixUTC)
	return allocationUpdateResult(tag, err)
}

func (store queries) DeactivateAllocation(ctx context.Context, allocationID string) error {
	tag, err := store.db.Exec(ctx, sqlDeactivateAllocation, allocationID)
	return allocationUpdateResult(tag, err)
}

func allocationUpdateResult(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, credits.ErrUnknownAllocation)
	}
	return nil
}

func (store queries) CreatePromoCode(ctx context.Context, promoCode credits.PromoCode) (credits.PromoCode, error) {
	created, err := scanPromoCode(store.db.QueryRow(ctx, sqlInsertPromoCode,
		promoCode.Code,
		promoCode.CreditType.String(),
		promoCode.CreditAmount,
		promoCode.MaxUses,
		promoCode.UsesCount,
		promoCode.ExpiresAtUnixUTC,
		promoCode.Active,
	))
	if isUniqueViolation(err, constraintPromoCode) {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeDuplicate, credits.ErrPromoCodeExists)
	}
	if err != nil {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeCreate, err)
	}
	return created, nil
}

func (store queries) GetPromoCodeForUpdate(ctx context.Context, code string) (credits.PromoCode, error) {
	promoCode, err := scanPromoCode(store.db.QueryRow(ctx, sqlSelectPromoCodeForUpdate, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeGet, credits.ErrPromoCodeNotFound)
	}
	if err != nil {
		return credits.PromoCode{}, wrapStoreError(errorSubjectPromoCode, errorCodeGet, err)
	}
	return promoCode, nil
}

func (store queries) HasRedemption(ctx context.Context, promoCodeID string, userID credits.UserID) (bool, error) {
	var exists bool
	if err := store.db.QueryRow(ctx, sqlHasRedemption, promoCodeID, userID.String()).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectRedemption, errorCodeLookup, err)
	}
	return exists, nil
}

func (store queries) CreateRedemption(ctx context.Context, redemption credits.Redemption) error {
	_, err := store.db.Exec(ctx, sqlInsertRedemption,
		redemption.PromoCodeID,
		redemption.UserID.String(),
		redemption.TransactionID,
		redemption.RedeemedAtUnixUTC,
	)
	if isUniqueViolation(err, constraintRedemptionPrimary) {
		return wrapStoreError(errorSubjectRedemption, errorCodeDuplicate, credits.ErrPromoCodeAlreadyRedeemed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRedemption, errorCodeCreate, err)
	}
	return nil
}

func (store queries) IncrementPromoCodeUses(ctx context.Context, promoCodeID string) error {
	tag, err := store.db.Exec(ctx, sqlIncrementPromoCodeUses, promoCodeID)
	if err != nil {
		return wrapStoreError(errorSubjectPromoCode, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPromoCode, errorCodeIncrement, credits.ErrPromoCodeNotFound)
	}
	return nil
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var (
		transaction      credits.Transaction
		userIDValue      string
		creditTypeValue  string
		sourceValue      string
		metadataValue    string
		createdAtUnixUTC int64
	)
	if err := row.Scan(
		&transaction.TransactionID,
		&userIDValue,
		&creditTypeValue,
		&transaction.Amount,
		&transaction.BalanceAfter,
		&sourceValue,
		&transaction.SourceID,
		&transaction.Description,
		&metadataValue,
		&createdAtUnixUTC,
	); err != nil {
		return credits.Transaction{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	source, err := credits.ParseTransactionSource(sourceValue)
	if err != nil {
		return credits.Transaction{}, err
	}
	metadata, err := credits.ParseMetadata([]byte(metadataValue))
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.UserID = userID
	transaction.CreditType = credits.CreditType(creditTypeValue)
	transaction.Source = source
	transaction.Metadata = metadata
	transaction.CreatedUnixUTC = createdAtUnixUTC
	return transaction, nil
}

func scanAllocation(row pgx.Row) (credits.Allocation, error) {
	var (
		allocation      credits.Allocation
		userIDValue     string
		creditTypeValue string
		frequencyValue  string
	)
	if err := row.Scan(
		&allocation.AllocationID,
		&userIDValue,
		&creditTypeValue,
		&allocation.Amount,
		&frequencyValue,
		&allocation.Source,
		&allocation.Active,
		&allocation.StartsAtUnixUTC,
		&allocation.NextAllocationAtUnixUTC,
		&allocation.LastAllocatedAtUnixUTC,
	); err != nil {
		return credits.Allocation{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.Allocation{}, err
	}
	frequency, err := credits.ParseFrequency(frequencyValue)
	if err != nil {
		return credits.Allocation{}, err
	}
	allocation.UserID = userID
	allocation.CreditType = credits.CreditType(creditTypeValue)
	allocation.Frequency = frequency
	return allocation, nil
}

func scanPromoCode(row pgx.Row) (credits.PromoCode, error) {
	var (
		promoCode       credits.PromoCode
		creditTypeValue string
	)
	if err := row.Scan(
		&promoCode.PromoCodeID,
		&promoCode.Code,
		&creditTypeValue,
		&promoCode.CreditAmount,
		&promoCode.MaxUses,
		&promoCode.UsesCount,
		&promoCode.ExpiresAtUnixUTC,
		&promoCode.Active,
	); err != nil {
		return credits.PromoCode{}, err
	}
	promoCode.CreditType = credits.CreditType(creditTypeValue)
	return promoCode, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}

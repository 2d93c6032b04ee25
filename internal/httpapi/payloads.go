package httpapi

import "github.com/MarkoPoloResearchLab/creditledger/pkg/credits"

type redeemRequest struct {
	Code string `json:"code"`
}

type adjustmentRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	CreditType  string `json:"credit_type"`
	Description string `json:"description"`
}

type allocationRequest struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	CreditType string `json:"credit_type"`
}

type scheduleRequest struct {
	UserID          string `json:"user_id"`
	CreditType      string `json:"credit_type"`
	Amount          int64  `json:"amount"`
	Frequency       string `json:"frequency"`
	Source          string `json:"source"`
	StartsAtUnixUTC int64  `json:"starts_at_unix_utc"`
}

type promoCodeRequest struct {
	Code             string `json:"code"`
	CreditType       string `json:"credit_type"`
	CreditAmount     int64  `json:"credit_amount"`
	MaxUses          int64  `json:"max_uses"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type balancePayload struct {
	CreditType string `json:"credit_type"`
	Amount     int64  `json:"amount"`
}

type transactionPayload struct {
	TransactionID  int64            `json:"transaction_id"`
	UserID         string           `json:"user_id"`
	CreditType     string           `json:"credit_type"`
	Amount         int64            `json:"amount"`
	BalanceAfter   int64            `json:"balance_after"`
	Source         string           `json:"source"`
	SourceID       string           `json:"source_id,omitempty"`
	Description    string           `json:"description"`
	Metadata       credits.Metadata `json:"metadata"`
	CreatedUnixUTC int64            `json:"created_unix_utc"`
}

func newTransactionPayload(transaction credits.Transaction) transactionPayload {
	metadata := transaction.Metadata
	if metadata == nil {
		metadata = credits.Metadata{}
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		UserID:         transaction.UserID.String(),
		CreditType:     transaction.CreditType.String(),
		Amount:         transaction.Amount,
		BalanceAfter:   transaction.BalanceAfter,
		Source:         transaction.Source.String(),
		SourceID:       transaction.SourceID,
		Description:    transaction.Description,
		Metadata:       metadata,
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

type allocationPayload struct {
	AllocationID            string `json:"allocation_id"`
	UserID                  string `json:"user_id"`
	CreditType              string `json:"credit_type"`
	Amount                  int64  `json:"amount"`
	Frequency               string `json:"frequency"`
	Source                  string `json:"source"`
	Active                  bool   `json:"active"`
	StartsAtUnixUTC         int64  `json:"starts_at_unix_utc"`
	NextAllocationAtUnixUTC int64  `json:"next_allocation_at_unix_utc"`
}

func newAllocationPayload(allocation credits.Allocation) allocationPayload {
	return allocationPayload{
		AllocationID:            allocation.AllocationID,
		UserID:                  allocation.UserID.String(),
		CreditType:              allocation.CreditType.String(),
		Amount:                  allocation.Amount,
		Frequency:               allocation.Frequency.String(),
		Source:                  allocation.Source,
		Active:                  allocation.Active,
		StartsAtUnixUTC:         allocation.StartsAtUnixUTC,
		NextAllocationAtUnixUTC: allocation.NextAllocationAtUnixUTC,
	}
}

type promoCodePayload struct {
	PromoCodeID      string `json:"promo_code_id"`
	Code             string `json:"code"`
	CreditType       string `json:"credit_type"`
	CreditAmount     int64  `json:"credit_amount"`
	MaxUses          int64  `json:"max_uses"`
	UsesCount        int64  `json:"uses_count"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	Active           bool   `json:"active"`
}

func newPromoCodePayload(promoCode credits.PromoCode) promoCodePayload {
	return promoCodePayload{
		PromoCodeID:      promoCode.PromoCodeID,
		Code:             promoCode.Code,
		CreditType:       promoCode.CreditType.String(),
		CreditAmount:     promoCode.CreditAmount,
		MaxUses:          promoCode.MaxUses,
		UsesCount:        promoCode.UsesCount,
		ExpiresAtUnixUTC: promoCode.ExpiresAtUnixUTC,
		Active:           promoCode.Active,
	}
}

type sweepFailurePayload struct {
	AllocationID string `json:"allocation_id"`
	UserID       string `json:"user_id"`
	Error        string `json:"error"`
}

package credits

import (
	"context"
	"fmt"
)

// PromoCodeRequest describes a new promo code. Zero MaxUses means unlimited,
// zero ExpiresAtUnixUTC means the code never expires.
type PromoCodeRequest struct {
	Code             string
	CreditType       CreditType
	CreditAmount     int64
	MaxUses          int64
	ExpiresAtUnixUTC int64
}

// CreatePromoCode stores an active promo code.
func (service *Service) CreatePromoCode(ctx context.Context, request PromoCodeRequest) (PromoCode, error) {
	promoCode, operationError := service.createPromoCode(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:  operationPromo,
		CreditType: request.CreditType,
		Amount:     request.CreditAmount,
		Reference:  request.Code,
		Error:      operationError,
	})
	return promoCode, operationError
}

func (service *Service) createPromoCode(ctx context.Context, request PromoCodeRequest) (PromoCode, error) {
	if request.Code == "" {
		return PromoCode{}, fmt.Errorf("%w: empty code", ErrInvalidPromoCode)
	}
	if request.CreditAmount <= 0 {
		return PromoCode{}, fmt.Errorf("%w: credit amount must be greater than zero", ErrInvalidAmount)
	}
	if request.MaxUses < 0 {
		return PromoCode{}, fmt.Errorf("%w: max uses must not be negative", ErrInvalidPromoCode)
	}
	if _, err := service.Policy(request.CreditType); err != nil {
		return PromoCode{}, err
	}
	return service.store.CreatePromoCode(ctx, PromoCode{
		Code:             request.Code,
		CreditType:       request.CreditType,
		CreditAmount:     request.CreditAmount,
		MaxUses:          request.MaxUses,
		ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
		Active:           true,
	})
}

// RedeemPromoCode grants a promo code's credits to a user once.
// The code is matched exactly, including case.
func (service *Service) RedeemPromoCode(ctx context.Context, userID UserID, code string) (Transaction, error) {
	var (
		redeemed  Transaction
		promoCode PromoCode
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if userID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if code == "" {
			return fmt.Errorf("%w: empty code", ErrPromoCodeNotFound)
		}
		nowUnixUTC := service.nowFn()
		found, err := transactionStore.GetPromoCodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		promoCode = found
		if !promoCode.Active {
			return fmt.Errorf("%w: inactive", ErrPromoCodeNotFound)
		}
		if promoCode.ExpiresAtUnixUTC != 0 && promoCode.ExpiresAtUnixUTC <= nowUnixUTC {
			return fmt.Errorf("%w: expired", ErrPromoCodeNotFound)
		}
		alreadyRedeemed, err := transactionStore.HasRedemption(ctx, promoCode.PromoCodeID, userID)
		if err != nil {
			return err
		}
		if alreadyRedeemed {
			return ErrPromoCodeAlreadyRedeemed
		}
		if promoCode.MaxUses > 0 && promoCode.UsesCount >= promoCode.MaxUses {
			return ErrPromoCodeMaxUsesExceeded
		}
		if _, err := service.Policy(promoCode.CreditType); err != nil {
			return err
		}
		if err := transactionStore.LockAccount(ctx, userID, promoCode.CreditType); err != nil {
			return err
		}
		balance, err := transactionStore.SumBalance(ctx, userID, promoCode.CreditType)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
			UserID:         userID,
			CreditType:     promoCode.CreditType,
			Amount:         promoCode.CreditAmount,
			BalanceAfter:   balance + promoCode.CreditAmount,
			Source:         SourcePromoCode,
			SourceID:       promoCode.PromoCodeID,
			Description:    fmt.Sprintf("Promo code %s", promoCode.Code),
			Metadata:       Metadata{metadataKeyPromoCode: promoCode.Code},
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.CreateRedemption(ctx, Redemption{
			PromoCodeID:       promoCode.PromoCodeID,
			UserID:            userID,
			TransactionID:     transaction.TransactionID,
			RedeemedAtUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := transactionStore.IncrementPromoCodeUses(ctx, promoCode.PromoCodeID); err != nil {
			return err
		}
		redeemed = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationRedeem,
		UserID:     userID,
		CreditType: promoCode.CreditType,
		Amount:     promoCode.CreditAmount,
		Balance:    redeemed.BalanceAfter,
		Source:     SourcePromoCode,
		Reference:  code,
		Error:      operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return redeemed, nil
}

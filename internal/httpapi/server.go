// Package httpapi serves the credit ledger over HTTP behind TAuth sessions.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/config"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey        = "auth_claims"
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
	shutdownTimeout         = 5 * time.Second
)

// SweepRunner runs one allocation sweep on demand.
type SweepRunner interface {
	RunOnce(ctx context.Context) (credits.SweepResult, error)
}

// Dependencies are the collaborators the HTTP handlers call into.
type Dependencies struct {
	Service *credits.Service
	Sweeper SweepRunner
	Logger  *zap.Logger
	// Metrics is mounted at /metrics and wrapped around every route when set.
	Metrics Instrumentation
}

// Instrumentation exposes request metrics.
type Instrumentation interface {
	Handler() http.Handler
	GinMiddleware() gin.HandlerFunc
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg config.Config, dependencies Dependencies) error {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := NewRouter(cfg, dependencies)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with session validation configured from cfg.
func NewRouter(cfg config.Config, dependencies Dependencies) (*gin.Engine, error) {
	if dependencies.Service == nil {
		return nil, fmt.Errorf("%w: credit service is nil", credits.ErrInvalidServiceConfig)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:  logger,
		service: dependencies.Service,
		sweeper: dependencies.Sweeper,
		cfg:     cfg,
	}
	return setupRouter(cfg, handler, validator, dependencies.Metrics), nil
}

func setupRouter(cfg config.Config, handler *httpHandler, validator *sessionvalidator.Validator, instrumentation Instrumentation) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if instrumentation != nil {
		router.Use(instrumentation.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if instrumentation != nil {
		router.GET("/metrics", gin.WrapH(instrumentation.Handler()))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balances", handler.handleBalances)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/promo-codes/redeem", handler.handleRedeem)

	admin := api.Group("/admin")
	admin.Use(handler.requireRole(cfg.AdminRole))
	admin.POST("/adjustments", handler.handleAdjustment)
	admin.POST("/allocations", handler.handleAllocation)
	admin.POST("/schedules", handler.handleSchedule)
	admin.POST("/schedules/:id/deactivate", handler.handleDeactivate)
	admin.POST("/promo-codes", handler.handleCreatePromoCode)
	admin.POST("/sweeps", handler.handleSweep)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credits.Service
	sweeper SweepRunner
	cfg     config.Config
}

func (handler *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		if !slices.Contains(claims.GetUserRoles(), role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "missing role"))
			return
		}
		ctx.Next()
	}
}

func (handler *httpHandler) handleBalances(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balances, err := handler.service.Balances(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balances", err)
		return
	}
	payload := make([]balancePayload, 0, len(balances))
	for _, balance := range balances {
		payload = append(payload, balancePayload{CreditType: balance.CreditType.String(), Amount: balance.Amount})
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "balances": payload})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var creditType credits.CreditType
	if raw := ctx.Query("credit_type"); raw != "" {
		parsed, err := credits.ParseCreditType(raw)
		if err != nil {
			handler.respondError(ctx, "transactions", err)
			return
		}
		creditType = parsed
	}
	beforeID, err := parseQueryInt(ctx, "before_id", 0)
	if err != nil || beforeID < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "before_id must be a non-negative integer"))
		return
	}
	limit, err := parseQueryInt(ctx, "limit", defaultTransactionLimit)
	if err != nil || limit <= 0 || limit > maxTransactionLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fmt.Sprintf("limit must be between 1 and %d", maxTransactionLimit)))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.ListTransactions(requestCtx, userID, creditType, beforeID, int(limit))
	if err != nil {
		handler.respondError(ctx, "transactions", err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleRedeem(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.service.RedeemPromoCode(requestCtx, userID, request.Code)
	if err != nil {
		handler.respondError(ctx, "redeem", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, creditType, err := parseTarget(request.UserID, request.CreditType)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.AdjustCredits(requestCtx, credits.AdjustmentRequest{
		UserID:      userID,
		Amount:      request.Amount,
		CreditType:  creditType,
		ActorID:     getClaims(ctx).GetUserID(),
		Description: request.Description,
	})
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":     userID.String(),
		"credit_type": creditType.String(),
		"balance":     balance,
		"negative":    balance < 0,
	})
}

func (handler *httpHandler) handleAllocation(ctx *gin.Context) {
	var request allocationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, creditType, err := parseTarget(request.UserID, request.CreditType)
	if err != nil {
		handler.respondError(ctx, "allocate", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome, err := handler.service.AllocateMonthlyCredits(requestCtx, userID, request.Amount, creditType)
	if err != nil {
		handler.respondError(ctx, "allocate", err)
		return
	}
	response := gin.H{
		"decision": string(outcome.Decision),
		"balance":  outcome.Balance,
	}
	if outcome.Transaction != nil {
		response["transaction"] = newTransactionPayload(*outcome.Transaction)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleSchedule(ctx *gin.Context) {
	var request scheduleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, creditType, err := parseTarget(request.UserID, request.CreditType)
	if err != nil {
		handler.respondError(ctx, "schedule", err)
		return
	}
	frequency, err := credits.ParseFrequency(request.Frequency)
	if err != nil {
		handler.respondError(ctx, "schedule", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	allocation, err := handler.service.ScheduleAllocation(requestCtx, credits.ScheduleRequest{
		UserID:          userID,
		CreditType:      creditType,
		Amount:          request.Amount,
		Frequency:       frequency,
		Source:          request.Source,
		StartsAtUnixUTC: request.StartsAtUnixUTC,
	})
	if err != nil {
		handler.respondError(ctx, "schedule", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"allocation": newAllocationPayload(allocation)})
}

func (handler *httpHandler) handleDeactivate(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	allocationID := ctx.Param("id")
	if err := handler.service.DeactivateAllocation(requestCtx, allocationID); err != nil {
		handler.respondError(ctx, "deactivate", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allocation_id": allocationID, "active": false})
}

func (handler *httpHandler) handleCreatePromoCode(ctx *gin.Context) {
	var request promoCodeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditType, err := credits.ParseCreditType(request.CreditType)
	if err != nil {
		handler.respondError(ctx, "promo_code", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	promoCode, err := handler.service.CreatePromoCode(requestCtx, credits.PromoCodeRequest{
		Code:             request.Code,
		CreditType:       creditType,
		CreditAmount:     request.CreditAmount,
		MaxUses:          request.MaxUses,
		ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
	})
	if err != nil {
		handler.respondError(ctx, "promo_code", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"promo_code": newPromoCodePayload(promoCode)})
}

func (handler *httpHandler) handleSweep(ctx *gin.Context) {
	if handler.sweeper == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("sweep_unavailable", "sweeps are not configured"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.sweeper.RunOnce(requestCtx)
	failures := make([]sweepFailurePayload, 0, len(result.Failures))
	for _, failure := range result.Failures {
		failures = append(failures, sweepFailurePayload{
			AllocationID: failure.AllocationID,
			UserID:       failure.UserID.String(),
			Error:        failure.Err.Error(),
		})
	}
	response := gin.H{
		"due":       result.Due,
		"processed": result.Processed,
		"failed":    result.Failed(),
		"failures":  failures,
	}
	if err != nil && !errors.Is(err, credits.ErrSweepIncomplete) {
		handler.respondError(ctx, "sweep", err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInvalidUserID),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrUnknownCreditType),
		errors.Is(err, credits.ErrInvalidFrequency),
		errors.Is(err, credits.ErrInvalidTransactionSource),
		errors.Is(err, credits.ErrInvalidPromoCode),
		errors.Is(err, credits.ErrInvalidAllocationID),
		errors.Is(err, credits.ErrInvalidListLimit):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, credits.ErrPromoCodeNotFound):
		return http.StatusNotFound, "promo_code_not_found"
	case errors.Is(err, credits.ErrUnknownAllocation):
		return http.StatusNotFound, "allocation_not_found"
	case errors.Is(err, credits.ErrPromoCodeAlreadyRedeemed):
		return http.StatusConflict, "promo_code_already_redeemed"
	case errors.Is(err, credits.ErrPromoCodeExists):
		return http.StatusConflict, "promo_code_exists"
	case errors.Is(err, credits.ErrPromoCodeMaxUsesExceeded):
		return http.StatusUnprocessableEntity, "promo_code_max_uses_exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseTarget(rawUserID string, rawCreditType string) (credits.UserID, credits.CreditType, error) {
	userID, err := credits.NewUserID(rawUserID)
	if err != nil {
		return credits.UserID{}, "", err
	}
	creditType, err := credits.ParseCreditType(rawCreditType)
	if err != nil {
		return credits.UserID{}, "", err
	}
	return userID, creditType, nil
}

func parseQueryInt(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

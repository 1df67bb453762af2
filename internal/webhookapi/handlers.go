package webhookapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	if !authorized(ctx.GetHeader("Authorization"), handler.cfg.WebhookSecret) {
		handler.logger.Warn("webhook rejected", zap.Error(fulfillment.ErrUnauthorized), zap.String("remote_addr", ctx.ClientIP()))
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid webhook credential"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := fulfillment.ParseWebhookPayload(body)
	if err != nil {
		handler.logger.Warn("webhook payload rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.service.Fulfill(requestCtx, event)
	if err != nil {
		handler.logger.Error("webhook fulfillment failed",
			zap.String("event_id", event.EventID.String()),
			zap.String("transaction_id", event.TransactionID.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "event not processed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"outcome": result.Outcome.String(),
	})
}

type storeUserMappingRequest struct {
	AnonymousID string `json:"anonymousId"`
	RealUserID  string `json:"realUserId"`
}

func (handler *httpHandler) handleStoreUserMapping(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request storeUserMappingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := fulfillment.NewAccountID(request.RealUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	sessionAccountID, err := fulfillment.NewAccountID(claims.GetUserID())
	if err != nil || sessionAccountID != accountID {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "realUserId does not match the session"))
		return
	}
	anonymousID, err := fulfillment.NewAnonymousID(request.AnonymousID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_anonymous_id", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	status, err := handler.service.RegisterMapping(requestCtx, anonymousID, accountID)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "mapping": string(status)})
	case errors.Is(err, fulfillment.ErrUnknownAccount):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_account", "account does not exist"))
	case errors.Is(err, fulfillment.ErrMappingConflict):
		ctx.JSON(http.StatusConflict, errorResponse("mapping_conflict", "anonymous id belongs to another account"))
	default:
		handler.logger.Error("mapping registration failed", zap.String("account_id", accountID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "mapping not stored"))
	}
}

func (handler *httpHandler) handleUnresolvedEvents(ctx *gin.Context) {
	limit, ok := parseLimit(ctx)
	if !ok {
		return
	}
	records, err := handler.service.UnresolvedEvents(ctx.Request.Context(), limit)
	if err != nil {
		handler.logger.Error("unresolved events listing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "events unavailable"))
		return
	}
	events := make([]eventPayload, 0, len(records))
	for _, record := range records {
		events = append(events, newEventPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"events": events})
}

func (handler *httpHandler) handleReplay(ctx *gin.Context) {
	limit, ok := parseLimit(ctx)
	if !ok {
		return
	}
	results, err := handler.service.ReplayUnresolved(ctx.Request.Context(), limit)
	if err != nil {
		handler.logger.Error("replay failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "replay failed"))
		return
	}
	replayed := make([]replayPayload, 0, len(results))
	for _, result := range results {
		payload := replayPayload{
			EventID:   result.EventID.String(),
			Outcome:   result.Result.Outcome.String(),
			AccountID: result.Result.AccountID.String(),
		}
		if result.Error != nil {
			payload.Error = result.Error.Error()
		}
		replayed = append(replayed, payload)
	}
	ctx.JSON(http.StatusOK, gin.H{"results": replayed})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	accountID, err := fulfillment.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	limit, ok := parseLimit(ctx)
	if !ok {
		return
	}
	statement, err := handler.service.AccountStatement(ctx.Request.Context(), accountID, limit)
	if errors.Is(err, fulfillment.ErrUnknownAccount) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_account", "account does not exist"))
		return
	}
	if err != nil {
		handler.logger.Error("account statement failed", zap.String("account_id", accountID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "account unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, newStatementPayload(statement))
}

func requireBearer(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !authorized(ctx.GetHeader("Authorization"), secret) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid credential"))
			return
		}
		ctx.Next()
	}
}

// authorized requires the header to carry the secret as a bearer token.
func authorized(header string, secret string) bool {
	if secret == "" {
		return false
	}
	presented, found := strings.CutPrefix(strings.TrimSpace(header), bearerPrefix)
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(secret)) == 1
}

func parseLimit(ctx *gin.Context) (int, bool) {
	raw := strings.TrimSpace(ctx.Query("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
		return 0, false
	}
	return limit, true
}

type eventPayload struct {
	EventID        string `json:"event_id"`
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	ProductID      string `json:"product_id"`
	SubjectID      string `json:"subject_id"`
	Outcome        string `json:"outcome"`
	Detail         string `json:"detail"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

func newEventPayload(record fulfillment.WebhookRecord) eventPayload {
	return eventPayload{
		EventID:        record.EventID.String(),
		TransactionID:  record.TransactionID,
		Type:           record.Type.String(),
		ProductID:      record.ProductID,
		SubjectID:      record.SubjectID,
		Outcome:        record.Outcome.String(),
		Detail:         record.Detail,
		UpdatedUnixUTC: record.UpdatedUnixUTC,
	}
}

type replayPayload struct {
	EventID   string `json:"event_id"`
	Outcome   string `json:"outcome,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type statementPayload struct {
	AccountID        string               `json:"account_id"`
	Username         string               `json:"username"`
	BalanceCents     int64                `json:"balance_cents"`
	MembershipActive bool                 `json:"membership_active"`
	Transactions     []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	AmountCents    int64  `json:"amount_cents"`
	Source         string `json:"source"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newStatementPayload(statement fulfillment.Statement) statementPayload {
	transactions := make([]transactionPayload, 0, len(statement.Transactions))
	for _, transaction := range statement.Transactions {
		transactions = append(transactions, transactionPayload{
			TransactionID:  transaction.RelatedTransactionID.String(),
			ProductID:      transaction.ProductID.String(),
			AmountCents:    transaction.AmountCents.Int64(),
			Source:         transaction.Source,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return statementPayload{
		AccountID:        statement.Account.AccountID.String(),
		Username:         statement.Account.Username,
		BalanceCents:     statement.Account.BalanceCents.Int64(),
		MembershipActive: statement.Account.MembershipActive,
		Transactions:     transactions,
	}
}

// Package audit turns fulfillment and identity-binding callbacks into
// structured logs and Prometheus metrics.
package audit

import (
	"context"

	"github.com/beanstalker/fulfillment/pkg/commerce"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"go.uber.org/zap"
)

// ZapOperationLogger writes every service operation as one structured log line.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; a nil logger is replaced with a no-op one.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry fulfillment.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if eventID := entry.EventID.String(); eventID != "" {
		fields = append(fields, zap.String("event_id", eventID))
	}
	if eventType := entry.EventType.String(); eventType != "" {
		fields = append(fields, zap.String("event_type", eventType))
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", entry.SubjectID))
	}
	if accountID := entry.AccountID.String(); accountID != "" {
		fields = append(fields, zap.String("account_id", accountID))
	}
	if productID := entry.ProductID.String(); productID != "" {
		fields = append(fields, zap.String("product_id", productID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if outcome := entry.Outcome.String(); outcome != "" {
		fields = append(fields, zap.String("outcome", outcome))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if code := fulfillment.ErrorCode(entry.Error); code != "" {
			fields = append(fields, zap.String("error_code", code))
		}
	}

	switch {
	case entry.Status == fulfillment.OperationStatusError:
		operationLogger.logger.Error("fulfillment operation failed", fields...)
	case entry.Outcome == fulfillment.OutcomeUnresolved || entry.Outcome == fulfillment.OutcomeRejected:
		operationLogger.logger.Warn("fulfillment operation needs attention", fields...)
	default:
		operationLogger.logger.Info("fulfillment operation", fields...)
	}
}

// ZapBindObserver logs identity-binding outcomes.
type ZapBindObserver struct {
	logger *zap.Logger
}

// NewZapBindObserver wraps logger; a nil logger is replaced with a no-op one.
func NewZapBindObserver(logger *zap.Logger) *ZapBindObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapBindObserver{logger: logger}
}

func (observer *ZapBindObserver) ObserveBind(_ context.Context, accountID string, result commerce.BindResult, err error) {
	fields := []zap.Field{
		zap.String("account_id", accountID),
		zap.String("resolved_identity", result.ResolvedIdentity),
		zap.Bool("anonymous_fallback", result.WasAnonymousFallback),
	}
	if err != nil {
		observer.logger.Error("identity bind failed", append(fields, zap.Error(err))...)
		return
	}
	if result.WasAnonymousFallback {
		observer.logger.Warn("identity bind fell back to anonymous identity", fields...)
		return
	}
	observer.logger.Info("identity bound", fields...)
}

package fulfillment

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the fulfillment service.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrUnresolvable          = errors.New("unresolvable subject")
	ErrDuplicateTransaction  = errors.New("duplicate transaction")
	ErrUnknownProduct        = errors.New("unknown product")
	ErrUnknownAccount        = errors.New("unknown account")
	ErrAccountExists         = errors.New("account already exists")
	ErrUnknownMapping        = errors.New("unknown anonymous mapping")
	ErrMappingConflict       = errors.New("anonymous mapping conflict")
	ErrUnknownTransaction    = errors.New("unknown transaction")
	ErrCatalogDrift          = errors.New("catalog drift")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidAnonymousID    = errors.New("invalid anonymous id")
	ErrInvalidTransactionID  = errors.New("invalid transaction id")
	ErrInvalidProductID      = errors.New("invalid product id")
	ErrInvalidEventID        = errors.New("invalid event id")
	ErrInvalidReward         = errors.New("invalid reward")
	ErrInvalidUsername       = errors.New("invalid username")
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// OperationError tags a storage or service failure with a dotted
// operation.subject.code triple, for example "store.transaction.duplicate".
type OperationError struct {
	Operation string
	Subject   string
	Code      string
	Err       error
}

func (operationError *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", operationError.FullCode(), operationError.Err)
}

func (operationError *OperationError) Unwrap() error {
	return operationError.Err
}

// FullCode joins the operation, subject and code segments.
func (operationError *OperationError) FullCode() string {
	return operationError.Operation + "." + operationError.Subject + "." + operationError.Code
}

// WrapError tags err. It returns nil for a nil err.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Subject: subject, Code: code, Err: err}
}

// ErrorCode returns the code of the outermost OperationError in err's chain,
// or an empty string.
func ErrorCode(err error) string {
	var operationError *OperationError
	if errors.As(err, &operationError) {
		return operationError.FullCode()
	}
	return ""
}

package commerce

import (
	"errors"
	"fmt"
	"strings"
)

// Error values reported by the binder and the purchase initiator.
var (
	ErrOfferingsUnavailable = errors.New("offerings unavailable")
	ErrProductNotFound      = errors.New("product not found")
	ErrFakeSuccess          = errors.New("purchase reported success without a transaction")
	ErrPurchaseCancelled    = errors.New("purchase cancelled by user")
	ErrMappingNotPersisted  = errors.New("anonymous mapping not persisted")
	ErrForeignIdentity      = errors.New("sdk session belongs to another account")
	ErrTransient            = errors.New("transient commerce failure")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidConfig        = errors.New("invalid commerce config")
)

// ProductNotFoundError lists every identifier the SDK returned so catalog drift
// can be diagnosed from the log line alone.
type ProductNotFoundError struct {
	Requested string
	Available []string
}

// Error formats the requested and available identifiers.
func (notFound *ProductNotFoundError) Error() string {
	return fmt.Sprintf("%v: %q not in offerings [%s]", ErrProductNotFound, notFound.Requested, strings.Join(notFound.Available, ", "))
}

// Unwrap returns ErrProductNotFound.
func (notFound *ProductNotFoundError) Unwrap() error {
	return ErrProductNotFound
}

// MarkTransient flags err as retryable.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type transientError struct {
	err error
}

func (transient transientError) Error() string {
	return transient.err.Error()
}

func (transient transientError) Unwrap() []error {
	return []error{transient.err, ErrTransient}
}

package fulfillment

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a fulfillment or reconciliation operation.
type OperationLog struct {
	Operation     string
	EventID       EventID
	EventType     EventType
	TransactionID TransactionID
	SubjectID     string
	AccountID     AccountID
	ProductID     ProductID
	Amount        AmountCents
	Outcome       Outcome
	// Set when an applied purchase turned a membership on.
	MembershipActivated bool
	// Set by successful mapping registrations.
	MappingStatus MappingStatus
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be given more than once; every logger receives every entry.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

package fulfillment

const (
	// Operation names reported in OperationLog.Operation.
	OperationFulfill         = "fulfill"
	OperationRegisterMapping = "register_mapping"
	OperationRegisterAccount = "register_account"
	OperationReplay          = "replay"

	// Operation statuses reported in OperationLog.Status.
	OperationStatusOK    = "ok"
	OperationStatusError = "error"

	// AnonymousIDPrefix marks identities generated by the commerce SDK when it
	// could not adopt the requested app user id.
	AnonymousIDPrefix = "$RCAnonymousID:"

	transactionSourcePurchase = "purchase"

	defaultStatementLimit = 20
	maxStatementLimit     = 200
	defaultReplayLimit    = 50
)

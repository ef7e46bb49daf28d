package models

type AuthResult string

const (
	AuthAuthorized     AuthResult = "Authorized"
	AuthNotAuthorized  AuthResult = "NotAuthorized"
	AuthTimeout        AuthResult = "Timeout"
	AuthBlocked        AuthResult = "Blocked"
	AuthInvalidSession AuthResult = "InvalidSession"
)

type AuthorizeStartRequest struct {
	Token     string
	PoolId    string
	EvseId    string
	ProductId string
	// SessionId is optional; a fresh id is assigned on success when empty.
	SessionId string
	// PreferredProviderId moves the source with that provider id to the front
	// of the fan-out order.
	PreferredProviderId string
}

type AuthorizeStopRequest struct {
	SessionId string
	Token     string
}

type AuthorizationResult struct {
	Result                 AuthResult
	SessionId              string
	ProviderId             string
	AuthorizationReference string
	Description            string
}

func (r AuthorizationResult) Authorized() bool { return r.Result == AuthAuthorized }

type CDROutcome string

const (
	CDRSuccess  CDROutcome = "Success"
	CDRFiltered CDROutcome = "Filtered"
	CDRError    CDROutcome = "Error"
	CDRDisabled CDROutcome = "Disabled"
)

type CDRResult struct {
	SessionId   string
	Outcome     CDROutcome
	Description string
	// AlreadyDelivered is set when the session was found in the delivered set
	// and nothing was sent.
	AlreadyDelivered bool
}

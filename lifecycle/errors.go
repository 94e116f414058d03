package lifecycle

import "errors"

// Kind classifies why an operation was rejected
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a precondition failure. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInsufficientDeposit = &Error{KindValidation, "insufficient_deposit", "deposit below minimum"}
	ErrInvalidCondition    = &Error{KindValidation, "invalid_condition", "invalid condition"}
	ErrInvalidPayoutAddr   = &Error{KindValidation, "invalid_payout_address", "invalid payout address"}
	ErrInvalidPayoutAmount = &Error{KindValidation, "invalid_payout_amount", "invalid payout amount"}
	ErrInvalidAttestation  = &Error{KindValidation, "invalid_attestation", "invalid attestation"}
	ErrInvalidAttestorKey  = &Error{KindValidation, "invalid_attestor_key", "invalid attestor key"}

	ErrUnauthenticated  = &Error{KindAuthorization, "unauthenticated", "caller identity required"}
	ErrNotOwner         = &Error{KindAuthorization, "not_owner", "only the trigger owner can claim a refund"}
	ErrNotContractOwner = &Error{KindAuthorization, "not_contract_owner", "only the contract owner can call this method"}
	ErrNotAttestor      = &Error{KindAuthorization, "not_attestor", "caller is not the configured attestor"}

	ErrTriggerNotActive = &Error{KindState, "trigger_not_active", "trigger is no longer active"}
	ErrNotYetExpired    = &Error{KindState, "not_yet_expired", "trigger has not expired yet"}

	ErrTriggerNotFound = &Error{KindNotFound, "trigger_not_found", "trigger not found"}
)

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

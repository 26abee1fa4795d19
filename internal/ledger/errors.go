package ledger

import "errors"

// Validation errors.
var (
	ErrZeroAddress                 = errors.New("zero address")
	ErrZeroValue                   = errors.New("zero value")
	ErrAmountBelowMin              = errors.New("amount below min")
	ErrAmountAboveMax              = errors.New("amount above max")
	ErrInvalidRange                = errors.New("invalid intent amount range")
	ErrArrayLengthMismatch         = errors.New("array length mismatch")
	ErrDuplicatePaymentMethod      = errors.New("duplicate payment method")
	ErrDuplicateCurrency           = errors.New("duplicate currency")
	ErrPaymentMethodNotWhitelisted = errors.New("payment method not whitelisted")
	ErrPaymentMethodNotSupported   = errors.New("payment method not supported by deposit")
	ErrCurrencyNotSupported        = errors.New("currency not supported")
	ErrEmptyPayeeDetails           = errors.New("empty payee details")
	ErrRateBelowMinimum            = errors.New("conversion rate below minimum")
	ErrFeeExceedsMaximum           = errors.New("fee exceeds maximum")
	ErrInvalidReferrerFee          = errors.New("referrer fee requires referrer")
	ErrHookNotWhitelisted          = errors.New("post intent hook not whitelisted")
	ErrThresholdExceedsMaximum     = errors.New("threshold exceeds maximum")
)

// State-conflict errors.
var (
	ErrDepositNotFound              = errors.New("deposit not found")
	ErrIntentNotFound               = errors.New("intent not found")
	ErrDepositNotAcceptingIntents   = errors.New("deposit not accepting intents")
	ErrDepositAlreadyInState        = errors.New("deposit already in requested state")
	ErrMaxIntentsExceeded           = errors.New("max intents per deposit exceeded")
	ErrInsufficientDepositLiquidity = errors.New("insufficient deposit liquidity")
	ErrAmountExceedsAvailable       = errors.New("amount exceeds available")
	ErrAccountHasActiveIntent       = errors.New("account has active intent")
	ErrIntentAlreadyExists          = errors.New("intent already exists")
)

// Authorization errors.
var (
	ErrUnauthorizedCaller           = errors.New("unauthorized caller")
	ErrUnauthorizedCallerOrDelegate = errors.New("unauthorized caller or delegate")
	ErrGuardianNotSet               = errors.New("intent guardian not set")
)

// External-verification errors.
var (
	ErrInvalidSignature          = errors.New("invalid gating signature")
	ErrSignatureExpired          = errors.New("gating signature expired")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrHashMismatch              = errors.New("intent hash mismatch")
)

// Operational errors.
var (
	ErrPaused     = errors.New("paused")
	ErrReadOnlyTx = errors.New("write in read-only transaction")
)

type Category int

const (
	CategoryInternal Category = iota
	CategoryValidation
	CategoryState
	CategoryAuthorization
	CategoryVerification
	CategoryOperational
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryState:
		return "state"
	case CategoryAuthorization:
		return "authorization"
	case CategoryVerification:
		return "verification"
	case CategoryOperational:
		return "operational"
	default:
		return "internal"
	}
}

var categories = map[Category][]error{
	CategoryValidation: {
		ErrZeroAddress, ErrZeroValue, ErrAmountBelowMin, ErrAmountAboveMax, ErrInvalidRange,
		ErrArrayLengthMismatch, ErrDuplicatePaymentMethod, ErrDuplicateCurrency,
		ErrPaymentMethodNotWhitelisted, ErrPaymentMethodNotSupported, ErrCurrencyNotSupported,
		ErrEmptyPayeeDetails, ErrRateBelowMinimum, ErrFeeExceedsMaximum, ErrInvalidReferrerFee,
		ErrHookNotWhitelisted, ErrThresholdExceedsMaximum,
	},
	CategoryState: {
		ErrDepositNotFound, ErrIntentNotFound, ErrDepositNotAcceptingIntents, ErrDepositAlreadyInState,
		ErrMaxIntentsExceeded, ErrInsufficientDepositLiquidity, ErrAmountExceedsAvailable,
		ErrAccountHasActiveIntent, ErrIntentAlreadyExists,
	},
	CategoryAuthorization: {ErrUnauthorizedCaller, ErrUnauthorizedCallerOrDelegate, ErrGuardianNotSet},
	CategoryVerification:  {ErrInvalidSignature, ErrSignatureExpired, ErrPaymentVerificationFailed, ErrHashMismatch},
	CategoryOperational:   {ErrPaused},
}

// Classify reports which failure category err belongs to. Errors that wrap
// none of the package sentinels are internal.
func Classify(err error) Category {
	if err == nil {
		return CategoryInternal
	}
	for cat, sentinels := range categories {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return cat
			}
		}
	}
	return CategoryInternal
}

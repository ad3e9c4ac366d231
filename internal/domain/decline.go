package domain

// DeclineCode is a stable machine-readable reason a transaction was not approved
type DeclineCode string

const (
	DeclineValidationError      DeclineCode = "VALIDATION_ERROR"
	DeclineCardNotFound         DeclineCode = "CARD_NOT_FOUND"
	DeclineCardInactive         DeclineCode = "CARD_INACTIVE"
	DeclineRestrictionViolation DeclineCode = "RESTRICTION_VIOLATION"
	DeclineInsufficientFunds    DeclineCode = "INSUFFICIENT_FUNDS"
	DeclineFraudSuspected       DeclineCode = "FRAUD_SUSPECTED"
	DeclineCurrencyUnsupported  DeclineCode = "CURRENCY_NOT_SUPPORTED"
	DeclineProcessingError      DeclineCode = "PROCESSING_ERROR"
	DeclineMaxRetriesExceeded   DeclineCode = "MAX_RETRIES_EXCEEDED"
	DeclineDuplicateInFlight    DeclineCode = "DUPLICATE_IN_FLIGHT"
)

// DeclineReason describes a decline code for cardholders and merchants
type DeclineReason struct {
	Code            DeclineCode `json:"code"`
	Message         string      `json:"message"`
	MerchantMessage string      `json:"merchant_message"`
	Retryable       bool        `json:"retryable"`
}

var declineCatalog = map[DeclineCode]DeclineReason{
	DeclineValidationError: {
		Code:            DeclineValidationError,
		Message:         "The transaction request was malformed.",
		MerchantMessage: "Invalid authorization request",
		Retryable:       false,
	},
	DeclineCardNotFound: {
		Code:            DeclineCardNotFound,
		Message:         "This card does not exist.",
		MerchantMessage: "Invalid card",
		Retryable:       false,
	},
	DeclineCardInactive: {
		Code:            DeclineCardInactive,
		Message:         "This card is not active. Activate or replace it to continue.",
		MerchantMessage: "Card not active",
		Retryable:       false,
	},
	DeclineRestrictionViolation: {
		Code:            DeclineRestrictionViolation,
		Message:         "This card cannot be used with this merchant or in this country.",
		MerchantMessage: "Transaction not permitted for card",
		Retryable:       false,
	},
	DeclineInsufficientFunds: {
		Code:            DeclineInsufficientFunds,
		Message:         "Your card does not have enough available balance for this purchase.",
		MerchantMessage: "Insufficient funds",
		Retryable:       true,
	},
	DeclineFraudSuspected: {
		Code:            DeclineFraudSuspected,
		Message:         "This transaction was declined for your protection. Contact support if this was you.",
		MerchantMessage: "Do not honor",
		Retryable:       false,
	},
	DeclineCurrencyUnsupported: {
		Code:            DeclineCurrencyUnsupported,
		Message:         "Purchases in this currency are not supported.",
		MerchantMessage: "Currency not supported",
		Retryable:       false,
	},
	DeclineProcessingError: {
		Code:            DeclineProcessingError,
		Message:         "We could not process this transaction right now. Please try again.",
		MerchantMessage: "Issuer unavailable",
		Retryable:       true,
	},
	DeclineMaxRetriesExceeded: {
		Code:            DeclineMaxRetriesExceeded,
		Message:         "This transaction was retried too many times.",
		MerchantMessage: "Retry limit exceeded",
		Retryable:       false,
	},
	DeclineDuplicateInFlight: {
		Code:            DeclineDuplicateInFlight,
		Message:         "This transaction is already being processed.",
		MerchantMessage: "Duplicate transmission",
		Retryable:       true,
	},
}

// LookupDecline returns the catalog entry for a code. Unknown codes map to a
// non-retryable generic reason.
func LookupDecline(code DeclineCode) DeclineReason {
	if r, ok := declineCatalog[code]; ok {
		return r
	}
	return DeclineReason{
		Code:            code,
		Message:         "The transaction was declined.",
		MerchantMessage: "Declined",
		Retryable:       false,
	}
}

// DeclineCodes returns every code in the catalog
func DeclineCodes() []DeclineCode {
	codes := make([]DeclineCode, 0, len(declineCatalog))
	for c := range declineCatalog {
		codes = append(codes, c)
	}
	return codes
}

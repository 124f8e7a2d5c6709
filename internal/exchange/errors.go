package exchange

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// Bybit v5 retCodes the bot special-cases. Everything else is treated by
// HTTP status alone.
const (
	codeRateLimited        = 10006  // too many visits
	codeOrderNotFound      = 110001 // order does not exist
	codePriceOutOfRange    = 110003
	codeInsufficientMargin = 110007 // available balance not enough
	codeBelowMinOrderValue = 110094
	codeStopUnchanged      = 34040  // trading-stop already at requested value
	codeLeverageUnchanged  = 110043
)

// APIError is a non-2xx HTTP response or a non-zero retCode from the
// exchange. Status is the HTTP status, Code the exchange retCode (0 when
// the HTTP layer itself failed).
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange: retCode %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange: http %d: %s", e.Status, e.Msg)
}

// ErrQtyBelowMin is returned client-side when a quantity floors below the
// instrument minimum before any request is sent.
var ErrQtyBelowMin = errors.New("exchange: qty below instrument minimum")

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimit reports whether the exchange asked us to back off. The
// monitor loops treat this as a no-op tick, not a failure.
func IsRateLimit(err error) bool {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == codeRateLimited || apiErr.Status == 429
	}
	return false
}

// IsNotFound reports that the referenced order no longer exists. Cancels
// racing a fill hit this routinely.
func IsNotFound(err error) bool {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == codeOrderNotFound
	}
	return false
}

// IsInvalidQty reports a quantity the instrument will not accept.
func IsInvalidQty(err error) bool {
	if errors.Is(err, ErrQtyBelowMin) {
		return true
	}
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == codeBelowMinOrderValue
	}
	return false
}

// IsInvalidPrice reports a price outside the instrument's permitted range.
func IsInvalidPrice(err error) bool {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == codePriceOutOfRange
	}
	return false
}

// IsInsufficientMargin reports that the account cannot fund the order.
func IsInsufficientMargin(err error) bool {
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Code == codeInsufficientMargin
	}
	return false
}

// IsTransient reports an error worth retrying on the next loop tick:
// transport failures, 5xx responses, rate limiting, and an open circuit
// breaker. Validation errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if apiErr, ok := asAPIError(err); ok {
		return apiErr.Status >= 500 || IsRateLimit(err)
	}
	if errors.Is(err, ErrQtyBelowMin) {
		return false
	}
	// Anything that never reached the API (dial, timeout) is transient.
	return true
}

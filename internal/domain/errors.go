package domain

import "errors"

var (
	ErrTransportTimeout      = errors.New("transport timeout")
	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrConfigRejected        = errors.New("config rejected")
	ErrStaleRead             = errors.New("stale read detected")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrRetryBudgetExceeded   = errors.New("retry budget exceeded")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrRetryBudgetExceeded, "RetryBudgetExceeded"},
	{ErrTransportDisconnected, "TransportDisconnected"},
	{ErrTransportTimeout, "TransportTimeout"},
	{ErrConfigRejected, "ConfigRejected"},
	{ErrStaleRead, "StaleReadDetected"},
	{ErrMalformedResponse, "MalformedResponse"},
}

// ErrorKind names the taxonomy entry of err. Errors outside the taxonomy
// report "Unknown"; nil reports "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// Transient reports whether err may succeed if the same call is repeated
// right away.
func Transient(err error) bool {
	return errors.Is(err, ErrTransportTimeout) && !errors.Is(err, ErrTransportDisconnected)
}

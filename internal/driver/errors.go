package driver

import "fmt"

// Kind classifies a DriverError so callers can branch with errors.Is
// instead of parsing messages, grounded on the seven-kind taxonomy the
// error-handling design carries from the console/service layer.
type Kind int

const (
	KindTimeout Kind = iota
	KindCancel
	KindConfigInvalid
	KindNoConnection
	KindAssert
	KindMatchFailed
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindCancel:
		return "cancel"
	case KindConfigInvalid:
		return "config_invalid"
	case KindNoConnection:
		return "no_connection"
	case KindAssert:
		return "assert"
	case KindMatchFailed:
		return "match_failed"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// DriverError is the Service-level error type returned in an ErrorRes.
type DriverError struct {
	Kind Kind
	Msg  string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is match on Kind alone: errors.Is(err, &DriverError{Kind:
// KindTimeout}) is true for any *DriverError with that Kind, regardless of
// Msg.
func (e *DriverError) Is(target error) bool {
	other, ok := target.(*DriverError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newError(k Kind, format string, args ...any) *DriverError {
	return &DriverError{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

var (
	// ErrTimeout is a sentinel of Kind KindTimeout for errors.Is comparisons.
	ErrTimeout = &DriverError{Kind: KindTimeout}
	// ErrCancel is a sentinel of Kind KindCancel for errors.Is comparisons.
	ErrCancel = &DriverError{Kind: KindCancel}
	// ErrNoConnection is a sentinel of Kind KindNoConnection.
	ErrNoConnection = &DriverError{Kind: KindNoConnection}
)

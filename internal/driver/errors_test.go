package driver

import (
	"errors"
	"testing"
)

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		KindTimeout:       "timeout",
		KindCancel:        "cancel",
		KindConfigInvalid: "config_invalid",
		KindNoConnection:  "no_connection",
		KindAssert:        "assert",
		KindMatchFailed:   "match_failed",
		KindProtocol:      "protocol",
		Kind(99):          "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestDriverError_Error(t *testing.T) {
	err := newError(KindTimeout, "waited %d ms", 500)
	if got, want := err.Error(), "timeout: waited 500 ms"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDriverError_IsMatchesOnKindOnly(t *testing.T) {
	err := newError(KindTimeout, "some specific detail")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected errors.Is to match ErrTimeout regardless of message")
	}
	if errors.Is(err, ErrCancel) {
		t.Errorf("expected errors.Is not to match a different Kind")
	}
}

func TestDriverError_IsRejectsForeignErrorTypes(t *testing.T) {
	err := newError(KindNoConnection, "no link")
	if errors.Is(err, errors.New("no link")) {
		t.Errorf("expected errors.Is to reject a non-*DriverError target")
	}
}

package apperr

import (
	"errors"
	"testing"
)

func TestIs(t *testing.T) {
	t.Parallel()

	err := New(NotFound, "conversation not found")
	if !Is(err, NotFound) {
		t.Error("Is(err, NotFound) = false, want true")
	}
	if Is(err, Conflict) {
		t.Error("Is(err, Conflict) = true, want false")
	}
	if Is(errors.New("plain"), NotFound) {
		t.Error("Is(plain error, NotFound) = true, want false")
	}
}

func TestWrap_UnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Wrap(Transient, "store unavailable", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if KindOf(err) != Transient {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), Transient)
	}
}

func TestKindOf_UnknownForPlainError(t *testing.T) {
	t.Parallel()
	if KindOf(errors.New("plain")) != Unknown {
		t.Error("KindOf(plain error) should be Unknown")
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	tests := map[Kind]string{
		AuthenticationFailed: "authentication_failed",
		Authorization:        "authorization",
		Validation:           "validation",
		NotFound:             "not_found",
		Conflict:             "conflict",
		RateLimited:          "rate_limited",
		Transient:            "transient",
		Overloaded:           "overloaded",
		Unknown:              "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

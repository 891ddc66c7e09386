package errors

import (
	"errors"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindNotFound, "test message"),
			want: "[not-found] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindInternal, "test message", errors.New("underlying")),
			want: "[internal] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindInternal, "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestServiceError_WithDetails(t *testing.T) {
	err := New(KindConflict, "order already filled").
		WithDetails("order_id", "42").
		WithDetails("status", "filled")

	if err.Details["order_id"] != "42" || err.Details["status"] != "filled" {
		t.Errorf("WithDetails() = %v, want order_id=42 status=filled", err.Details)
	}
}

func TestIs(t *testing.T) {
	err := NotFound("entity", "123")
	if !Is(err, KindNotFound) {
		t.Errorf("Is(%v, KindNotFound) = false, want true", err)
	}
	if Is(err, KindConflict) {
		t.Errorf("Is(%v, KindConflict) = true, want false", err)
	}
	if Is(errors.New("plain"), KindNotFound) {
		t.Errorf("Is(plain error, KindNotFound) = true, want false")
	}
}

func TestGetServiceError(t *testing.T) {
	se := Exhausted("shard_0")
	wrapped := errors.New("outer: " + se.Error())
	if GetServiceError(wrapped) != nil {
		t.Errorf("GetServiceError(plain wrapped) should not unwrap a *ServiceError")
	}
	if GetServiceError(se) != se {
		t.Errorf("GetServiceError(se) = %v, want %v", GetServiceError(se), se)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(Timeout("acquire")) != KindTimeout {
		t.Errorf("KindOf(Timeout) != KindTimeout")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Errorf("KindOf(plain) != KindInternal")
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err  *ServiceError
		kind Kind
	}{
		{NotFound("entity", "7"), KindNotFound},
		{InvalidState("entity is dead"), KindInvalidState},
		{Timeout("acquire"), KindTimeout},
		{Unreachable("replica-1:5432", errors.New("dial refused")), KindUnreachable},
		{Exhausted("shard_0"), KindExhausted},
		{WouldBlock("player:42"), KindWouldBlock},
		{Conflict("order already filled"), KindConflict},
		{Internal("invariant violated", errors.New("boom")), KindInternal},
	}
	for _, c := range cases {
		if c.err.Kind != c.kind {
			t.Errorf("%v.Kind = %v, want %v", c.err, c.err.Kind, c.kind)
		}
	}
}

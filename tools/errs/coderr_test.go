package errs

import (
	"fmt"
	"strings"
	"testing"
)

func TestCodeMatching(t *testing.T) {
	err := ErrPersistence.Wrap(fmt.Errorf("pg: connection refused"))
	if !ErrPersistence.Is(err) {
		t.Fatal("wrapped error must keep its code")
	}
	if ErrValidation.Is(err) {
		t.Fatal("different codes must not match")
	}
	if CodeOf(err) != CodePersistence {
		t.Fatalf("want %d, got %d", CodePersistence, CodeOf(err))
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if CodeOf(fmt.Errorf("plain")) != 0 {
		t.Fatal("non CodeError must yield 0")
	}
	if CodeOf(nil) != 0 {
		t.Fatal("nil must yield 0")
	}
}

func TestWrapMsgCarriesDetail(t *testing.T) {
	err := ErrAllocatorUnavailable.WrapMsg("incr failed", "key", "chat:message_id_seq")
	s := err.Error()
	if s == "" {
		t.Fatal("empty message")
	}
	for _, want := range []string{"10003", "incr failed", "chat:message_id_seq"} {
		if !strings.Contains(s, want) {
			t.Fatalf("error %q must contain %q", s, want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	err := ErrBridgeUnavailable.Wrap(nil)
	if !ErrBridgeUnavailable.Is(err) {
		t.Fatal("wrapping nil still yields the coded error")
	}
}

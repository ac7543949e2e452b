package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Protocol, 400},
		{NotFound, 404},
		{DataStore, 500},
		{Transport, 500},
		{Internal, 500},
	}
	for _, tc := range cases {
		if got := New(tc.kind, "op", "", nil).Status(); got != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.kind, tc.want, got)
		}
	}
}

func TestWrapKeepsExistingClassification(t *testing.T) {
	inner := New(NotFound, "lookup.cpf", "CPF não encontrado", nil)
	wrapped := Wrap(DataStore, "handler", fmt.Errorf("route: %w", inner))
	if KindOf(wrapped) != NotFound {
		t.Fatalf("expected not_found, got %s", KindOf(wrapped))
	}
	if got := As(wrapped).Public(); got != "CPF não encontrado" {
		t.Fatalf("unexpected public message %q", got)
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	err := Wrap(Transport, "write", io.ErrShortWrite)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected wrapped cause to be visible, got %v", err)
	}
	if !Is(err, Transport) {
		t.Fatalf("expected transport kind, got %s", KindOf(err))
	}
	if Wrap(Transport, "write", nil) != nil {
		t.Fatal("expected nil passthrough")
	}
}

func TestPublicNeverLeaksCause(t *testing.T) {
	err := Wrap(DataStore, "lookup.name", errors.New("disk I/O error: /var/lib/cpf.db"))
	if got := As(err).Public(); got != "Database error" {
		t.Fatalf("unexpected public message %q", got)
	}
	if got := As(errors.New("boom")).Public(); got != "Internal server error" {
		t.Fatalf("unexpected public message %q", got)
	}
}

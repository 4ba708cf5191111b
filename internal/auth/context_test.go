// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests WithAuth/FromContext propagation

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{Subject: "dispatcher-1"})

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("FromContext() = nil, want AuthContext")
	}
	if got.Subject != "dispatcher-1" {
		t.Errorf("Subject = %q, want %q", got.Subject, "dispatcher-1")
	}
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not-an-auth-context")
	if got := FromContext(ctx); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

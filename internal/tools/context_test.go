package tools

import (
	"context"
	"testing"
)

func TestSessionIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithSessionID(context.Background(), "sess-abc"), "sess-abc"},
		{"empty string returns default", WithSessionID(context.Background(), ""), "default"},
		{"innermost wins", WithSessionID(WithSessionID(context.Background(), "outer"), "inner"), "inner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionIDFromContext(tt.ctx); got != tt.want {
				t.Errorf("SessionIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

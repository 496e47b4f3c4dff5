package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"valid", "4f2a-b9_c", "4f2a-b9_c"},
		{"empty", "", ""},
		{"spaces", "has space", ""},
		{"newline injection", "abc\n{\"level\":\"error\"}", ""},
		{"too long", strings.Repeat("a", maxIDLen+1), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.id)
			assert.Equal(t, tt.want, RequestIDFromContext(ctx))
		})
	}
}

func TestWithUserID(t *testing.T) {
	ctx := WithUserID(context.Background(), "665f1c2e9b1d4a0012345678")
	assert.Equal(t, "665f1c2e9b1d4a0012345678", UserIDFromContext(ctx))

	ctx = WithUserID(context.Background(), "bad/id")
	assert.Empty(t, UserIDFromContext(ctx))
}

func TestFromContext(t *testing.T) {
	require.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

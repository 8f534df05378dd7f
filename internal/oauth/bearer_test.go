package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerProvider(t *testing.T) {
	p := NewBearerProvider("static-token-123")

	headers, err := p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer static-token-123", headers["Authorization"])

	require.NoError(t, p.Refresh(context.Background()), "refresh is a no-op")
	assert.True(t, p.Valid())
}

func TestBearerProviderIdentity(t *testing.T) {
	a := NewBearerProvider("same-token")
	b := NewBearerProvider("same-token")

	assert.NotEmpty(t, a.Identity())
	assert.NotEqual(t, a.Identity(), b.Identity(),
		"identity is per instance even for identical tokens")
}

package oauth

import (
	"context"

	"github.com/google/uuid"
)

// BearerProvider supplies a static token. Refresh is a no-op and the
// provider is always valid; a 401 with this provider means the operator
// must rotate the configured token.
type BearerProvider struct {
	token    string
	identity string
}

func NewBearerProvider(token string) *BearerProvider {
	return &BearerProvider{
		token:    token,
		identity: uuid.NewString(),
	}
}

func (p *BearerProvider) Headers(_ context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + p.token}, nil
}

func (p *BearerProvider) Refresh(_ context.Context) error { return nil }

func (p *BearerProvider) Valid() bool { return true }

func (p *BearerProvider) Identity() string { return p.identity }

package providers

import (
	"context"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// TokenStore persists the insurer token across process restarts. It is a
// backing store only; it provides no mutual exclusion.
type TokenStore interface {
	// Load returns the stored token, or nil when none is stored
	Load(ctx context.Context) (*entities.Token, error)

	// Save stores the token
	Save(ctx context.Context, token *entities.Token) error

	// Delete removes the stored token
	Delete(ctx context.Context) error
}

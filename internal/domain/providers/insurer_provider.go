package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
)

// ErrInsurerUnauthorized is returned when the insurer rejects the bearer token (HTTP 401)
var ErrInsurerUnauthorized = errors.New("insurer rejected the access token")

// CardAuthorizationRequest is one card verification call
type CardAuthorizationRequest struct {
	CardNumber     string
	VisitTypeCode  entities.VisitTypeCode
	ReferralNumber string
	Remarks        string
}

// InsurerClient is the external insurer authorization API
type InsurerClient interface {
	// FetchToken exchanges the configured credentials for a new token
	FetchToken(ctx context.Context) (*entities.Token, error)

	// AuthorizeCard submits a card authorization and returns the raw
	// provider payload. A 401 is reported as ErrInsurerUnauthorized.
	AuthorizeCard(ctx context.Context, token *entities.Token, req CardAuthorizationRequest) (json.RawMessage, error)
}

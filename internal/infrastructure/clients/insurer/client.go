package insurer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/clinicflow/internal/domain/entities"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/pkg/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// StatusError is returned for non-2xx responses other than 401
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("insurer %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// HTTPClient talks to the insurer's card authorization API
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	now        func() time.Time
}

var _ providers.InsurerClient = (*HTTPClient)(nil)

// NewClient creates an insurer client. Request deadlines come from the
// caller's context; the client timeout is only an outer ceiling.
func NewClient(cfg *config.InsurerConfig) *HTTPClient {
	ceiling := cfg.VerifyTimeout
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   ceiling,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// tokenResponse is the /token payload. Some provider versions send
// expires_in as a string.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   flexSeconds `json:"expires_in"`
}

type flexSeconds int64

func (s *flexSeconds) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_in %q: %w", raw, err)
	}
	*s = flexSeconds(value)
	return nil
}

// FetchToken exchanges the configured credentials for a bearer token
func (c *HTTPClient) FetchToken(ctx context.Context) (*entities.Token, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	form.Set("grant_type", "password")

	endpoint := c.baseURL + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "/token")
	if err != nil {
		return nil, err
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	return &entities.Token{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
		ExpiresAt:   c.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// AuthorizeCard submits a card authorization and returns the raw payload
func (c *HTTPClient) AuthorizeCard(ctx context.Context, token *entities.Token, authReq providers.CardAuthorizationRequest) (json.RawMessage, error) {
	if token == nil {
		return nil, errors.New("token is required")
	}

	parsed, err := url.Parse(c.baseURL + "/AuthorizeCard")
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	query.Set("CardNo", authReq.CardNumber)
	query.Set("VisitTypeID", strconv.Itoa(authReq.VisitTypeCode.ProviderID()))
	if authReq.ReferralNumber != "" {
		query.Set("ReferralNo", authReq.ReferralNumber)
	}
	if authReq.Remarks != "" {
		query.Set("Remarks", authReq.Remarks)
	}
	parsed.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "/AuthorizeCard")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *HTTPClient) do(req *http.Request, name string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read insurer response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, providers.ErrInsurerUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Endpoint: name, StatusCode: resp.StatusCode, Body: snippet}
	}

	return body, nil
}

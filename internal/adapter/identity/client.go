package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoSession signals that the presented session token does not map to an
// authenticated user.
var ErrNoSession = errors.New("identity: no authenticated session")

// User is the identity provider's view of the signed-in account.
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
}

// Provider resolves the authenticated user behind a browser session token.
type Provider interface {
	CurrentUser(ctx context.Context, sessionToken string) (*User, error)
}

// HTTPClient calls the hosted identity provider's user endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Provider implementation.
func NewHTTPClient(baseURL, apiKey string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

// CurrentUser fetches the user bound to the session token. A missing or
// rejected token yields ErrNoSession rather than a transport error.
func (c *HTTPClient) CurrentUser(ctx context.Context, sessionToken string) (*User, error) {
	if strings.TrimSpace(sessionToken) == "" {
		return nil, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read user response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrNoSession
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("user lookup failed: status=%d", resp.StatusCode)
	}

	var raw struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		UserMetadata struct {
			FullName  string `json:"full_name"`
			Name      string `json:"name"`
			AvatarURL string `json:"avatar_url"`
		} `json:"user_metadata"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode user response: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, ErrNoSession
	}

	name := strings.TrimSpace(raw.UserMetadata.FullName)
	if name == "" {
		name = strings.TrimSpace(raw.UserMetadata.Name)
	}

	return &User{
		ID:        raw.ID,
		Email:     raw.Email,
		Name:      name,
		AvatarURL: raw.UserMetadata.AvatarURL,
	}, nil
}

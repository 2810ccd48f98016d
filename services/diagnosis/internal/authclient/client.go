package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cropdoc/pkg/domain"
)

// Client resolves a bearer token to a user through the identity
// provider's GET /auth/v1/user endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs an identity provider client. apiKey is sent as the
// apikey header when set.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	AppMetadata struct {
		Role string `json:"role"`
	} `json:"app_metadata"`
}

// Authenticate validates token remotely and returns the user.
func (c *Client) Authenticate(ctx context.Context, token string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return domain.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var body struct {
			Message string `json:"msg"`
			Code    string `json:"error_code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Message
		if msg == "" {
			msg = resp.Status
		}
		return domain.User{}, &APIError{Status: resp.StatusCode, Message: msg, Code: body.Code}
	}
	var out userResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.User{}, fmt.Errorf("decode auth user: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return domain.User{}, &APIError{Status: http.StatusUnauthorized, Message: "user missing"}
	}
	role := domain.RoleUser
	if strings.EqualFold(out.AppMetadata.Role, string(domain.RoleAdmin)) {
		role = domain.RoleAdmin
	}
	return domain.User{ID: out.ID, Email: out.Email, Role: role}, nil
}

// APIError represents an identity provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

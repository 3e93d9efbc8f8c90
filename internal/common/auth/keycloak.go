// internal/common/auth/keycloak.go
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"notification-monitor/internal/common/errors"
	httpclient "notification-monitor/internal/common/http"
)

const membersPageSize = 100

// ErrGroupNotFound is returned when no group exists at a path.
var ErrGroupNotFound = stderrors.New("keycloak group not found")

// KeycloakClient reads group membership through the Keycloak admin API
// using a client-credentials service account.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *httpclient.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// User represents a user in Keycloak.
type User struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Enabled   bool   `json:"enabled"`
}

// DisplayName joins first and last name, falling back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// Group represents a Keycloak group.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// TokenResponse holds the response from Keycloak's token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewKeycloakClient creates a new instance of KeycloakClient.
func NewKeycloakClient(baseURL, realm, clientID, clientSecret string, timeout time.Duration) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpclient.NewClient(timeout),
	}
}

// token returns a cached service-account token, fetching a new one when
// the cached token is within 10 seconds of expiry.
func (k *KeycloakClient) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && time.Now().Add(10*time.Second).Before(k.tokenExpiry) {
		return k.accessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tokenResp TokenResponse
	if err := k.httpClient.DoJSON(req, &tokenResp); err != nil {
		return "", fmt.Errorf("keycloak token request: %w", err)
	}

	k.accessToken = tokenResp.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return k.accessToken, nil
}

func (k *KeycloakClient) adminGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	token, err := k.token(ctx)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/admin/realms/%s%s", k.baseURL, k.realm, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return k.httpClient.DoJSON(req, out)
}

// GroupByPath looks up a group by its full path, e.g. "/organisations/o1".
func (k *KeycloakClient) GroupByPath(ctx context.Context, path string) (*Group, error) {
	escaped := make([]string, 0)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}

	var group Group
	err := k.adminGet(ctx, "/group-by-path/"+strings.Join(escaped, "/"), nil, &group)
	var statusErr *httpclient.StatusError
	if stderrors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, &errors.StandardError{
			Code:      errors.ErrCodeSourceUnavailable,
			Message:   "Keycloak group lookup failed",
			Details:   err.Error(),
			Retryable: true,
		}
	}
	return &group, nil
}

// GroupMembers returns every member of a group, following pagination.
func (k *KeycloakClient) GroupMembers(ctx context.Context, groupID string) ([]User, error) {
	var members []User
	for first := 0; ; first += membersPageSize {
		query := url.Values{}
		query.Set("first", fmt.Sprint(first))
		query.Set("max", fmt.Sprint(membersPageSize))
		query.Set("briefRepresentation", "true")

		var page []User
		if err := k.adminGet(ctx, "/groups/"+url.PathEscape(groupID)+"/members", query, &page); err != nil {
			return nil, &errors.StandardError{
				Code:      errors.ErrCodeSourceUnavailable,
				Message:   "Keycloak group member lookup failed",
				Details:   err.Error(),
				Retryable: true,
			}
		}
		members = append(members, page...)
		if len(page) < membersPageSize {
			return members, nil
		}
	}
}

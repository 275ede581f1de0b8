package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/projexhq/projex-sync/internal/errors"
)

// AuthClient creates authentication identities for the two-phase user
// write (identity first, then profile row). Identity creation is
// idempotent by email: an existing identity is looked up and returned
// before any signup attempt, so retrying a queued user create converges
// instead of duplicating identities.
type AuthClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAuthClient creates an AuthClient against the auth endpoint.
func NewAuthClient(baseURL, apiKey string, timeout time.Duration) *AuthClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AuthClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// identity is the auth server's account representation.
type identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// EnsureIdentity returns the identity ID for email, creating the identity
// if it does not exist yet.
func (a *AuthClient) EnsureIdentity(ctx context.Context, email, password, name, tenantID, role string) (string, error) {
	if email == "" {
		return "", errors.New(errors.ErrInvalid, "identity email is required")
	}

	if id, err := a.lookup(ctx, email); err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return "", err
		}
	} else {
		return id, nil
	}

	if password == "" {
		return "", errors.New(errors.ErrInvalid, "password is required to create an identity")
	}

	return a.signup(ctx, email, password, name, tenantID, role)
}

// lookup finds an existing identity by email.
func (a *AuthClient) lookup(ctx context.Context, email string) (string, error) {
	endpoint := a.baseURL + "/admin/users?email=" + url.QueryEscape(email)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "build identity lookup", err)
	}
	a.setHeaders(req)

	body, err := a.do(req)
	if err != nil {
		return "", err
	}

	var found []identity
	if err := json.Unmarshal(body, &found); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "decode identity lookup", err)
	}
	if len(found) == 0 {
		return "", errors.New(errors.ErrNotFound, fmt.Sprintf("no identity for %s", email))
	}
	return found[0].ID, nil
}

// signup creates a new identity. An "already registered" response is
// resolved with a second lookup rather than treated as failure.
func (a *AuthClient) signup(ctx context.Context, email, password, name, tenantID, role string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"email":    email,
		"password": password,
		"data": map[string]string{
			"name":      name,
			"tenant_id": tenantID,
			"role":      role,
		},
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "encode signup payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/signup", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "build signup request", err)
	}
	a.setHeaders(req)

	body, err := a.do(req)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrValidation &&
			strings.Contains(strings.ToLower(err.Error()), "already") {
			return a.lookup(ctx, email)
		}
		return "", errors.Wrap(errors.ErrSyncAuthFailed, "identity signup failed", err)
	}

	var created identity
	if err := json.Unmarshal(body, &created); err != nil {
		return "", errors.Wrap(errors.ErrInternal, "decode signup response", err)
	}
	if created.ID == "" {
		return "", errors.New(errors.ErrSyncAuthFailed, "signup returned no identity id")
	}
	return created.ID, nil
}

func (a *AuthClient) setHeaders(req *http.Request) {
	req.Header.Set("apikey", a.apiKey)
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (a *AuthClient) do(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, errors.Wrap(errors.ErrTimeout, "auth request cancelled or timed out", err)
		}
		return nil, errors.Wrap(errors.ErrNetwork, "auth request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "read auth response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

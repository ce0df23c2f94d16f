package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"keygate/internal/domain"
	"keygate/internal/dto"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// HTTPAuthenticator performs anonymous device authentication against the
// keygated server and verifies the issued token against the server's JWKS
// before trusting the uid inside it. The JWKS is fetched on first use so a
// client restored from local state never needs the server at startup.
type HTTPAuthenticator struct {
	baseURL string
	client  *http.Client

	mu   sync.Mutex
	jwks *keyfunc.JWKS
}

func NewHTTPAuthenticator(baseURL string) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAuthenticator) Authenticate(ctx context.Context) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/auth/anonymous", nil)
	if err != nil {
		return domain.Identity{}, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return domain.Identity{}, fmt.Errorf("%w: auth status %d", domain.ErrRemoteUnavailable, resp.StatusCode)
	}

	var body dto.AnonymousAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: decode auth response: %v", domain.ErrRemoteUnavailable, err)
	}

	uid, err := a.verify(body.Token)
	if err != nil {
		return domain.Identity{}, err
	}
	if uid != body.UID {
		return domain.Identity{}, fmt.Errorf("%w: token subject mismatch", domain.ErrRemoteUnavailable)
	}

	return domain.Identity{UID: uid, CreatedAt: time.Now().UTC()}, nil
}

func (a *HTTPAuthenticator) verify(tokenStr string) (string, error) {
	jwks, err := a.keys()
	if err != nil {
		return "", err
	}
	token, err := jwt.Parse(tokenStr, jwks.Keyfunc)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid device token: %v", domain.ErrRemoteUnavailable, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", domain.ErrRemoteUnavailable)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: token missing subject", domain.ErrRemoteUnavailable)
	}
	return sub, nil
}

func (a *HTTPAuthenticator) keys() (*keyfunc.JWKS, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jwks != nil {
		return a.jwks, nil
	}
	jwks, err := keyfunc.Get(a.baseURL+"/v1/jwks", keyfunc.Options{
		RefreshInterval:   time.Minute * 15,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch: %v", domain.ErrRemoteUnavailable, err)
	}
	a.jwks = jwks
	return jwks, nil
}

// Close stops the background JWKS refresh.
func (a *HTTPAuthenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// registryRESTMethod looks up a peer via a central Registry REST server's
// GET /agents/:id, the last method tried per §4.11.
type registryRESTMethod struct {
	baseURL string
	client  *http.Client
	bearer  string
}

// RegistryRESTConfig configures the Registry REST discovery method. BearerSecret,
// when set, is used to mint a short-lived HS256 bearer token for the
// Authorization header.
type RegistryRESTConfig struct {
	BaseURL      string
	BearerSecret string
	Timeout      time.Duration
}

// NewRegistryRESTMethod builds the Registry REST resolution method.
func NewRegistryRESTMethod(cfg RegistryRESTConfig) (Method, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var bearer string
	if cfg.BearerSecret != "" {
		token, err := mintBearerToken(cfg.BearerSecret)
		if err != nil {
			return nil, fmt.Errorf("mint registry bearer token: %w", err)
		}
		bearer = token
	}

	return &registryRESTMethod{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		bearer:  bearer,
	}, nil
}

func mintBearerToken(secret string) (string, error) {
	claims := jwt.MapClaims{
		"iss": "ai2ai-node",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

type registryAgentRecord struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	PublicKey string `json:"publicKey"`
}

func (m *registryRESTMethod) Lookup(ctx context.Context, agentID string) (Result, bool, error) {
	u := fmt.Sprintf("%s/agents/%s", m.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, false, err
	}
	if m.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+m.bearer)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, false, nil
	}

	var rec registryAgentRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil || rec.Endpoint == "" {
		return Result{}, false, nil
	}
	return Result{Endpoint: rec.Endpoint, PublicKey: rec.PublicKey}, true, nil
}

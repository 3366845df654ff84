// oidc.go - OIDC-клиент для интерактивного входа через identity provider.
// Реализует Authorization Code Flow с PKCE (RFC 7636). Refresh token не используется:
// сессия живёт фиксированный срок и по истечении требует повторного входа.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OIDCClient - клиент endpoints identity provider.
// Public client (без client_secret), использует PKCE для защиты.
type OIDCClient struct {
	clientID     string
	authorizeURL string
	tokenURL     string
	jwksURL      string
	issuer       string
	httpClient   *http.Client
}

// OIDCConfig - конфигурация OIDC-клиента.
type OIDCConfig struct {
	// ProviderURL - базовый URL IdP (может содержать query, например ?canisterId=...).
	ProviderURL string
	// ClientID - OIDC Client ID (public client).
	ClientID string
	// HTTPClient - HTTP-клиент (nil - создаётся новый с Timeout).
	HTTPClient *http.Client
	// Timeout - таймаут HTTP-запросов. Используется при HTTPClient == nil.
	Timeout time.Duration
}

// NewOIDCClient создаёт OIDC-клиент. Endpoints строятся от ProviderURL:
// /authorize, /token, /.well-known/jwks.json. Query базового URL сохраняется.
func NewOIDCClient(cfg OIDCConfig) (*OIDCClient, error) {
	base, err := url.Parse(cfg.ProviderURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("некорректный URL identity provider: %q", cfg.ProviderURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	issuer := *base
	issuer.Path = strings.TrimRight(base.Path, "/")
	issuer.RawQuery = ""

	return &OIDCClient{
		clientID:     cfg.ClientID,
		authorizeURL: endpoint(base, "/authorize"),
		tokenURL:     endpoint(base, "/token"),
		jwksURL:      endpoint(base, "/.well-known/jwks.json"),
		issuer:       issuer.String(),
		httpClient:   httpClient,
	}, nil
}

// endpoint добавляет путь к базовому URL, сохраняя его query.
func endpoint(base *url.URL, path string) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + path
	return u.String()
}

// Issuer возвращает ожидаемый issuer ID token.
func (c *OIDCClient) Issuer() string { return c.issuer }

// JWKSURL возвращает URL набора ключей IdP.
func (c *OIDCClient) JWKSURL() string { return c.jwksURL }

// ClientID возвращает OIDC Client ID (ожидаемый audience ID token).
func (c *OIDCClient) ClientID() string { return c.clientID }

// PKCEParams - параметры PKCE для одного входа.
type PKCEParams struct {
	// CodeVerifier - случайная строка, остаётся на сервере до callback.
	CodeVerifier string
	// CodeChallenge - SHA-256 хеш code_verifier (уходит в authorize URL).
	CodeChallenge string
}

// GeneratePKCE генерирует пару code_verifier / code_challenge (S256).
func GeneratePKCE() (*PKCEParams, error) {
	// 32 bytes → 43 символа base64url (без padding)
	verifierBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, verifierBytes); err != nil {
		return nil, fmt.Errorf("ошибка генерации code_verifier: %w", err)
	}
	codeVerifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(codeVerifier))
	codeChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCEParams{
		CodeVerifier:  codeVerifier,
		CodeChallenge: codeChallenge,
	}, nil
}

// GenerateState генерирует случайный state parameter для CSRF-защиты.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, stateBytes); err != nil {
		return "", fmt.Errorf("ошибка генерации state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}

// AuthorizeURL формирует URL для redirect пользователя на страницу входа IdP.
// maxTTL передаётся IdP как max_age (секунды), срок жизни делегации.
func (c *OIDCClient) AuthorizeURL(redirectURI, state, codeChallenge string, maxTTL time.Duration) string {
	u, _ := url.Parse(c.authorizeURL)
	params := u.Query()
	params.Set("client_id", c.clientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("scope", "openid")
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	if maxTTL > 0 {
		params.Set("max_age", fmt.Sprintf("%d", int64(maxTTL.Seconds())))
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// TokenResponse - ответ token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	IDToken     string `json:"id_token"`
}

// TokenError - ошибка token endpoint.
type TokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// ExchangeCode обменивает authorization code на tokens.
// redirectURI - тот же, что использовался в authorize URL.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации IdP
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса к token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var tokenErr TokenError
		if jsonErr := json.Unmarshal(body, &tokenErr); jsonErr == nil && tokenErr.Error != "" {
			return nil, fmt.Errorf("token endpoint: %s (%s)", tokenErr.Error, tokenErr.Description)
		}
		return nil, fmt.Errorf("token endpoint вернул статус %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("ошибка парсинга token response: %w", err)
	}
	if tokenResp.IDToken == "" {
		return nil, fmt.Errorf("token response не содержит id_token")
	}

	return &tokenResp, nil
}

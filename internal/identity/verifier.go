// verifier.go - проверка ID token identity provider (RS256, JWKS).
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier проверяет ID token и возвращает principal (claim sub).
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (string, error)
}

// JWTVerifier - проверка подписи и claims ID token.
type JWTVerifier struct {
	keyfunc  func(ctx context.Context) jwt.Keyfunc
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTVerifier создаёт верификатор со статической функцией ключей.
// issuer и audience могут быть пустыми - тогда соответствующий claim не проверяется.
func NewJWTVerifier(kf jwt.Keyfunc, issuer, audience string, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{
		keyfunc:  func(context.Context) jwt.Keyfunc { return kf },
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}
}

// NewJWKSVerifier создаёт верификатор, загружающий ключи IdP по JWKS URL
// с фоновым обновлением.
func NewJWKSVerifier(
	jwksURL string,
	issuer, audience string,
	httpClient *http.Client,
	refreshInterval time.Duration,
	leeway time.Duration,
	logger *slog.Logger,
) (*JWTVerifier, error) {
	// NoErrorReturnFirstHTTPReq - стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTVerifier{
		keyfunc:  k.KeyfuncCtx,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// Verify проверяет подпись, срок действия, issuer и audience.
// Возвращает sub как principal.
func (v *JWTVerifier) Verify(ctx context.Context, rawIDToken string) (string, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(rawIDToken, claims, v.keyfunc(ctx), parserOpts...)
	if err != nil {
		return "", fmt.Errorf("невалидный ID token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("невалидный ID token")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("ID token не содержит sub")
	}
	return subject, nil
}

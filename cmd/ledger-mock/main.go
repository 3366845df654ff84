// Ledger Mock - сервис для локальной разработки BloodLink.
// Имитирует boundary node ledger (donation и NFT canister в памяти) и identity provider:
// GET /authorize сразу одобряет вход и возвращает code на redirect_uri,
// POST /token выдаёт подписанный ID token, GET /.well-known/jwks.json отдаёт ключ.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/bloodlink/internal/config"
	"github.com/bigkaa/bloodlink/internal/ledgermock"
)

// --- Конфигурация ---

// mockConfig хранит конфигурацию сервиса из env-переменных.
type mockConfig struct {
	Port        string // MOCK_PORT - порт HTTP-сервера (default: 4943)
	Issuer      string // MOCK_ISSUER - issuer ID token (default: http://localhost:<port>)
	ClientID    string // MOCK_CLIENT_ID - audience ID token (default: bloodlink)
	Principal   string // MOCK_PRINCIPAL - principal, который получает каждый вход
	DonationID  string // MOCK_DONATION_CANISTER - ID donation canister
	NFTID       string // MOCK_NFT_CANISTER - ID NFT canister
	TokenTTL    time.Duration
	SeedRequest bool // MOCK_SEED - добавить открытый запрос крови при старте
}

// loadConfig загружает конфигурацию из переменных окружения.
func loadConfig() mockConfig {
	port := envOrDefault("MOCK_PORT", "4943")
	cfg := mockConfig{
		Port:        port,
		Issuer:      envOrDefault("MOCK_ISSUER", "http://localhost:"+port),
		ClientID:    envOrDefault("MOCK_CLIENT_ID", "bloodlink"),
		Principal:   envOrDefault("MOCK_PRINCIPAL", "2vxsx-fae"),
		DonationID:  envOrDefault("MOCK_DONATION_CANISTER", config.DefaultDonationCanisterID),
		NFTID:       envOrDefault("MOCK_NFT_CANISTER", config.DefaultNFTCanisterID),
		TokenTTL:    time.Hour,
		SeedRequest: os.Getenv("MOCK_SEED") != "false",
	}
	if v := os.Getenv("MOCK_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = d
		}
	}
	return cfg
}

// envOrDefault возвращает значение env-переменной или default.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// --- JWKS ---

const keyID = "ledger-mock-key-1"

// jwksKey представляет один ключ в JWKS (RFC 7517).
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

func buildJWKS(pub *rsa.PublicKey) jwksResponse {
	return jwksResponse{Keys: []jwksKey{{
		Kty: "RSA",
		Kid: keyID,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// --- Identity provider ---

// idp - одобряет любой вход и выдаёт токены для MOCK_PRINCIPAL.
type idp struct {
	cfg        mockConfig
	privateKey *rsa.PrivateKey
	jwks       []byte
	logger     *slog.Logger

	mu    sync.Mutex
	codes map[string]string // code → redirect_uri
}

// handleAuthorize обрабатывает GET /authorize - redirect на redirect_uri с code и state.
func (s *idp) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "redirect_uri обязателен", http.StatusBadRequest)
		return
	}

	code := randomString()
	s.mu.Lock()
	s.codes[code] = redirectURI
	s.mu.Unlock()

	params := target.Query()
	params.Set("code", code)
	params.Set("state", q.Get("state"))
	target.RawQuery = params.Encode()

	s.logger.Info("Вход одобрен", slog.String("principal", s.cfg.Principal))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken обрабатывает POST /token - обмен code на ID token.
func (s *idp) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, "invalid_request", err.Error())
		return
	}

	code := r.PostForm.Get("code")
	s.mu.Lock()
	redirectURI, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()
	if !ok || redirectURI != r.PostForm.Get("redirect_uri") {
		writeTokenError(w, "invalid_grant", "unknown code")
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   s.cfg.Principal,
		Audience:  jwt.ClaimStrings{s.cfg.ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		writeTokenError(w, "server_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": signed,
		"token_type":   "Bearer",
		"expires_in":   int(s.cfg.TokenTTL.Seconds()),
		"id_token":     signed,
	})
}

// handleJWKS обрабатывает GET /.well-known/jwks.json.
func (s *idp) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.jwks)
}

func writeTokenError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}

func randomString() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		logger.Error("Ошибка генерации RSA ключа", slog.String("error", err.Error()))
		os.Exit(1)
	}
	jwksJSON, err := json.Marshal(buildJWKS(&privateKey.PublicKey))
	if err != nil {
		logger.Error("Ошибка сериализации JWKS", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ledger := ledgermock.New(cfg.DonationID, cfg.NFTID)
	if cfg.SeedRequest {
		ledger.AddRequest(ledgermock.Request{
			RecipientID: "seed-recipient",
			BloodType:   "A-",
			Amount:      2,
			Urgency:     "high",
			Location:    "Lagos Island General Hospital",
			Timestamp:   time.Now(),
		})
	}

	provider := &idp{
		cfg:        cfg,
		privateKey: privateKey,
		jwks:       jwksJSON,
		logger:     logger,
		codes:      make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", provider.handleAuthorize)
	mux.HandleFunc("/token", provider.handleToken)
	mux.HandleFunc("GET /.well-known/jwks.json", provider.handleJWKS)
	mux.Handle("/", ledger)

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("Ledger Mock запущен",
		slog.String("addr", addr),
		slog.String("issuer", cfg.Issuer),
		slog.String("principal", cfg.Principal),
		slog.String("donation_canister", cfg.DonationID),
		slog.String("nft_canister", cfg.NFTID),
	)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

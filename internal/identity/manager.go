// Пакет identity - жизненный цикл сессии пользователя: вход через identity provider
// (OIDC + PKCE), восстановление сохранённой сессии, выход.
// Manager выдаёт Handle - аутентифицированный дескриптор вызовов ledger.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Ошибки сессии.
var (
	// ErrUnknownState - callback с неизвестным или просроченным state.
	ErrUnknownState = errors.New("неизвестный или просроченный state входа")
	// ErrLoginDenied - пользователь отменил вход или IdP отказал.
	ErrLoginDenied = errors.New("вход отклонён identity provider")
	// ErrLoginFailed - не удалось завершить вход (обмен кода, проверка токена).
	ErrLoginFailed = errors.New("ошибка входа")
)

// Время ожидания callback после начала входа.
const pendingLoginTTL = 10 * time.Minute

// Handle - аутентифицированный дескриптор для вызовов ledger.
type Handle struct {
	Principal   string
	AccessToken string
	ExpiresAt   time.Time
}

// State - публичное состояние сессии.
type State struct {
	Connected bool    `json:"connected"`
	Principal *string `json:"principal"`
}

// LoginRequest - результат начала интерактивного входа.
type LoginRequest struct {
	AuthorizeURL string `json:"authorize_url"`
	State        string `json:"state"`
}

// Callback - параметры возврата от IdP.
type Callback struct {
	State string
	Code  string
	// Error - код ошибки IdP (error в query callback), пусто при успехе.
	Error string
}

// pendingLogin - незавершённый вход, ожидающий callback.
type pendingLogin struct {
	verifier    string
	redirectURI string
}

// Manager - менеджер сессии процесса (ровно один экземпляр на процесс).
type Manager struct {
	oidc     *OIDCClient
	verifier TokenVerifier
	store    Store
	ttl      time.Duration
	pending  *expirable.LRU[string, pendingLogin]
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	record *Record
}

// NewManager создаёт менеджер сессии.
// ttl - фиксированное время жизни сессии (обновления токенов нет).
func NewManager(oidc *OIDCClient, verifier TokenVerifier, store Store, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		oidc:     oidc,
		verifier: verifier,
		store:    store,
		ttl:      ttl,
		pending:  expirable.NewLRU[string, pendingLogin](128, nil, pendingLoginTTL),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "session")),
	}
}

// Initialize восстанавливает сохранённую сессию, если она есть и не истекла.
// Возвращает признак подключения. Ошибки логируются и не возвращаются.
func (m *Manager) Initialize(ctx context.Context) bool {
	rec, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			m.logger.Warn("Не удалось восстановить сессию", slog.String("error", err.Error()))
		}
		return false
	}

	if rec.IsExpired(m.now()) {
		m.logger.Info("Сохранённая сессия истекла",
			slog.String("principal", rec.Principal),
			slog.Time("expires_at", rec.ExpiresAt),
		)
		if err := m.store.Delete(ctx); err != nil {
			m.logger.Warn("Не удалось удалить истёкшую сессию", slog.String("error", err.Error()))
		}
		return false
	}

	m.setRecord(rec)
	m.logger.Info("Сессия восстановлена", slog.String("principal", rec.Principal))
	return true
}

// BeginLogin начинает интерактивный вход: генерирует PKCE и state,
// запоминает их до callback и возвращает URL страницы входа IdP.
func (m *Manager) BeginLogin(redirectURI string) (*LoginRequest, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	m.pending.Add(state, pendingLogin{verifier: pkce.CodeVerifier, redirectURI: redirectURI})

	return &LoginRequest{
		AuthorizeURL: m.oidc.AuthorizeURL(redirectURI, state, pkce.CodeChallenge, m.ttl),
		State:        state,
	}, nil
}

// Connect завершает вход: обменивает code на токены, проверяет ID token,
// создаёт Handle и сохраняет сессию. Handle готов до возврата из Connect.
func (m *Manager) Connect(ctx context.Context, cb Callback) error {
	if cb.Error != "" {
		m.pending.Remove(cb.State)
		return fmt.Errorf("%w: %s", ErrLoginDenied, cb.Error)
	}

	p, ok := m.pending.Get(cb.State)
	if !ok {
		return ErrUnknownState
	}
	m.pending.Remove(cb.State)

	tokens, err := m.oidc.ExchangeCode(ctx, cb.Code, p.redirectURI, p.verifier)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	principal, err := m.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	now := m.now()
	rec := &Record{
		Principal:   principal,
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.setRecord(rec)

	if err := m.store.Save(ctx, rec); err != nil {
		// Сессия остаётся активной в памяти, но не переживёт рестарт.
		m.logger.Warn("Не удалось сохранить сессию", slog.String("error", err.Error()))
	}

	m.logger.Info("Вход выполнен", slog.String("principal", principal))
	return nil
}

// Disconnect завершает сессию и удаляет её из хранилища.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	prev := m.record
	m.record = nil
	m.mu.Unlock()

	if err := m.store.Delete(ctx); err != nil {
		m.logger.Warn("Не удалось удалить сохранённую сессию", slog.String("error", err.Error()))
	}
	if prev != nil {
		m.logger.Info("Выход выполнен", slog.String("principal", prev.Principal))
	}
}

// State возвращает текущее состояние сессии.
// Сессия с истёкшим сроком считается отключённой.
func (m *Manager) State() State {
	rec := m.current()
	if rec == nil {
		return State{}
	}
	principal := rec.Principal
	return State{Connected: true, Principal: &principal}
}

// Connected сообщает, активна ли сессия.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Handle возвращает дескриптор вызовов или nil, если сессия не активна.
func (m *Manager) Handle() *Handle {
	rec := m.current()
	if rec == nil {
		return nil
	}
	return &Handle{
		Principal:   rec.Principal,
		AccessToken: rec.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
	}
}

func (m *Manager) setRecord(rec *Record) {
	m.mu.Lock()
	m.record = rec
	m.mu.Unlock()
}

// current возвращает активную запись сессии с учётом срока действия.
func (m *Manager) current() *Record {
	m.mu.RLock()
	rec := m.record
	m.mu.RUnlock()
	if rec == nil || rec.IsExpired(m.now()) {
		return nil
	}
	return rec
}

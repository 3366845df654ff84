// platform.go - точка входа операций приложения: сессия, изменения в ledger, чтение кэша.
//
// Правила:
//   - изменяющие операции без активной сессии завершаются ErrUnauthenticated без вызовов ledger;
//   - после успеха изменяющей операции кэш обновляется ровно один раз;
//   - каждый исход изменяющей операции публикует уведомление;
//   - изменения выполняются последовательно (Platform.mu), чтение кэша - без блокировок;
//   - данные истёкшей сессии удаляются из кэша при первом обращении после истечения.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bigkaa/bloodlink/internal/domain/model"
	"github.com/bigkaa/bloodlink/internal/gateway"
	"github.com/bigkaa/bloodlink/internal/identity"
)

// Session - менеджер сессии (реализуется *identity.Manager).
type Session interface {
	Initialize(ctx context.Context) bool
	BeginLogin(redirectURI string) (*identity.LoginRequest, error)
	Connect(ctx context.Context, cb identity.Callback) error
	Disconnect(ctx context.Context)
	State() identity.State
	Connected() bool
}

// Ledger - типизированные вызовы canister (реализуется *gateway.Gateway).
type Ledger interface {
	Fetcher
	RegisterDonor(ctx context.Context, name string, bloodType model.BloodType, location string) (gateway.Result[struct{}], error)
	RecordDonation(ctx context.Context, d model.DonationDraft) (gateway.Result[gateway.RecordedDonation], error)
	CreateRequest(ctx context.Context, r model.RequestDraft) (gateway.Result[struct{}], error)
	FulfillRequest(ctx context.Context, requestID, donorID string) (gateway.Result[string], error)
	FetchStats(ctx context.Context) (model.PlatformStats, error)
	FetchDonorProfile(ctx context.Context, principal string) (*model.DonorProfile, error)
	FetchOwnedCertificates(ctx context.Context) ([]model.Certificate, error)
	TransferCertificate(ctx context.Context, tokenID uint64, to string) (gateway.Result[string], error)
	TotalSupply(ctx context.Context) (uint64, error)
}

// CanisterIDs - идентификаторы canister, с которыми работает сервис.
type CanisterIDs struct {
	Donation string `json:"donation"`
	NFT      string `json:"nft"`
	Identity string `json:"identity"`
}

// PlatformConfig - параметры Platform.
type PlatformConfig struct {
	Canisters CanisterIDs
	// Certificates - кэш метаданных сертификатов (очищается при смене сессии), может быть nil.
	Certificates *CertificateCache
}

// Status - состояние сервиса для клиента.
type Status struct {
	Connected bool        `json:"connected"`
	Principal *string     `json:"principal"`
	Canisters CanisterIDs `json:"canisters"`
	Cache     Summary     `json:"cache"`
}

// Platform - сервис операций bloodlink.
type Platform struct {
	session   Session
	ledger    Ledger
	cache     *StateCache
	notifier  *Notifier
	canisters CanisterIDs
	certs     *CertificateCache
	logger    *slog.Logger

	mu sync.Mutex
	// connected - последнее наблюдавшееся состояние сессии.
	connected atomic.Bool
}

// NewPlatform создаёт Platform.
func NewPlatform(session Session, ledger Ledger, cache *StateCache, notifier *Notifier, cfg PlatformConfig, logger *slog.Logger) *Platform {
	return &Platform{
		session:   session,
		ledger:    ledger,
		cache:     cache,
		notifier:  notifier,
		canisters: cfg.Canisters,
		certs:     cfg.Certificates,
		logger:    logger.With(slog.String("component", "platform")),
	}
}

// --- Сессия ---

// Initialize восстанавливает сохранённую сессию и, если она активна, загружает данные.
func (p *Platform) Initialize(ctx context.Context) {
	if !p.session.Initialize(ctx) {
		p.logger.Info("Активной сессии нет, данные загрузятся после входа")
		return
	}
	p.connected.Store(true)
	if err := p.cache.Refresh(ctx); err != nil {
		p.logger.Warn("Начальная загрузка данных не удалась", slog.String("error", err.Error()))
	}
}

// BeginLogin начинает интерактивный вход.
func (p *Platform) BeginLogin(redirectURI string) (*identity.LoginRequest, error) {
	req, err := p.session.BeginLogin(redirectURI)
	if err != nil {
		p.notifier.Error("Не удалось начать вход")
		return nil, err
	}
	return req, nil
}

// Connect завершает вход по callback IdP и загружает данные.
func (p *Platform) Connect(ctx context.Context, cb identity.Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.session.Connect(ctx, cb); err != nil {
		if errors.Is(err, identity.ErrLoginDenied) {
			p.notifier.Error("Вход отменён")
		} else {
			p.notifier.Error("Не удалось выполнить вход")
		}
		return err
	}

	p.connected.Store(true)
	if p.certs != nil {
		p.certs.Purge()
	}
	if err := p.cache.Refresh(ctx); err != nil {
		p.logger.Warn("Загрузка данных после входа не удалась", slog.String("error", err.Error()))
	}
	p.notifier.Success("Вход выполнен")
	return nil
}

// Disconnect завершает сессию и очищает кэш.
func (p *Platform) Disconnect(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.session.Disconnect(ctx)
	p.connected.Store(false)
	p.cache.Clear()
	if p.certs != nil {
		p.certs.Purge()
	}
	p.notifier.Success("Сеанс завершён")
}

// Status возвращает состояние сессии, canister и кэша.
func (p *Platform) Status() Status {
	p.dropLapsedSession()
	st := p.session.State()
	return Status{
		Connected: st.Connected,
		Principal: st.Principal,
		Canisters: p.canisters,
		Cache:     p.cache.Summary(),
	}
}

// dropLapsedSession очищает кэш, если сессия истекла без явного выхода.
// Срабатывает один раз на каждый переход из активного состояния.
func (p *Platform) dropLapsedSession() {
	if p.session.Connected() {
		p.connected.Store(true)
		return
	}
	if !p.connected.CompareAndSwap(true, false) {
		return
	}
	p.cache.Clear()
	if p.certs != nil {
		p.certs.Purge()
	}
	p.logger.Info("Сессия истекла, кэш очищен")
	p.notifier.Info("Сессия истекла, выполните вход")
}

// --- Изменяющие операции ---

// RegisterDonor регистрирует текущего пользователя донором.
func (p *Platform) RegisterDonor(ctx context.Context, name string, bloodType model.BloodType, location string) error {
	if err := p.requireSession(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return validationError("имя донора не может быть пустым")
	}
	if !bloodType.Valid() {
		return validationError("неизвестная группа крови %q", bloodType)
	}

	_, err := runMutation(ctx, p, "register_donor", "Не удалось зарегистрировать донора", true,
		func(ctx context.Context) (gateway.Result[struct{}], error) {
			return p.ledger.RegisterDonor(ctx, name, bloodType, location)
		})
	if err != nil {
		return err
	}
	p.notifier.Success("Донор зарегистрирован")
	return nil
}

// RecordDonation записывает донацию текущего пользователя.
func (p *Platform) RecordDonation(ctx context.Context, d model.DonationDraft) (*gateway.RecordedDonation, error) {
	if err := p.requireSession(); err != nil {
		return nil, err
	}
	if !d.BloodType.Valid() {
		return nil, validationError("неизвестная группа крови %q", d.BloodType)
	}
	if d.Amount <= 0 {
		return nil, validationError("объём донации должен быть больше 0")
	}

	recorded, err := runMutation(ctx, p, "record_donation", "Не удалось записать донацию", true,
		func(ctx context.Context) (gateway.Result[gateway.RecordedDonation], error) {
			return p.ledger.RecordDonation(ctx, d)
		})
	if err != nil {
		return nil, err
	}
	if recorded.CertificateTokenID != nil {
		p.notifier.Success("Донация записана в ledger, сертификат донора выпущен")
	} else {
		p.notifier.Success("Донация записана в ledger")
	}
	return &recorded, nil
}

// CreateRequest создаёт запрос крови.
func (p *Platform) CreateRequest(ctx context.Context, r model.RequestDraft) error {
	if err := p.requireSession(); err != nil {
		return err
	}
	if !r.BloodType.Valid() {
		return validationError("неизвестная группа крови %q", r.BloodType)
	}
	if r.Amount <= 0 {
		return validationError("количество единиц должно быть больше 0")
	}
	if !r.Urgency.Valid() {
		return validationError("неизвестная срочность %q", r.Urgency)
	}

	_, err := runMutation(ctx, p, "create_request", "Не удалось создать запрос крови", true,
		func(ctx context.Context) (gateway.Result[struct{}], error) {
			return p.ledger.CreateRequest(ctx, r)
		})
	if err != nil {
		return err
	}
	p.notifier.Success("Запрос крови создан")
	return nil
}

// FulfillRequest закрывает открытый запрос крови донацией donorID.
// Если запрос есть в кэше и уже не открыт, ledger не вызывается.
func (p *Platform) FulfillRequest(ctx context.Context, requestID, donorID string) (string, error) {
	if err := p.requireSession(); err != nil {
		return "", err
	}
	if requestID == "" {
		return "", validationError("не указан ID запроса")
	}
	for _, r := range p.cache.Requests() {
		if r.ID != requestID {
			continue
		}
		if err := model.CheckRequestTransition(r.Status, model.RequestFulfilled, model.ActorClient); err != nil {
			p.notifier.Error("Запрос крови уже закрыт")
			return "", err
		}
	}

	confirmation, err := runMutation(ctx, p, "fulfill_request", "Не удалось закрыть запрос крови", true,
		func(ctx context.Context) (gateway.Result[string], error) {
			return p.ledger.FulfillRequest(ctx, requestID, donorID)
		})
	if err != nil {
		return "", err
	}
	p.notifier.Success("Запрос крови закрыт")
	return confirmation, nil
}

// TransferCertificate передаёт сертификат донора другому principal.
func (p *Platform) TransferCertificate(ctx context.Context, tokenID uint64, to string) (string, error) {
	if err := p.requireSession(); err != nil {
		return "", err
	}
	if strings.TrimSpace(to) == "" {
		return "", validationError("не указан получатель")
	}

	confirmation, err := runMutation(ctx, p, "transfer_certificate", "Не удалось передать сертификат", false,
		func(ctx context.Context) (gateway.Result[string], error) {
			return p.ledger.TransferCertificate(ctx, tokenID, to)
		})
	if err != nil {
		return "", err
	}
	p.notifier.Success("Сертификат передан")
	return confirmation, nil
}

// requireSession проверяет сессию до любой проверки входных данных.
func (p *Platform) requireSession() error {
	p.dropLapsedSession()
	if !p.session.Connected() {
		p.notifier.Error("Сначала выполните вход")
		return ErrUnauthenticated
	}
	return nil
}

// runMutation выполняет изменяющий вызов ledger по общим правилам:
// проверка сессии, сериализация, уведомление об ошибке, обновление кэша после успеха.
func runMutation[T any](
	ctx context.Context,
	p *Platform,
	op string,
	failMsg string,
	refresh bool,
	call func(ctx context.Context) (gateway.Result[T], error),
) (T, error) {
	var zero T

	if err := p.requireSession(); err != nil {
		return zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := call(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrNotAuthenticated) {
			p.notifier.Error("Сессия истекла, выполните вход")
			return zero, ErrUnauthenticated
		}
		p.logger.Error("Вызов ledger не удался",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		p.notifier.Error(failMsg)
		return zero, fmt.Errorf("%s: %w", op, err)
	}

	if !res.IsOk() {
		msg := res.Message()
		if msg == "" {
			msg = failMsg
		}
		p.logger.Info("Ledger отклонил операцию",
			slog.String("operation", op),
			slog.String("reason", msg),
		)
		p.notifier.Error(msg)
		return zero, &RejectedError{Operation: op, Message: msg}
	}

	if refresh {
		if err := p.cache.Refresh(ctx); err != nil {
			p.logger.Warn("Обновление кэша после операции не удалось",
				slog.String("operation", op),
				slog.String("error", err.Error()),
			)
		}
	}
	return res.Value(), nil
}

// --- Чтение ---

// Refresh обновляет кэш из ledger.
func (p *Platform) Refresh(ctx context.Context) error {
	p.dropLapsedSession()
	return p.cache.Refresh(ctx)
}

// DonationHistory возвращает донации участника (пусто - все донации).
func (p *Platform) DonationHistory(participant string) []model.Donation {
	p.dropLapsedSession()
	if participant == "" {
		return p.cache.Donations()
	}
	return p.cache.FilterByParticipant(participant)
}

// OpenRequests возвращает открытые запросы крови.
func (p *Platform) OpenRequests() []model.BloodRequest {
	p.dropLapsedSession()
	return p.cache.OpenRequests()
}

// AllRequests возвращает все запросы крови из кэша.
func (p *Platform) AllRequests() []model.BloodRequest {
	p.dropLapsedSession()
	return p.cache.Requests()
}

// Stats загружает статистику платформы из ledger.
func (p *Platform) Stats(ctx context.Context) (model.PlatformStats, error) {
	stats, err := p.ledger.FetchStats(ctx)
	if err != nil {
		return model.PlatformStats{}, readError("статистика", err)
	}
	return stats, nil
}

// DonorProfile загружает профиль донора. ErrNotFound - донор не зарегистрирован.
func (p *Platform) DonorProfile(ctx context.Context, principal string) (*model.DonorProfile, error) {
	profile, err := p.ledger.FetchDonorProfile(ctx, principal)
	if err != nil {
		return nil, readError("профиль донора", err)
	}
	if profile == nil {
		return nil, fmt.Errorf("донор %s: %w", principal, ErrNotFound)
	}
	return profile, nil
}

// Certificates загружает сертификаты текущего пользователя.
func (p *Platform) Certificates(ctx context.Context) ([]model.Certificate, error) {
	certs, err := p.ledger.FetchOwnedCertificates(ctx)
	if err != nil {
		return nil, readError("сертификаты", err)
	}
	return certs, nil
}

// TotalSupply возвращает общее число выпущенных сертификатов.
func (p *Platform) TotalSupply(ctx context.Context) (uint64, error) {
	n, err := p.ledger.TotalSupply(ctx)
	if err != nil {
		return 0, readError("число сертификатов", err)
	}
	return n, nil
}

// readError приводит ошибку чтения к ошибкам сервисного слоя.
func readError(what string, err error) error {
	if errors.Is(err, gateway.ErrNotAuthenticated) {
		return ErrUnauthenticated
	}
	return fmt.Errorf("загрузка (%s): %w", what, err)
}

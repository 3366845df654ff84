// Пакет gateway - типизированные вызовы canister ledger:
// донации и запросы крови (donation canister), сертификаты доноров (NFT canister).
// Все операции требуют аутентифицированный Handle сессии.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/bloodlink/internal/domain/model"
	"github.com/bigkaa/bloodlink/internal/identity"
)

var mintFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bl_certificate_mint_failures_total",
	Help: "Неудачные выпуски сертификата после записи донации.",
})

// Параллелизм загрузки метаданных сертификатов.
const metadataConcurrency = 8

// HandleSource - источник аутентифицированного дескриптора (менеджер сессии).
type HandleSource interface {
	Handle() *identity.Handle
}

// MetadataCache - кэш метаданных сертификатов по ID токена.
type MetadataCache interface {
	Get(tokenID uint64) (*model.Certificate, bool)
	Set(tokenID uint64, cert *model.Certificate)
	Delete(tokenID uint64)
}

// Config - адресация canister.
type Config struct {
	DonationCanisterID string
	NFTCanisterID      string
	// Metadata - кэш метаданных сертификатов (nil - без кэша).
	Metadata MetadataCache
}

// Gateway - типизированный клиент canister.
type Gateway struct {
	client   *Client
	session  HandleSource
	donation string
	nft      string
	metadata MetadataCache
	now      func() time.Time
	logger   *slog.Logger
}

// New создаёт Gateway.
func New(client *Client, session HandleSource, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:   client,
		session:  session,
		donation: cfg.DonationCanisterID,
		nft:      cfg.NFTCanisterID,
		metadata: cfg.Metadata,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// RecordedDonation - результат записи донации.
type RecordedDonation struct {
	// DonationID - ID донации (из ответа canister или синтетический).
	DonationID string
	// CertificateTokenID - ID выпущенного сертификата; nil, если выпуск не удался.
	CertificateTokenID *uint64
}

// MintRequest - параметры выпуска сертификата донора.
type MintRequest struct {
	To         string
	DonationID string
	BloodType  model.BloodType
	Amount     int64
	Location   string
	Timestamp  time.Time
}

func (g *Gateway) handle() (*identity.Handle, error) {
	h := g.session.Handle()
	if h == nil {
		return nil, ErrNotAuthenticated
	}
	return h, nil
}

// --- Donation canister: изменяющие вызовы ---

// RegisterDonor регистрирует текущего пользователя донором.
func (g *Gateway) RegisterDonor(ctx context.Context, name string, bloodType model.BloodType, location string) (Result[struct{}], error) {
	h, err := g.handle()
	if err != nil {
		return Result[struct{}]{}, err
	}
	res, err := g.client.update(ctx, h, g.donation, "registerDonor", name, string(bloodType), location)
	if err != nil {
		return Result[struct{}]{}, err
	}
	if !res.IsOk() {
		return Rejected[struct{}](res.Message()), nil
	}
	return Ok(struct{}{}), nil
}

// RecordDonation записывает донацию. После успеха выполняется выпуск сертификата
// (best-effort): его ошибка логируется и не влияет на результат записи.
func (g *Gateway) RecordDonation(ctx context.Context, d model.DonationDraft) (Result[RecordedDonation], error) {
	h, err := g.handle()
	if err != nil {
		return Result[RecordedDonation]{}, err
	}

	recipient := []string{}
	if d.RecipientID != nil && *d.RecipientID != "" {
		recipient = []string{*d.RecipientID}
	}

	res, err := g.client.update(ctx, h, g.donation, "recordDonation", recipient, string(d.BloodType), d.Amount, d.Location)
	if err != nil {
		return Result[RecordedDonation]{}, err
	}
	if !res.IsOk() {
		return Rejected[RecordedDonation](res.Message()), nil
	}

	now := g.now()
	recorded := RecordedDonation{DonationID: donationIDFromOK(res.Value(), now)}

	tokenID, mintErr := g.mintAfterDonation(ctx, MintRequest{
		To:         h.Principal,
		DonationID: recorded.DonationID,
		BloodType:  d.BloodType,
		Amount:     d.Amount,
		Location:   d.Location,
		Timestamp:  now,
	})
	if mintErr != nil {
		mintFailuresTotal.Inc()
		g.logger.Warn("Не удалось выпустить сертификат донора",
			slog.String("donation_id", recorded.DonationID),
			slog.String("error", mintErr.Error()),
		)
	} else {
		recorded.CertificateTokenID = &tokenID
	}

	return Ok(recorded), nil
}

// mintAfterDonation - выпуск сертификата как пост-действие со своим каналом ошибки.
func (g *Gateway) mintAfterDonation(ctx context.Context, m MintRequest) (uint64, error) {
	res, err := g.MintCertificate(ctx, m)
	if err != nil {
		return 0, err
	}
	if !res.IsOk() {
		return 0, fmt.Errorf("canister отклонил выпуск: %s", res.Message())
	}
	return res.Value(), nil
}

// donationIDFromOK извлекает id из ok-записи или синтезирует donation-<ms>.
func donationIDFromOK(raw json.RawMessage, now time.Time) string {
	if v, err := parseValue(raw); err == nil {
		if obj, ok := v.(map[string]any); ok {
			if id := textOr(obj, "id", ""); id != "" {
				return id
			}
		}
	}
	return fmt.Sprintf("donation-%d", now.UnixMilli())
}

// CreateRequest создаёт запрос крови от текущего пользователя.
func (g *Gateway) CreateRequest(ctx context.Context, r model.RequestDraft) (Result[struct{}], error) {
	h, err := g.handle()
	if err != nil {
		return Result[struct{}]{}, err
	}

	description := []string{}
	if r.Description != nil && *r.Description != "" {
		description = []string{*r.Description}
	}

	res, err := g.client.update(ctx, h, g.donation, "createBloodRequest",
		string(r.BloodType), r.Amount, string(r.Urgency), r.Location, description)
	if err != nil {
		return Result[struct{}]{}, err
	}
	if !res.IsOk() {
		return Rejected[struct{}](res.Message()), nil
	}
	return Ok(struct{}{}), nil
}

// FulfillRequest закрывает запрос крови донацией донора.
// Успех возвращает текстовое подтверждение canister.
func (g *Gateway) FulfillRequest(ctx context.Context, requestID, donorID string) (Result[string], error) {
	h, err := g.handle()
	if err != nil {
		return Result[string]{}, err
	}
	res, err := g.client.update(ctx, h, g.donation, "fulfillBloodRequest", requestID, donorID)
	if err != nil {
		return Result[string]{}, err
	}
	if !res.IsOk() {
		return Rejected[string](res.Message()), nil
	}
	return Ok(DecodeText(res.Value())), nil
}

// --- Donation canister: запросы ---

// FetchDonations загружает и нормализует все донации.
func (g *Gateway) FetchDonations(ctx context.Context) ([]model.Donation, error) {
	h, err := g.handle()
	if err != nil {
		return nil, err
	}
	raw, err := g.client.query(ctx, h, g.donation, "getDonations")
	if err != nil {
		return nil, err
	}

	now := g.now()
	items, skipped, err := decodeList(raw, "donation", func(v any, i int) (model.Donation, error) {
		return DecodeDonation(v, i, now)
	})
	if err != nil {
		return nil, err
	}
	g.logSkipped(skipped)
	return items, nil
}

// FetchRequests загружает и нормализует все запросы крови.
func (g *Gateway) FetchRequests(ctx context.Context) ([]model.BloodRequest, error) {
	h, err := g.handle()
	if err != nil {
		return nil, err
	}
	raw, err := g.client.query(ctx, h, g.donation, "getBloodRequests")
	if err != nil {
		return nil, err
	}

	now := g.now()
	items, skipped, err := decodeList(raw, "request", func(v any, i int) (model.BloodRequest, error) {
		return DecodeRequest(v, i, now)
	})
	if err != nil {
		return nil, err
	}
	g.logSkipped(skipped)
	return items, nil
}

// FetchStats загружает агрегированную статистику платформы.
func (g *Gateway) FetchStats(ctx context.Context) (model.PlatformStats, error) {
	h, err := g.handle()
	if err != nil {
		return model.PlatformStats{}, err
	}
	raw, err := g.client.query(ctx, h, g.donation, "getPlatformStats")
	if err != nil {
		return model.PlatformStats{}, err
	}
	return DecodeStats(raw)
}

// FetchDonorProfile загружает профиль донора. nil - донор не зарегистрирован.
func (g *Gateway) FetchDonorProfile(ctx context.Context, principal string) (*model.DonorProfile, error) {
	h, err := g.handle()
	if err != nil {
		return nil, err
	}
	raw, err := g.client.query(ctx, h, g.donation, "getDonorProfile", principal)
	if err != nil {
		return nil, err
	}
	return DecodeDonorProfile(raw, principal, g.now())
}

// --- NFT canister ---

// mintArgs - запись аргумента mintDonationCertificate.
type mintArgs struct {
	To         string `json:"to"`
	DonationID string `json:"donationId"`
	BloodType  string `json:"bloodType"`
	Amount     int64  `json:"amount"`
	Location   string `json:"location"`
	Timestamp  int64  `json:"timestamp"`
}

// MintCertificate выпускает сертификат донора. Успех возвращает ID токена.
func (g *Gateway) MintCertificate(ctx context.Context, m MintRequest) (Result[uint64], error) {
	h, err := g.handle()
	if err != nil {
		return Result[uint64]{}, err
	}

	res, err := g.client.update(ctx, h, g.nft, "mintDonationCertificate", mintArgs{
		To:         m.To,
		DonationID: m.DonationID,
		BloodType:  string(m.BloodType),
		Amount:     m.Amount,
		Location:   m.Location,
		Timestamp:  m.Timestamp.UnixNano(),
	})
	if err != nil {
		return Result[uint64]{}, err
	}
	if !res.IsOk() {
		return Rejected[uint64](res.Message()), nil
	}

	tokenID, err := DecodeNat(res.Value(), "token_id")
	if err != nil {
		return Result[uint64]{}, &CallError{Canister: g.nft, Method: "mintDonationCertificate", Err: err}
	}
	return Ok(tokenID), nil
}

// FetchOwnedCertificates загружает сертификаты текущего пользователя:
// список токенов и метаданные каждого (параллельно, через кэш).
// Токены без метаданных или с ошибкой загрузки пропускаются. Если не удалось
// загрузить метаданные ни одного токена или ctx отменён, возвращается ошибка.
func (g *Gateway) FetchOwnedCertificates(ctx context.Context) ([]model.Certificate, error) {
	h, err := g.handle()
	if err != nil {
		return nil, err
	}

	raw, err := g.client.query(ctx, h, g.nft, "getTokensByOwner", h.Principal)
	if err != nil {
		return nil, err
	}
	tokenIDs, skipped, err := DecodeNatList(raw, "token_id")
	if err != nil {
		return nil, err
	}
	g.logSkipped(skipped)

	certs := make([]*model.Certificate, len(tokenIDs))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(metadataConcurrency)
	var (
		mu       sync.Mutex
		missing  int
		failed   int
		firstErr error
	)

	for i, tokenID := range tokenIDs {
		eg.Go(func() error {
			cert, err := g.tokenMetadata(egctx, h, tokenID)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			if cert == nil {
				mu.Lock()
				missing++
				mu.Unlock()
				return nil
			}
			certs[i] = cert
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 && failed == len(tokenIDs) {
		return nil, firstErr
	}

	if missing > 0 {
		g.logger.Debug("Сертификаты без метаданных пропущены", slog.Int("count", missing))
	}

	out := make([]model.Certificate, 0, len(certs))
	for _, c := range certs {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// tokenMetadata загружает метаданные токена (с кэшем).
// nil без ошибки - метаданных нет или они некорректны; ошибка - вызов не удался.
func (g *Gateway) tokenMetadata(ctx context.Context, h *identity.Handle, tokenID uint64) (*model.Certificate, error) {
	if g.metadata != nil {
		if cert, ok := g.metadata.Get(tokenID); ok {
			return cert, nil
		}
	}

	raw, err := g.client.query(ctx, h, g.nft, "getTokenMetadata", tokenID)
	if err != nil {
		g.logger.Warn("Не удалось загрузить метаданные сертификата",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	cert, err := DecodeCertificate(raw, tokenID, h.Principal, g.now())
	if err != nil {
		g.logger.Debug("Некорректные метаданные сертификата",
			slog.Uint64("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	if cert != nil && g.metadata != nil {
		g.metadata.Set(tokenID, cert)
	}
	return cert, nil
}

// TransferCertificate передаёт сертификат другому principal.
func (g *Gateway) TransferCertificate(ctx context.Context, tokenID uint64, to string) (Result[string], error) {
	h, err := g.handle()
	if err != nil {
		return Result[string]{}, err
	}
	res, err := g.client.update(ctx, h, g.nft, "transferToken", tokenID, to)
	if err != nil {
		return Result[string]{}, err
	}
	if !res.IsOk() {
		return Rejected[string](res.Message()), nil
	}
	if g.metadata != nil {
		g.metadata.Delete(tokenID)
	}
	return Ok(DecodeText(res.Value())), nil
}

// TotalSupply возвращает общее число выпущенных сертификатов.
func (g *Gateway) TotalSupply(ctx context.Context) (uint64, error) {
	h, err := g.handle()
	if err != nil {
		return 0, err
	}
	raw, err := g.client.query(ctx, h, g.nft, "getTotalSupply")
	if err != nil {
		return 0, err
	}
	return DecodeNat(raw, "total_supply")
}

// logSkipped логирует элементы, пропущенные при нормализации.
func (g *Gateway) logSkipped(skipped []error) {
	for _, err := range skipped {
		g.logger.Debug("Элемент ответа пропущен", slog.String("error", err.Error()))
	}
}

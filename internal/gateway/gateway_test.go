package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/bloodlink/internal/domain/model"
	"github.com/bigkaa/bloodlink/internal/identity"
	"github.com/bigkaa/bloodlink/internal/ledgermock"
)

const (
	testDonationCanister = "donation-canister"
	testNFTCanister      = "nft-canister"
	testPrincipal        = "donor-principal-1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession - источник Handle для тестов.
type fakeSession struct {
	h *identity.Handle
}

func (s *fakeSession) Handle() *identity.Handle { return s.h }

func connectedSession(principal string) *fakeSession {
	return &fakeSession{h: &identity.Handle{
		Principal:   principal,
		AccessToken: "token-" + principal,
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
}

// memoryCache - простой MetadataCache для тестов.
type memoryCache struct {
	mu    sync.Mutex
	items map[uint64]*model.Certificate
	hits  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: make(map[uint64]*model.Certificate)}
}

func (c *memoryCache) Get(id uint64) (*model.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cert, ok := c.items[id]
	if ok {
		c.hits++
	}
	return cert, ok
}

func (c *memoryCache) Set(id uint64, cert *model.Certificate) {
	c.mu.Lock()
	c.items[id] = cert
	c.mu.Unlock()
}

func (c *memoryCache) Delete(id uint64) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

func newTestGateway(t *testing.T, session HandleSource, cache MetadataCache) (*Gateway, *ledgermock.Ledger) {
	t.Helper()
	ledger := ledgermock.New(testDonationCanister, testNFTCanister)
	srv := httptest.NewServer(ledger)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, 5*time.Second, "/api/v2/status", testLogger())
	gw := New(client, session, Config{
		DonationCanisterID: testDonationCanister,
		NFTCanisterID:      testNFTCanister,
		Metadata:           cache,
	}, testLogger())
	return gw, ledger
}

func TestGateway_NotAuthenticated(t *testing.T) {
	gw, ledger := newTestGateway(t, &fakeSession{}, nil)
	ctx := context.Background()

	if _, err := gw.RegisterDonor(ctx, "Ada", model.BloodOPos, "Lagos"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("RegisterDonor: ожидалась ErrNotAuthenticated, получено %v", err)
	}
	if _, err := gw.RecordDonation(ctx, model.DonationDraft{BloodType: model.BloodAPos, Amount: 450}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("RecordDonation: ожидалась ErrNotAuthenticated, получено %v", err)
	}
	if _, err := gw.FetchDonations(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("FetchDonations: ожидалась ErrNotAuthenticated, получено %v", err)
	}
	if _, err := gw.FetchOwnedCertificates(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("FetchOwnedCertificates: ожидалась ErrNotAuthenticated, получено %v", err)
	}
	if n := ledger.TotalCalls(); n != 0 {
		t.Errorf("без сессии не должно быть вызовов ledger, получено %d", n)
	}
}

func TestGateway_RegisterDonor(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	res, err := gw.RegisterDonor(ctx, "Ada", model.BloodOPos, "Lagos")
	if err != nil {
		t.Fatalf("RegisterDonor: %v", err)
	}
	if !res.IsOk() {
		t.Fatalf("ожидался ok, получен отказ %q", res.Message())
	}

	// Повторная регистрация - отказ canister, не транспортная ошибка
	res, err = gw.RegisterDonor(ctx, "Ada", model.BloodOPos, "Lagos")
	if err != nil {
		t.Fatalf("повторная регистрация: неожиданная ошибка %v", err)
	}
	if res.IsOk() || res.Message() != "Donor already registered" {
		t.Errorf("ожидался отказ 'Donor already registered', получено ok=%v msg=%q", res.IsOk(), res.Message())
	}
	if n := ledger.Calls("registerDonor"); n != 2 {
		t.Errorf("registerDonor вызван %d раз, ожидалось 2", n)
	}
}

func TestGateway_TransportError(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ledger.FailMethod("createBloodRequest")

	_, err := gw.CreateRequest(context.Background(), model.RequestDraft{
		BloodType: model.BloodBPos, Amount: 2, Urgency: model.UrgencyHigh, Location: "Abuja",
	})
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("ожидалась CallError, получено %v", err)
	}
	if callErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, ожидалось 503", callErr.Status)
	}
	if callErr.Method != "createBloodRequest" {
		t.Errorf("Method = %q", callErr.Method)
	}
}

func TestGateway_RecordDonationMintsCertificate(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	res, err := gw.RecordDonation(ctx, model.DonationDraft{BloodType: model.BloodAPos, Amount: 450, Location: "Ibadan"})
	if err != nil {
		t.Fatalf("RecordDonation: %v", err)
	}
	if !res.IsOk() {
		t.Fatalf("ожидался ok, получен отказ %q", res.Message())
	}
	rec := res.Value()
	if rec.DonationID == "" {
		t.Error("DonationID пуст")
	}
	if rec.CertificateTokenID == nil || *rec.CertificateTokenID != 1 {
		t.Errorf("CertificateTokenID = %v, ожидалось 1", rec.CertificateTokenID)
	}
	if n := ledger.Calls("mintDonationCertificate"); n != 1 {
		t.Errorf("mintDonationCertificate вызван %d раз, ожидалось 1", n)
	}

	donations, err := gw.FetchDonations(ctx)
	if err != nil {
		t.Fatalf("FetchDonations: %v", err)
	}
	if len(donations) != 1 {
		t.Fatalf("ожидалась 1 донация, получено %d", len(donations))
	}
	d := donations[0]
	if d.DonorID != testPrincipal || d.Amount != 450 || d.Location != "Ibadan" {
		t.Errorf("неожиданная донация: %+v", d)
	}
	if d.Status != model.DonationPending {
		t.Errorf("Status = %q, ожидалось pending (не verified)", d.Status)
	}
	if d.RecipientID != nil {
		t.Errorf("RecipientID = %v, ожидалось nil", *d.RecipientID)
	}
	if d.CertificateTokenID == nil || *d.CertificateTokenID != 1 {
		t.Errorf("CertificateTokenID донации = %v", d.CertificateTokenID)
	}
}

func TestGateway_RecordDonationMintFailureIsSwallowed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(l *ledgermock.Ledger)
	}{
		{"транспортная ошибка выпуска", func(l *ledgermock.Ledger) { l.FailMethod("mintDonationCertificate") }},
		{"отказ canister при выпуске", func(l *ledgermock.Ledger) { l.RejectMethod("mintDonationCertificate", "minting paused") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
			tt.setup(ledger)

			res, err := gw.RecordDonation(context.Background(), model.DonationDraft{BloodType: model.BloodONeg, Amount: 300})
			if err != nil {
				t.Fatalf("ошибка выпуска не должна влиять на запись донации: %v", err)
			}
			if !res.IsOk() {
				t.Fatalf("ожидался ok, получен отказ %q", res.Message())
			}
			if res.Value().CertificateTokenID != nil {
				t.Errorf("CertificateTokenID = %v, ожидалось nil", *res.Value().CertificateTokenID)
			}
			if n := ledger.Calls("mintDonationCertificate"); n != 1 {
				t.Errorf("mintDonationCertificate вызван %d раз, ожидалось 1", n)
			}
		})
	}
}

func TestGateway_RecordDonationRejected(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ledger.RejectMethod("recordDonation", "Donor not registered")

	res, err := gw.RecordDonation(context.Background(), model.DonationDraft{BloodType: model.BloodONeg, Amount: 300})
	if err != nil {
		t.Fatalf("RecordDonation: %v", err)
	}
	if res.IsOk() || res.Message() != "Donor not registered" {
		t.Errorf("ожидался отказ, получено ok=%v msg=%q", res.IsOk(), res.Message())
	}
	if n := ledger.Calls("mintDonationCertificate"); n != 0 {
		t.Errorf("после отказа выпуск не выполняется, вызовов %d", n)
	}
}

func TestGateway_RequestsAndFulfill(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	desc := "Surgery"
	res, err := gw.CreateRequest(ctx, model.RequestDraft{
		BloodType: model.BloodBPos, Amount: 3, Urgency: model.UrgencyCritical, Location: "Abuja", Description: &desc,
	})
	if err != nil || !res.IsOk() {
		t.Fatalf("CreateRequest: err=%v ok=%v", err, res.IsOk())
	}

	requests, err := gw.FetchRequests(ctx)
	if err != nil {
		t.Fatalf("FetchRequests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("ожидался 1 запрос, получено %d", len(requests))
	}
	r := requests[0]
	if r.Status != model.RequestOpen || r.Urgency != model.UrgencyCritical || r.Amount != 3 {
		t.Errorf("неожиданный запрос: %+v", r)
	}
	if r.Description == nil || *r.Description != desc {
		t.Errorf("Description = %v", r.Description)
	}

	fres, err := gw.FulfillRequest(ctx, r.ID, testPrincipal)
	if err != nil || !fres.IsOk() {
		t.Fatalf("FulfillRequest: err=%v ok=%v", err, fres.IsOk())
	}
	if fres.Value() == "" {
		t.Error("ожидалось текстовое подтверждение")
	}

	// Повторное закрытие - отказ
	fres, err = gw.FulfillRequest(ctx, r.ID, testPrincipal)
	if err != nil {
		t.Fatalf("повторный FulfillRequest: %v", err)
	}
	if fres.IsOk() {
		t.Error("повторное закрытие должно быть отклонено")
	}

	stored, _ := ledger.Request(r.ID)
	if stored.Status != "fulfilled" {
		t.Errorf("статус в ledger = %q", stored.Status)
	}
}

func TestGateway_FetchDonationsNormalization(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return now }

	ledger.SetRawReply("getDonations", `[{"timestamp":"0","verified":true}, 42, {"id":"d-2","amount":"100","bloodType":"AB-","location":"Kano","timestamp":"1700000000123456789","recipientId":["r-1"],"txHash":["0xabc"]}]`)

	donations, err := gw.FetchDonations(context.Background())
	if err != nil {
		t.Fatalf("FetchDonations: %v", err)
	}
	if len(donations) != 2 {
		t.Fatalf("ожидалось 2 донации (не-объект пропущен), получено %d", len(donations))
	}

	d := donations[0]
	if d.ID != "donation-0" {
		t.Errorf("ID = %q, ожидалось donation-0", d.ID)
	}
	if d.BloodType != model.BloodOPos {
		t.Errorf("BloodType = %q, ожидалось O+", d.BloodType)
	}
	if d.Location != "Unknown Location" {
		t.Errorf("Location = %q", d.Location)
	}
	if d.Amount != 450 {
		t.Errorf("Amount = %d, ожидалось 450", d.Amount)
	}
	if !d.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, ожидалось %v", d.Timestamp, now)
	}
	if d.Status != model.DonationCompleted {
		t.Errorf("Status = %q, ожидалось completed (verified)", d.Status)
	}
	if d.DonorID != "unknown" {
		t.Errorf("DonorID = %q", d.DonorID)
	}

	d2 := donations[1]
	if d2.ID != "d-2" || d2.Amount != 100 || d2.BloodType != model.BloodABNeg {
		t.Errorf("неожиданная вторая донация: %+v", d2)
	}
	if want := time.UnixMilli(1700000000123).UTC(); !d2.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, ожидалось %v", d2.Timestamp, want)
	}
	if d2.RecipientID == nil || *d2.RecipientID != "r-1" {
		t.Errorf("RecipientID = %v", d2.RecipientID)
	}
	if d2.TransactionRef == nil || *d2.TransactionRef != "0xabc" {
		t.Errorf("TransactionRef = %v", d2.TransactionRef)
	}
}

func TestGateway_FetchNonArrayIsDecodeError(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ledger.SetRawReply("getBloodRequests", `{"not":"a list"}`)

	_, err := gw.FetchRequests(context.Background())
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("ожидалась DecodeError, получено %v", err)
	}
}

func TestGateway_FetchStats(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	if _, err := gw.RegisterDonor(ctx, "Ada", model.BloodOPos, "Lagos"); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.RecordDonation(ctx, model.DonationDraft{BloodType: model.BloodOPos, Amount: 450}); err != nil {
		t.Fatal(err)
	}

	stats, err := gw.FetchStats(ctx)
	if err != nil {
		t.Fatalf("FetchStats: %v", err)
	}
	want := model.PlatformStats{TotalDonations: 1, TotalRequests: 0, TotalDonors: 1, VerifiedDonations: 0}
	if stats != want {
		t.Errorf("stats = %+v, ожидалось %+v", stats, want)
	}

	ledger.SetRawReply("getPlatformStats", `{"totalDonations":"340282366920938463463374607431768211455"}`)
	stats, err = gw.FetchStats(ctx)
	if err != nil {
		t.Fatalf("FetchStats: %v", err)
	}
	if stats.TotalDonations != ^uint64(0) {
		t.Errorf("большое nat должно насыщаться, получено %d", stats.TotalDonations)
	}
}

func TestGateway_DonorProfile(t *testing.T) {
	gw, _ := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	profile, err := gw.FetchDonorProfile(ctx, testPrincipal)
	if err != nil {
		t.Fatalf("FetchDonorProfile: %v", err)
	}
	if profile != nil {
		t.Fatalf("незарегистрированный донор: ожидался nil, получено %+v", profile)
	}

	if _, err := gw.RegisterDonor(ctx, "Ada", model.BloodABPos, "Enugu"); err != nil {
		t.Fatal(err)
	}
	profile, err = gw.FetchDonorProfile(ctx, testPrincipal)
	if err != nil {
		t.Fatalf("FetchDonorProfile: %v", err)
	}
	if profile == nil || profile.Name != "Ada" || profile.BloodType != model.BloodABPos || profile.Principal != testPrincipal {
		t.Errorf("неожиданный профиль: %+v", profile)
	}
}

func TestGateway_CertificatesAndTransfer(t *testing.T) {
	cache := newMemoryCache()
	session := connectedSession(testPrincipal)
	gw, ledger := newTestGateway(t, session, cache)
	ctx := context.Background()

	for range 3 {
		if _, err := gw.RecordDonation(ctx, model.DonationDraft{BloodType: model.BloodOPos, Amount: 450}); err != nil {
			t.Fatal(err)
		}
	}

	certs, err := gw.FetchOwnedCertificates(ctx)
	if err != nil {
		t.Fatalf("FetchOwnedCertificates: %v", err)
	}
	if len(certs) != 3 {
		t.Fatalf("ожидалось 3 сертификата, получено %d", len(certs))
	}
	for i, c := range certs {
		if c.TokenID != uint64(i+1) || c.Owner != testPrincipal {
			t.Errorf("сертификат %d: %+v", i, c)
		}
	}
	if n := ledger.Calls("getTokenMetadata"); n != 3 {
		t.Errorf("getTokenMetadata вызван %d раз, ожидалось 3", n)
	}

	// Повторная загрузка - метаданные из кэша
	if _, err := gw.FetchOwnedCertificates(ctx); err != nil {
		t.Fatal(err)
	}
	if n := ledger.Calls("getTokenMetadata"); n != 3 {
		t.Errorf("повторная загрузка должна использовать кэш, вызовов %d", n)
	}

	tres, err := gw.TransferCertificate(ctx, 2, "other-principal")
	if err != nil || !tres.IsOk() {
		t.Fatalf("TransferCertificate: err=%v ok=%v", err, tres.IsOk())
	}
	if _, ok := cache.Get(2); ok {
		t.Error("после передачи запись кэша должна быть удалена")
	}

	certs, err = gw.FetchOwnedCertificates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(certs) != 2 {
		t.Errorf("после передачи ожидалось 2 сертификата, получено %d", len(certs))
	}

	// Чужой токен передать нельзя
	tres, err = gw.TransferCertificate(ctx, 2, testPrincipal)
	if err != nil {
		t.Fatal(err)
	}
	if tres.IsOk() {
		t.Error("передача чужого токена должна быть отклонена")
	}

	supply, err := gw.TotalSupply(ctx)
	if err != nil || supply != 3 {
		t.Errorf("TotalSupply = %d, err=%v", supply, err)
	}
}

func TestGateway_CertificatesWithoutMetadataDropped(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ledger.SetRawReply("getTokensByOwner", `["7", 8, "bad"]`)
	ledger.SetRawReply("getTokenMetadata", `[]`)

	certs, err := gw.FetchOwnedCertificates(context.Background())
	if err != nil {
		t.Fatalf("FetchOwnedCertificates: %v", err)
	}
	if len(certs) != 0 {
		t.Errorf("токены без метаданных должны быть пропущены, получено %d", len(certs))
	}
	if n := ledger.Calls("getTokenMetadata"); n != 2 {
		t.Errorf("getTokenMetadata вызван %d раз, ожидалось 2", n)
	}
}

func TestGateway_CertificatesMetadataUnavailable(t *testing.T) {
	gw, ledger := newTestGateway(t, connectedSession(testPrincipal), nil)
	ctx := context.Background()

	for range 2 {
		if _, err := gw.RecordDonation(ctx, model.DonationDraft{BloodType: model.BloodOPos, Amount: 450}); err != nil {
			t.Fatal(err)
		}
	}
	ledger.FailMethod("getTokenMetadata")

	certs, err := gw.FetchOwnedCertificates(ctx)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("ожидалась CallError, получено certs=%v err=%v", certs, err)
	}
	if callErr.Method != "getTokenMetadata" {
		t.Errorf("Method = %q", callErr.Method)
	}
}

func TestClient_Ping(t *testing.T) {
	ledger := ledgermock.New(testDonationCanister, testNFTCanister)
	srv := httptest.NewServer(ledger)
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, "/api/v2/status", testLogger())
	checker := NewReadinessChecker(client)

	if status, msg := checker.CheckReady(); status != "ok" {
		t.Errorf("CheckReady = %s (%s), ожидалось ok", status, msg)
	}

	ledger.SetDown(true)
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("CheckReady = %s, ожидалось fail", status)
	}
}

func TestClient_Unauthorized(t *testing.T) {
	ledger := ledgermock.New(testDonationCanister, testNFTCanister)
	srv := httptest.NewServer(ledger)
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, "/api/v2/status", testLogger())
	_, err := client.query(context.Background(), &identity.Handle{Principal: "p"}, testDonationCanister, "getDonations")

	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Status != http.StatusUnauthorized {
		t.Errorf("ожидалась CallError 401, получено %v", err)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/bloodlink/internal/gateway"
	"github.com/bigkaa/bloodlink/internal/identity"
	"github.com/bigkaa/bloodlink/internal/ledgermock"
	"github.com/bigkaa/bloodlink/internal/service"
)

const (
	testDonationCanister = "donation-canister"
	testNFTCanister      = "nft-canister"
	testPrincipal        = "2vxsx-fae"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession - сессия для тестов: реализует service.Session и gateway.HandleSource.
type fakeSession struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
}

func (s *fakeSession) Initialize(context.Context) bool { return s.Connected() }

func (s *fakeSession) BeginLogin(redirectURI string) (*identity.LoginRequest, error) {
	return &identity.LoginRequest{
		AuthorizeURL: "http://idp.local/authorize?state=s1&redirect_uri=" + redirectURI,
		State:        "s1",
	}, nil
}

func (s *fakeSession) Connect(_ context.Context, cb identity.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	if cb.State != "s1" {
		return identity.ErrUnknownState
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Disconnect(context.Context) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeSession) State() identity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return identity.State{}
	}
	p := testPrincipal
	return identity.State{Connected: true, Principal: &p}
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Handle() *identity.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return &identity.Handle{Principal: testPrincipal, AccessToken: "token", ExpiresAt: time.Now().Add(time.Hour)}
}

type testAPI struct {
	router  http.Handler
	ledger  *ledgermock.Ledger
	session *fakeSession
}

// newTestAPI собирает обработчики поверх реального Platform и ledger mock.
func newTestAPI(t *testing.T, connected bool, opts Options) *testAPI {
	t.Helper()

	ledger := ledgermock.New(testDonationCanister, testNFTCanister)
	srv := httptest.NewServer(ledger)
	t.Cleanup(srv.Close)

	session := &fakeSession{connected: connected}
	certs := service.NewCertificateCache(100, time.Minute)
	client := gateway.NewClient(srv.URL, 5*time.Second, "/api/v2/status", testLogger())
	gw := gateway.New(client, session, gateway.Config{
		DonationCanisterID: testDonationCanister,
		NFTCanisterID:      testNFTCanister,
		Metadata:           certs,
	}, testLogger())
	cache := service.NewStateCache(gw, true, testLogger())
	notifier := service.NewNotifier(50, testLogger())
	platform := service.NewPlatform(session, gw, cache, notifier, service.PlatformConfig{
		Canisters:    service.CanisterIDs{Donation: testDonationCanister, NFT: testNFTCanister},
		Certificates: certs,
	}, testLogger())

	health := NewHealthHandler(gateway.NewReadinessChecker(client), nil)
	h := NewAPIHandler(health, platform, notifier, opts, testLogger())

	r := chi.NewRouter()
	r.Get("/health/live", h.HealthLive)
	r.Get("/health/ready", h.HealthReady)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/login", h.BeginLogin)
		r.Get("/session/callback", h.LoginCallback)
		r.Post("/session/logout", h.Logout)
		r.Post("/participants", h.RegisterDonor)
		r.Get("/participants/{principal}", h.GetDonorProfile)
		r.Get("/donations", h.ListDonations)
		r.Post("/donations", h.RecordDonation)
		r.Get("/requests", h.ListRequests)
		r.Post("/requests", h.CreateRequest)
		r.Post("/requests/{id}/fulfill", h.FulfillRequest)
		r.Post("/refresh", h.Refresh)
		r.Get("/stats", h.GetStats)
		r.Get("/certificates", h.ListCertificates)
		r.Post("/certificates/{tokenId}/transfer", h.TransferCertificate)
		r.Get("/notifications", h.ListNotifications)
	})

	return &testAPI{router: r, ledger: ledger, session: session}
}

func (a *testAPI) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("Ошибка декодирования ответа: %v", err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("Статус = %d, ожидался %d (тело: %s)", rec.Code, status, rec.Body.String())
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.Error.Code != code {
		t.Errorf("Код ошибки = %q, ожидался %q", resp.Error.Code, code)
	}
}

// --- Health ---

func TestHealthLive(t *testing.T) {
	api := newTestAPI(t, false, Options{})
	rec := api.do(t, http.MethodGet, "/health/live", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("Статус = %d, ожидался 200", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Status != statusOK || resp.Service != serviceName {
		t.Errorf("Ответ = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		down       bool
		wantStatus int
		want       string
	}{
		{"ledger доступен", false, http.StatusOK, statusOK},
		{"ledger недоступен", true, http.StatusServiceUnavailable, statusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, false, Options{})
			api.ledger.SetDown(tt.down)

			rec := api.do(t, http.MethodGet, "/health/ready", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("Статус = %d, ожидался %d", rec.Code, tt.wantStatus)
			}
			resp := decodeBody[healthResponse](t, rec)
			if resp.Status != tt.want {
				t.Errorf("status = %q, ожидался %q", resp.Status, tt.want)
			}
			if _, ok := resp.Checks["ledger"]; !ok {
				t.Error("Нет проверки ledger в ответе")
			}
		})
	}
}

func TestHealthReady_SessionStore(t *testing.T) {
	h := NewHealthHandler(
		NewPingChecker(func(context.Context) error { return nil }),
		NewPingChecker(func(context.Context) error { return errors.New("connection refused") }),
	)
	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Статус = %d, ожидался 503", rec.Code)
	}
	resp := decodeBody[healthResponse](t, rec)
	if resp.Checks["session_store"].Status != statusFail {
		t.Errorf("session_store = %+v, ожидался fail", resp.Checks["session_store"])
	}
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"ok", "ok"}, "ok"},
		{[]string{"ok", "degraded"}, "degraded"},
		{[]string{"degraded", "fail"}, "fail"},
		{nil, "ok"},
	}
	for _, tt := range tests {
		if got := overallStatus(tt.in...); got != tt.want {
			t.Errorf("overallStatus(%v) = %q, ожидался %q", tt.in, got, tt.want)
		}
	}
}

// --- Сессия ---

func TestSession_LoginFlow(t *testing.T) {
	api := newTestAPI(t, false, Options{CallbackURL: "http://localhost:8040/api/v1/session/callback"})

	rec := api.do(t, http.MethodPost, "/api/v1/session/login", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: статус = %d", rec.Code)
	}
	login := decodeBody[identity.LoginRequest](t, rec)
	if login.State != "s1" || !strings.Contains(login.AuthorizeURL, "session/callback") {
		t.Errorf("login = %+v", login)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/session/callback?state=s1&code=c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	status := decodeBody[service.Status](t, rec)
	if !status.Connected || status.Principal == nil || *status.Principal != testPrincipal {
		t.Errorf("status = %+v", status)
	}
	if status.Canisters.Donation != testDonationCanister {
		t.Errorf("canisters = %+v", status.Canisters)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/session/logout", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: статус = %d", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/v1/session", "")
	if decodeBody[service.Status](t, rec).Connected {
		t.Error("Сессия активна после logout")
	}
}

func TestSession_CallbackRedirect(t *testing.T) {
	api := newTestAPI(t, false, Options{PostLoginRedirect: "http://app.local/"})

	rec := api.do(t, http.MethodGet, "/api/v1/session/callback?state=s1&code=c1", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("Статус = %d, ожидался 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "http://app.local/" {
		t.Errorf("Location = %q", loc)
	}
}

func TestSession_CallbackErrors(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		target     string
		wantStatus int
		wantCode   string
	}{
		{"нет state", nil, "/api/v1/session/callback?code=c1", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"неизвестный state", nil, "/api/v1/session/callback?state=zzz&code=c1", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"вход отменён", identity.ErrLoginDenied, "/api/v1/session/callback?state=s1&error=access_denied", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"IdP недоступен", fmt.Errorf("обмен кода: %w", identity.ErrLoginFailed), "/api/v1/session/callback?state=s1&code=c1", http.StatusBadGateway, "IDP_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, false, Options{})
			api.session.connectErr = tt.connectErr

			rec := api.do(t, http.MethodGet, tt.target, "")
			expectError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

// --- Донации ---

func TestRegisterDonor(t *testing.T) {
	api := newTestAPI(t, true, Options{})
	body := `{"name":"Ada","blood_type":"O+","location":"Lagos"}`

	rec := api.do(t, http.MethodPost, "/api/v1/participants", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Статус = %d, ожидался 201 (тело: %s)", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/v1/participants/"+testPrincipal, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("profile: статус = %d", rec.Code)
	}
	if p := decodeBody[map[string]any](t, rec); p["name"] != "Ada" {
		t.Errorf("profile = %v", p)
	}

	// Повторная регистрация отклоняется ledger
	rec = api.do(t, http.MethodPost, "/api/v1/participants", body)
	expectError(t, rec, http.StatusUnprocessableEntity, "REJECTED")
}

func TestGetDonorProfile_NotFound(t *testing.T) {
	api := newTestAPI(t, true, Options{})
	rec := api.do(t, http.MethodGet, "/api/v1/participants/aaaaa-aa", "")
	expectError(t, rec, http.StatusNotFound, "NOT_FOUND")
}

func TestRecordDonation(t *testing.T) {
	api := newTestAPI(t, true, Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/donations", `{"blood_type":"A+","amount":450,"location":"Москва"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Статус = %d, ожидался 201 (тело: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[recordedDonationResponse](t, rec)
	if resp.DonationID == "" {
		t.Error("Пустой donation_id")
	}
	if resp.CertificateTokenID == nil || *resp.CertificateTokenID != 1 {
		t.Errorf("certificate_token_id = %v, ожидался 1", resp.CertificateTokenID)
	}

	// Кэш обновлён после записи
	rec = api.do(t, http.MethodGet, "/api/v1/donations?participant="+testPrincipal, "")
	list := decodeBody[listResponse[map[string]any]](t, rec)
	if list.Total != 1 {
		t.Fatalf("total = %d, ожидался 1", list.Total)
	}
	if list.Items[0]["status"] != "pending" {
		t.Errorf("status = %v, ожидался pending", list.Items[0]["status"])
	}
}

func TestRecordDonation_Errors(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		body       string
		setup      func(l *ledgermock.Ledger)
		wantStatus int
		wantCode   string
	}{
		{
			name: "без сессии", connected: false,
			body:       `{"blood_type":"A+","amount":450,"location":"Москва"}`,
			wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED",
		},
		{
			name: "некорректный JSON", connected: true,
			body:       `{"blood_type":`,
			wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR",
		},
		{
			name: "пустое тело", connected: true,
			body:       "",
			wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR",
		},
		{
			name: "нулевой объём", connected: true,
			body:       `{"blood_type":"A+","amount":0,"location":"Москва"}`,
			wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR",
		},
		{
			name: "ledger отклонил", connected: true,
			body:       `{"blood_type":"A+","amount":450,"location":"Москва"}`,
			setup:      func(l *ledgermock.Ledger) { l.RejectMethod("recordDonation", "Donor not registered") },
			wantStatus: http.StatusUnprocessableEntity, wantCode: "REJECTED",
		},
		{
			name: "ledger недоступен", connected: true,
			body:       `{"blood_type":"A+","amount":450,"location":"Москва"}`,
			setup:      func(l *ledgermock.Ledger) { l.FailMethod("recordDonation") },
			wantStatus: http.StatusBadGateway, wantCode: "LEDGER_UNAVAILABLE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, tt.connected, Options{})
			if tt.setup != nil {
				tt.setup(api.ledger)
			}
			rec := api.do(t, http.MethodPost, "/api/v1/donations", tt.body)
			expectError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestRefresh(t *testing.T) {
	t.Run("без сессии", func(t *testing.T) {
		api := newTestAPI(t, false, Options{})
		rec := api.do(t, http.MethodPost, "/api/v1/refresh", "")
		expectError(t, rec, http.StatusUnauthorized, "UNAUTHORIZED")

		// Пустой кэш заполнен демо-данными
		rec = api.do(t, http.MethodGet, "/api/v1/donations", "")
		if decodeBody[listResponse[map[string]any]](t, rec).Total == 0 {
			t.Error("Ожидались демо-донации после неудачного обновления")
		}
	})

	t.Run("с сессией", func(t *testing.T) {
		api := newTestAPI(t, true, Options{})
		api.ledger.AddRequest(ledgermock.Request{RecipientID: testPrincipal, BloodType: "B-", Amount: 2, Urgency: "high", Location: "Казань"})

		rec := api.do(t, http.MethodPost, "/api/v1/refresh", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("Статус = %d (тело: %s)", rec.Code, rec.Body.String())
		}
		summary := decodeBody[service.Summary](t, rec)
		if summary.Requests != 1 || summary.Demo {
			t.Errorf("summary = %+v", summary)
		}
	})
}

func TestGetStats(t *testing.T) {
	api := newTestAPI(t, true, Options{})
	api.do(t, http.MethodPost, "/api/v1/donations", `{"blood_type":"A+","amount":450,"location":"Москва"}`)

	rec := api.do(t, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	stats := decodeBody[statsResponse](t, rec)
	if stats.TotalDonations != 1 {
		t.Errorf("total_donations = %d, ожидался 1", stats.TotalDonations)
	}
	if stats.TotalCertificates != 1 {
		t.Errorf("total_certificates = %d, ожидался 1", stats.TotalCertificates)
	}
}

// --- Запросы крови ---

func TestRequests_CreateListFulfill(t *testing.T) {
	api := newTestAPI(t, true, Options{})

	rec := api.do(t, http.MethodPost, "/api/v1/requests",
		`{"blood_type":"AB-","amount":3,"urgency":"critical","location":"Тверь","description":"ДТП"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/v1/requests", "")
	open := decodeBody[listResponse[map[string]any]](t, rec)
	if open.Total != 1 {
		t.Fatalf("open total = %d, ожидался 1", open.Total)
	}
	id, _ := open.Items[0]["id"].(string)

	rec = api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/fulfill", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fulfill: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	if msg := decodeBody[confirmationResponse](t, rec).Message; !strings.Contains(msg, id) {
		t.Errorf("message = %q", msg)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/requests", "")
	if decodeBody[listResponse[map[string]any]](t, rec).Total != 0 {
		t.Error("Закрытый запрос остался среди открытых")
	}
	rec = api.do(t, http.MethodGet, "/api/v1/requests?status=all", "")
	if decodeBody[listResponse[map[string]any]](t, rec).Total != 1 {
		t.Error("status=all должен вернуть закрытый запрос")
	}

	// Повторное закрытие отклоняется локально, без вызова ledger
	before := api.ledger.Calls("fulfillBloodRequest")
	rec = api.do(t, http.MethodPost, "/api/v1/requests/"+id+"/fulfill", `{"donor_id":"`+testPrincipal+`"}`)
	expectError(t, rec, http.StatusConflict, "INVALID_TRANSITION")
	if after := api.ledger.Calls("fulfillBloodRequest"); after != before {
		t.Errorf("fulfillBloodRequest вызван %d раз, ожидалось %d", after, before)
	}
}

func TestRequests_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"неизвестный фильтр", http.MethodGet, "/api/v1/requests?status=closed", "", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"неизвестная срочность", http.MethodPost, "/api/v1/requests",
			`{"blood_type":"AB-","amount":3,"urgency":"asap","location":"Тверь"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"несуществующий запрос", http.MethodPost, "/api/v1/requests/req-404/fulfill", "", http.StatusUnprocessableEntity, "REJECTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, true, Options{})
			rec := api.do(t, tt.method, tt.target, tt.body)
			expectError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

// --- Сертификаты ---

func TestCertificates_ListAndTransfer(t *testing.T) {
	api := newTestAPI(t, true, Options{})
	api.do(t, http.MethodPost, "/api/v1/donations", `{"blood_type":"O-","amount":500,"location":"Сочи"}`)

	rec := api.do(t, http.MethodGet, "/api/v1/certificates", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}
	certs := decodeBody[listResponse[map[string]any]](t, rec)
	if certs.Total != 1 {
		t.Fatalf("total = %d, ожидался 1", certs.Total)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/certificates/1/transfer", `{"to":"aaaaa-aa"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: статус = %d (тело: %s)", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/v1/certificates", "")
	if decodeBody[listResponse[map[string]any]](t, rec).Total != 0 {
		t.Error("Переданный сертификат остался у отправителя")
	}
}

func TestTransferCertificate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"нечисловой tokenId", "/api/v1/certificates/abc/transfer", `{"to":"aaaaa-aa"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"нет получателя", "/api/v1/certificates/1/transfer", `{"to":""}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"нет сертификата", "/api/v1/certificates/99/transfer", `{"to":"aaaaa-aa"}`, http.StatusUnprocessableEntity, "REJECTED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, true, Options{})
			rec := api.do(t, http.MethodPost, tt.target, tt.body)
			expectError(t, rec, tt.wantStatus, tt.wantCode)
		})
	}
}

// --- Уведомления ---

func TestListNotifications(t *testing.T) {
	api := newTestAPI(t, false, Options{})
	api.do(t, http.MethodPost, "/api/v1/donations", `{"blood_type":"A+","amount":450,"location":"Москва"}`)

	rec := api.do(t, http.MethodGet, "/api/v1/notifications", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Статус = %d", rec.Code)
	}
	list := decodeBody[listResponse[service.Notification]](t, rec)
	if list.Total == 0 {
		t.Fatal("Ожидалось уведомление о необходимости входа")
	}
	if list.Items[0].Level != service.LevelError {
		t.Errorf("level = %q, ожидался error", list.Items[0].Level)
	}
}

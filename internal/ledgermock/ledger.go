// Пакет ledgermock - in-memory реализация протокола вызовов canister
// (donation + NFT) для тестов и локальной разработки.
// Поведение повторяет canister: ok/err-варианты, nat как строки, время в наносекундах,
// opt как массивы из 0/1 элемента.
package ledgermock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Donation - запись донации в хранилище mock.
type Donation struct {
	ID          string
	DonorID     string
	RecipientID string
	BloodType   string
	Amount      uint64
	Location    string
	Timestamp   time.Time
	Verified    bool
	TokenID     *uint64
}

// Request - запись запроса крови в хранилище mock.
type Request struct {
	ID          string
	RecipientID string
	BloodType   string
	Amount      uint64
	Urgency     string
	Location    string
	Timestamp   time.Time
	Status      string
	Description string
}

type donor struct {
	Name         string
	BloodType    string
	Location     string
	RegisteredAt time.Time
}

type token struct {
	Owner      string
	DonationID string
	BloodType  string
	Amount     uint64
	Location   string
	Timestamp  int64
}

// Ledger - in-memory ledger, реализует http.Handler.
type Ledger struct {
	donationCanister string
	nftCanister      string

	mu        sync.Mutex
	donations []Donation
	requests  []Request
	donors    map[string]donor
	tokens    map[uint64]token
	nextToken uint64
	seq       int

	calls     map[string]int
	failing   map[string]int
	rejecting map[string]string
	raw       map[string]string
	down      bool
}

// New создаёт пустой ledger для указанных canister.
func New(donationCanister, nftCanister string) *Ledger {
	return &Ledger{
		donationCanister: donationCanister,
		nftCanister:      nftCanister,
		donors:           make(map[string]donor),
		tokens:           make(map[uint64]token),
		nextToken:        1,
		calls:            make(map[string]int),
		failing:          make(map[string]int),
		rejecting:        make(map[string]string),
		raw:              make(map[string]string),
	}
}

// --- Управление поведением (для тестов) ---

// Calls возвращает число вызовов метода.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// TotalCalls возвращает общее число вызовов canister.
func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

// FailMethod заставляет метод отвечать HTTP 503.
func (l *Ledger) FailMethod(method string) {
	l.mu.Lock()
	l.failing[method] = -1
	l.mu.Unlock()
}

// RejectMethod заставляет изменяющий метод возвращать {"err": msg}.
func (l *Ledger) RejectMethod(method, msg string) {
	l.mu.Lock()
	l.rejecting[method] = msg
	l.mu.Unlock()
}

// SetRawReply задаёт сырой JSON reply/ok для метода (проверка нормализации).
func (l *Ledger) SetRawReply(method, rawJSON string) {
	l.mu.Lock()
	l.raw[method] = rawJSON
	l.mu.Unlock()
}

// SetDown переводит ledger в состояние «недоступен» (все вызовы - 503).
func (l *Ledger) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

// Reset снимает все сбои и отказы.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.failing = make(map[string]int)
	l.rejecting = make(map[string]string)
	l.raw = make(map[string]string)
	l.down = false
	l.mu.Unlock()
}

// AddRequest добавляет запрос крови напрямую (сидирование).
func (l *Ledger) AddRequest(r Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.ID == "" {
		l.seq++
		r.ID = fmt.Sprintf("req-%d", l.seq)
	}
	if r.Status == "" {
		r.Status = "open"
	}
	l.requests = append(l.requests, r)
}

// VerifyDonation отмечает донацию подтверждённой (переход ledger pending → completed).
func (l *Ledger) VerifyDonation(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.donations {
		if l.donations[i].ID == id {
			l.donations[i].Verified = true
			return true
		}
	}
	return false
}

// Request возвращает запрос крови по ID.
func (l *Ledger) Request(id string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.requests {
		if r.ID == id {
			return r, true
		}
	}
	return Request{}, false
}

// --- HTTP ---

type callBody struct {
	Args []any `json:"args"`
}

// ServeHTTP обрабатывает health и вызовы canister.
func (l *Ledger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/api/v2/status" {
		l.mu.Lock()
		down := l.down
		l.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}

	// /api/v1/canisters/{canister}/{kind}/{method}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if r.Method != http.MethodPost || len(parts) != 6 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "canisters" {
		http.NotFound(w, r)
		return
	}
	canister, kind, method := parts[3], parts[4], parts[5]

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing bearer token"})
		return
	}
	caller := r.Header.Get("X-Principal")

	var body callBody
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[method]++
	if l.down || l.failing[method] != 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if raw, ok := l.raw[method]; ok {
		key := "reply"
		if kind == "call" {
			key = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{%q:%s}`, key, raw)
		return
	}
	if msg, ok := l.rejecting[method]; ok && kind == "call" {
		writeJSON(w, http.StatusOK, map[string]any{"err": msg})
		return
	}

	var (
		value  any
		errMsg string
		found  bool
	)
	switch canister {
	case l.donationCanister:
		value, errMsg, found = l.donationCall(method, caller, body.Args)
	case l.nftCanister:
		value, errMsg, found = l.nftCall(method, caller, body.Args)
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown canister method " + canister + "." + method})
		return
	}

	switch {
	case errMsg != "":
		writeJSON(w, http.StatusOK, map[string]any{"err": errMsg})
	case kind == "call":
		writeJSON(w, http.StatusOK, map[string]any{"ok": value})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"reply": value})
	}
}

// donationCall - методы donation canister. Вызывается под l.mu.
func (l *Ledger) donationCall(method, caller string, args []any) (any, string, bool) {
	switch method {
	case "registerDonor":
		if _, ok := l.donors[caller]; ok {
			return nil, "Donor already registered", true
		}
		l.donors[caller] = donor{
			Name: argText(args, 0), BloodType: argText(args, 1), Location: argText(args, 2),
			RegisteredAt: time.Now(),
		}
		return map[string]any{}, "", true

	case "recordDonation":
		amount := argNat(args, 2)
		if amount == 0 {
			return nil, "Amount must be positive", true
		}
		l.seq++
		d := Donation{
			ID:          fmt.Sprintf("don-%d", l.seq),
			DonorID:     caller,
			RecipientID: argOptText(args, 0),
			BloodType:   argText(args, 1),
			Amount:      amount,
			Location:    argText(args, 3),
			Timestamp:   time.Now(),
		}
		l.donations = append(l.donations, d)
		return map[string]any{"id": d.ID}, "", true

	case "createBloodRequest":
		l.seq++
		l.requests = append(l.requests, Request{
			ID:          fmt.Sprintf("req-%d", l.seq),
			RecipientID: caller,
			BloodType:   argText(args, 0),
			Amount:      argNat(args, 1),
			Urgency:     argText(args, 2),
			Location:    argText(args, 3),
			Timestamp:   time.Now(),
			Status:      "open",
			Description: argOptText(args, 4),
		})
		return map[string]any{}, "", true

	case "fulfillBloodRequest":
		id := argText(args, 0)
		for i := range l.requests {
			if l.requests[i].ID != id {
				continue
			}
			if l.requests[i].Status != "open" {
				return nil, "Request is not open", true
			}
			l.requests[i].Status = "fulfilled"
			return "Request " + id + " fulfilled", "", true
		}
		return nil, "Request not found", true

	case "getDonations":
		out := make([]any, 0, len(l.donations))
		for _, d := range l.donations {
			out = append(out, renderDonation(d))
		}
		return out, "", true

	case "getBloodRequests":
		out := make([]any, 0, len(l.requests))
		for _, r := range l.requests {
			out = append(out, renderRequest(r))
		}
		return out, "", true

	case "getDonorProfile":
		p := argText(args, 0)
		d, ok := l.donors[p]
		if !ok {
			return []any{}, "", true
		}
		total := 0
		for _, don := range l.donations {
			if don.DonorID == p {
				total++
			}
		}
		return []any{map[string]any{
			"id":             p,
			"name":           d.Name,
			"bloodType":      d.BloodType,
			"location":       d.Location,
			"registeredAt":   strconv.FormatInt(d.RegisteredAt.UnixNano(), 10),
			"totalDonations": strconv.Itoa(total),
		}}, "", true

	case "getPlatformStats":
		verified := 0
		for _, d := range l.donations {
			if d.Verified {
				verified++
			}
		}
		return map[string]any{
			"totalDonations":    strconv.Itoa(len(l.donations)),
			"totalRequests":     strconv.Itoa(len(l.requests)),
			"totalDonors":       strconv.Itoa(len(l.donors)),
			"verifiedDonations": strconv.Itoa(verified),
		}, "", true
	}
	return nil, "", false
}

// nftCall - методы NFT canister. Вызывается под l.mu.
func (l *Ledger) nftCall(method, caller string, args []any) (any, string, bool) {
	switch method {
	case "mintDonationCertificate":
		rec, _ := arg(args, 0).(map[string]any)
		if rec == nil {
			return nil, "Invalid mint request", true
		}
		id := l.nextToken
		l.nextToken++
		l.tokens[id] = token{
			Owner:      textField(rec, "to"),
			DonationID: textField(rec, "donationId"),
			BloodType:  textField(rec, "bloodType"),
			Amount:     natField(rec["amount"]),
			Location:   textField(rec, "location"),
			Timestamp:  int64(natField(rec["timestamp"])),
		}
		for i := range l.donations {
			if l.donations[i].ID == textField(rec, "donationId") {
				tid := id
				l.donations[i].TokenID = &tid
			}
		}
		return strconv.FormatUint(id, 10), "", true

	case "getTokensByOwner":
		owner := argText(args, 0)
		out := []any{}
		for id := uint64(1); id < l.nextToken; id++ {
			if t, ok := l.tokens[id]; ok && t.Owner == owner {
				out = append(out, strconv.FormatUint(id, 10))
			}
		}
		return out, "", true

	case "getTokenMetadata":
		t, ok := l.tokens[argNat(args, 0)]
		if !ok {
			return []any{}, "", true
		}
		return []any{map[string]any{
			"owner":      t.Owner,
			"donationId": t.DonationID,
			"bloodType":  t.BloodType,
			"amount":     strconv.FormatUint(t.Amount, 10),
			"location":   t.Location,
			"timestamp":  strconv.FormatInt(t.Timestamp, 10),
		}}, "", true

	case "transferToken":
		id := argNat(args, 0)
		t, ok := l.tokens[id]
		if !ok {
			return nil, "Token not found", true
		}
		if t.Owner != caller {
			return nil, "Not the token owner", true
		}
		t.Owner = argText(args, 1)
		l.tokens[id] = t
		return "Token transferred", "", true

	case "getTotalSupply":
		return strconv.Itoa(len(l.tokens)), "", true
	}
	return nil, "", false
}

// --- Представление записей в форме canister ---

func renderDonation(d Donation) map[string]any {
	m := map[string]any{
		"id":          d.ID,
		"donorId":     d.DonorID,
		"recipientId": optArray(d.RecipientID),
		"bloodType":   d.BloodType,
		"amount":      strconv.FormatUint(d.Amount, 10),
		"timestamp":   strconv.FormatInt(d.Timestamp.UnixNano(), 10),
		"location":    d.Location,
		"verified":    d.Verified,
		"txHash":      optArray(""),
		"nftTokenId":  []any{},
	}
	if d.TokenID != nil {
		m["nftTokenId"] = []any{strconv.FormatUint(*d.TokenID, 10)}
	}
	return m
}

func renderRequest(r Request) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"recipientId": r.RecipientID,
		"bloodType":   r.BloodType,
		"amount":      strconv.FormatUint(r.Amount, 10),
		"urgency":     map[string]any{r.Urgency: nil},
		"location":    r.Location,
		"timestamp":   strconv.FormatInt(r.Timestamp.UnixNano(), 10),
		"status":      map[string]any{r.Status: nil},
		"description": optArray(r.Description),
	}
}

func optArray(s string) []any {
	if s == "" {
		return []any{}
	}
	return []any{s}
}

// --- Разбор аргументов ---

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func argText(args []any, i int) string {
	s, _ := arg(args, i).(string)
	return s
}

func argOptText(args []any, i int) string {
	if list, ok := arg(args, i).([]any); ok && len(list) > 0 {
		s, _ := list[0].(string)
		return s
	}
	return ""
}

func argNat(args []any, i int) uint64 {
	return natField(arg(args, i))
}

func textField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func natField(v any) uint64 {
	switch n := v.(type) {
	case json.Number:
		u, _ := strconv.ParseUint(n.String(), 10, 64)
		return u
	case string:
		u, _ := strconv.ParseUint(n, 10, 64)
		return u
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// decode.go - единая граница нормализации ответов ledger.
//
// Ответы canister приходят в «терпимой» форме: поля могут отсутствовать,
// opt-значения - массивы из 0/1 элемента, nat - JSON-строки или числа
// произвольной точности, время - наносекунды. Здесь они превращаются
// в доменные записи с документированными значениями по умолчанию.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/bigkaa/bloodlink/internal/domain/model"
)

// Значения по умолчанию при нормализации.
const (
	DefaultBloodType      = model.BloodOPos
	DefaultLocation       = "Unknown Location"
	DefaultDonorID        = "unknown"
	DefaultDonationAmount = 450
	DefaultRequestAmount  = 1
	DefaultUrgency        = model.UrgencyMedium
)

// parseValue разбирает JSON в дерево any с json.Number для чисел.
func parseValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeList разбирает список записей. Не-массив - DecodeError, null - пустой список.
// Элементы, которые не удалось декодировать, пропускаются и возвращаются в skipped.
func decodeList[T any](raw json.RawMessage, what string, fn func(v any, index int) (T, error)) (items []T, skipped []error, err error) {
	v, err := parseValue(raw)
	if err != nil {
		return nil, nil, &DecodeError{What: what, Index: -1, Reason: err.Error()}
	}
	if v == nil {
		return []T{}, nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, nil, &DecodeError{What: what, Index: -1, Reason: fmt.Sprintf("ожидался массив, получено %T", v)}
	}

	items = make([]T, 0, len(list))
	for i, elem := range list {
		item, err := fn(elem, i)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		items = append(items, item)
	}
	return items, skipped, nil
}

// DecodeDonation нормализует запись донации. index используется
// для синтетического ID, now - для отсутствующего времени.
func DecodeDonation(v any, index int, now time.Time) (model.Donation, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return model.Donation{}, &DecodeError{What: "donation", Index: index, Reason: fmt.Sprintf("ожидался объект, получено %T", v)}
	}

	verified, _ := obj["verified"].(bool)

	d := model.Donation{
		ID:             textOr(obj, "id", fmt.Sprintf("donation-%d", index)),
		DonorID:        principalOr(obj["donorId"], DefaultDonorID),
		RecipientID:    optText(obj["recipientId"]),
		BloodType:      bloodTypeOr(obj),
		Amount:         natInt64Or(obj["amount"], DefaultDonationAmount),
		Timestamp:      nsTime(obj["timestamp"], now),
		Location:       textOr(obj, "location", DefaultLocation),
		TransactionRef: optText(obj["txHash"]),
		Verified:       verified,
	}

	status, ok := model.ParseDonationStatus(variantTag(obj["status"]))
	switch {
	case ok:
		d.Status = status
	case verified:
		d.Status = model.DonationCompleted
	default:
		d.Status = model.DonationPending
	}

	if tokenID, ok := optNat(obj["nftTokenId"]); ok {
		d.CertificateTokenID = &tokenID
	}
	return d, nil
}

// DecodeRequest нормализует запись запроса крови.
func DecodeRequest(v any, index int, now time.Time) (model.BloodRequest, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return model.BloodRequest{}, &DecodeError{What: "request", Index: index, Reason: fmt.Sprintf("ожидался объект, получено %T", v)}
	}

	r := model.BloodRequest{
		ID:          textOr(obj, "id", fmt.Sprintf("request-%d", index)),
		RecipientID: principalOr(obj["recipientId"], DefaultDonorID),
		BloodType:   bloodTypeOr(obj),
		Amount:      natInt64Or(obj["amount"], DefaultRequestAmount),
		Urgency:     urgencyOr(obj["urgency"]),
		Location:    textOr(obj, "location", DefaultLocation),
		Timestamp:   nsTime(obj["timestamp"], now),
		Status:      model.RequestOpen,
		Description: optText(obj["description"]),
	}
	if status, ok := model.ParseRequestStatus(variantTag(obj["status"])); ok {
		r.Status = status
	}
	return r, nil
}

// DecodeStats нормализует агрегированную статистику. Отсутствующие поля - 0.
func DecodeStats(raw json.RawMessage) (model.PlatformStats, error) {
	v, err := parseValue(raw)
	if err != nil {
		return model.PlatformStats{}, &DecodeError{What: "stats", Index: -1, Reason: err.Error()}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return model.PlatformStats{}, &DecodeError{What: "stats", Index: -1, Reason: fmt.Sprintf("ожидался объект, получено %T", v)}
	}
	return model.PlatformStats{
		TotalDonations:    natOr(obj["totalDonations"], 0),
		TotalRequests:     natOr(obj["totalRequests"], 0),
		TotalDonors:       natOr(obj["totalDonors"], 0),
		VerifiedDonations: natOr(obj["verifiedDonations"], 0),
	}, nil
}

// DecodeDonorProfile нормализует opt-профиль донора. nil - профиля нет.
func DecodeDonorProfile(raw json.RawMessage, principal string, now time.Time) (*model.DonorProfile, error) {
	v, err := parseValue(raw)
	if err != nil {
		return nil, &DecodeError{What: "profile", Index: -1, Reason: err.Error()}
	}
	inner, present := unwrapOpt(v)
	if !present {
		return nil, nil
	}
	obj, ok := inner.(map[string]any)
	if !ok {
		return nil, &DecodeError{What: "profile", Index: -1, Reason: fmt.Sprintf("ожидался объект, получено %T", inner)}
	}
	return &model.DonorProfile{
		Principal:      principalOr(obj["id"], principal),
		Name:           textOr(obj, "name", ""),
		BloodType:      bloodTypeOr(obj),
		Location:       textOr(obj, "location", DefaultLocation),
		RegisteredAt:   nsTime(obj["registeredAt"], now),
		TotalDonations: natOr(obj["totalDonations"], 0),
	}, nil
}

// DecodeCertificate нормализует opt-метаданные токена. nil - метаданных нет.
func DecodeCertificate(raw json.RawMessage, tokenID uint64, owner string, now time.Time) (*model.Certificate, error) {
	v, err := parseValue(raw)
	if err != nil {
		return nil, &DecodeError{What: "certificate", Index: -1, Reason: err.Error()}
	}
	inner, present := unwrapOpt(v)
	if !present {
		return nil, nil
	}
	obj, ok := inner.(map[string]any)
	if !ok {
		return nil, &DecodeError{What: "certificate", Index: -1, Reason: fmt.Sprintf("ожидался объект, получено %T", inner)}
	}
	return &model.Certificate{
		TokenID:    tokenID,
		Owner:      principalOr(obj["owner"], owner),
		DonationID: textOr(obj, "donationId", ""),
		BloodType:  bloodTypeOr(obj),
		Amount:     natInt64Or(obj["amount"], DefaultDonationAmount),
		Location:   textOr(obj, "location", DefaultLocation),
		IssuedAt:   nsTime(obj["timestamp"], now),
	}, nil
}

// DecodeNat разбирает одиночное nat-значение.
func DecodeNat(raw json.RawMessage, what string) (uint64, error) {
	v, err := parseValue(raw)
	if err != nil {
		return 0, &DecodeError{What: what, Index: -1, Reason: err.Error()}
	}
	n, ok := natValue(v)
	if !ok {
		return 0, &DecodeError{What: what, Index: -1, Reason: fmt.Sprintf("ожидалось nat, получено %T", v)}
	}
	return saturateUint64(n), nil
}

// DecodeNatList разбирает vec nat (ID токенов). Некорректные элементы пропускаются.
func DecodeNatList(raw json.RawMessage, what string) ([]uint64, []error, error) {
	return decodeList(raw, what, func(v any, i int) (uint64, error) {
		n, ok := natValue(v)
		if !ok {
			return 0, &DecodeError{What: what, Index: i, Reason: fmt.Sprintf("ожидалось nat, получено %T", v)}
		}
		return saturateUint64(n), nil
	})
}

// DecodeText разбирает текстовый ok-результат (null - пустая строка).
func DecodeText(raw json.RawMessage) string {
	v, err := parseValue(raw)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// --- Вспомогательные функции ---

// textOr возвращает непустую строку поля или def.
func textOr(obj map[string]any, key, def string) string {
	if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

// bloodTypeOr извлекает группу крови. Неизвестное значение - DefaultBloodType.
func bloodTypeOr(obj map[string]any) model.BloodType {
	if bt := model.BloodType(textOr(obj, "bloodType", "")); bt.Valid() {
		return bt
	}
	return DefaultBloodType
}

// urgencyOr извлекает срочность из variant или текста. Неизвестное значение - DefaultUrgency.
func urgencyOr(v any) model.Urgency {
	if u := model.Urgency(variantTag(v)); u.Valid() {
		return u
	}
	return DefaultUrgency
}

// principalOr извлекает principal: текст или объект {"__principal__": "..."}.
func principalOr(v any, def string) string {
	switch p := v.(type) {
	case string:
		if p != "" {
			return p
		}
	case map[string]any:
		if s, ok := p["__principal__"].(string); ok && s != "" {
			return s
		}
	}
	return def
}

// unwrapOpt раскрывает opt: [] - отсутствует, [x] - x.
// Не-массивное ненулевое значение принимается как присутствующее.
func unwrapOpt(v any) (any, bool) {
	switch o := v.(type) {
	case nil:
		return nil, false
	case []any:
		if len(o) == 0 || o[0] == nil {
			return nil, false
		}
		return o[0], true
	default:
		return v, true
	}
}

// optText раскрывает opt text в *string.
func optText(v any) *string {
	inner, ok := unwrapOpt(v)
	if !ok {
		return nil
	}
	s := principalOr(inner, "")
	if s == "" {
		return nil
	}
	return &s
}

// optNat раскрывает opt nat.
func optNat(v any) (uint64, bool) {
	inner, ok := unwrapOpt(v)
	if !ok {
		return 0, false
	}
	n, ok := natValue(inner)
	if !ok {
		return 0, false
	}
	return saturateUint64(n), true
}

// variantTag извлекает тег варианта: "open" или {"open": null}.
func variantTag(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if len(t) == 1 {
			for k := range t {
				return k
			}
		}
	}
	return ""
}

// natValue разбирает nat из json.Number или строки произвольной точности.
func natValue(v any) (*big.Int, bool) {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = strings.ReplaceAll(n, "_", "")
	default:
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// natOr возвращает nat как uint64 или def при отсутствии.
func natOr(v any, def uint64) uint64 {
	n, ok := natValue(v)
	if !ok {
		return def
	}
	return saturateUint64(n)
}

// natInt64Or возвращает положительный nat как int64; 0 и отсутствие - def.
func natInt64Or(v any, def int64) int64 {
	n, ok := natValue(v)
	if !ok || n.Sign() == 0 {
		return def
	}
	if !n.IsInt64() {
		return math.MaxInt64
	}
	return n.Int64()
}

// saturateUint64 приводит big.Int к uint64 с насыщением.
func saturateUint64(n *big.Int) uint64 {
	if !n.IsUint64() {
		return math.MaxUint64
	}
	return n.Uint64()
}

// nsTime переводит наносекунды в time.Time (с точностью до миллисекунд).
// 0 или отсутствие - now.
func nsTime(v any, now time.Time) time.Time {
	n, ok := natValue(v)
	if !ok || n.Sign() == 0 {
		return now
	}
	ms := new(big.Int).Quo(n, big.NewInt(int64(time.Millisecond)))
	if !ms.IsInt64() {
		return now
	}
	return time.UnixMilli(ms.Int64()).UTC()
}

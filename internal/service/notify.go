// notify.go - журнал пользовательских уведомлений об исходе операций.
// Хранит последние N уведомлений в памяти, новые - первыми.
package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bl_notifications_total",
	Help: "Количество уведомлений по уровню.",
}, []string{"level"})

// Level - уровень уведомления.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification - одно уведомление.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier - кольцевой буфер уведомлений.
type Notifier struct {
	mu     sync.Mutex
	items  []Notification
	next   int
	full   bool
	now    func() time.Time
	logger *slog.Logger
}

// NewNotifier создаёт журнал на limit уведомлений (минимум 1).
func NewNotifier(limit int, logger *slog.Logger) *Notifier {
	if limit < 1 {
		limit = 1
	}
	return &Notifier{
		items:  make([]Notification, limit),
		now:    time.Now,
		logger: logger.With(slog.String("component", "notifier")),
	}
}

// Success публикует уведомление об успехе.
func (n *Notifier) Success(msg string) { n.post(LevelSuccess, msg) }

// Error публикует уведомление об ошибке.
func (n *Notifier) Error(msg string) { n.post(LevelError, msg) }

// Info публикует информационное уведомление.
func (n *Notifier) Info(msg string) { n.post(LevelInfo, msg) }

func (n *Notifier) post(level Level, msg string) {
	notificationsTotal.WithLabelValues(string(level)).Inc()
	n.logger.Debug("Уведомление", slog.String("level", string(level)), slog.String("message", msg))

	n.mu.Lock()
	defer n.mu.Unlock()
	n.items[n.next] = Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   msg,
		CreatedAt: n.now(),
	}
	n.next = (n.next + 1) % len(n.items)
	if n.next == 0 {
		n.full = true
	}
}

// List возвращает уведомления, новые первыми.
func (n *Notifier) List() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := n.next
	if n.full {
		count = len(n.items)
	}
	out := make([]Notification, 0, count)
	for i := 1; i <= count; i++ {
		idx := (n.next - i + len(n.items)) % len(n.items)
		out = append(out, n.items[idx])
	}
	return out
}

// Latest возвращает последнее уведомление.
func (n *Notifier) Latest() (Notification, bool) {
	list := n.List()
	if len(list) == 0 {
		return Notification{}, false
	}
	return list[0], true
}

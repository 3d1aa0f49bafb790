package ratelimit

import (
	"sync"
	"time"
)

// Limiter — скользящее окно на ключ (идентичность устройства).
// Используется для телеметрии и логов; основной путь синхронизации
// он не блокирует: при сомнении отвечаем Allow.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow отмечает обращение и сообщает, укладывается ли ключ в лимит.
func (l *Limiter) Allow(key string) bool {
	if l == nil || key == "" {
		// fail open
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cut := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

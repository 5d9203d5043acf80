package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// keyedLocks — таблица именованных мьютексов, аналог pg_advisory_xact_lock для одного процесса.
// Записи создаются по требованию и удаляются, когда ими никто не пользуется.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*lockEntry)}
}

// acquire блокируется до получения ключа или отмены ctx.
func (l *keyedLocks) acquire(ctx context.Context, name string) error {
	l.mu.Lock()
	entry, ok := l.entries[name]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[name] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(name, entry)
		l.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", domain.ErrLockTimeout, name, ctx.Err())
	}
}

func (l *keyedLocks) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[name]
	if !ok {
		return
	}
	<-entry.sem
	l.unref(name, entry)
}

func (l *keyedLocks) unref(name string, entry *lockEntry) {
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, name)
	}
}

// size возвращает число живых записей (используется в тестах).
func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

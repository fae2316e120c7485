package command

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"deribit-hedger/internal/state"
)

const (
	LabelPrefix     = "manual_api_"
	labelCounterKey = "labels:manual:next"
)

// Labeler hands out manual order labels manual_api_<n> and remembers which
// ones were issued so the most recent can be cancelled.
type Labeler struct {
	mu     sync.Mutex
	store  state.Store
	next   int
	issued []int
}

func NewLabeler(store state.Store) *Labeler {
	return &Labeler{store: store}
}

// Restore continues numbering after the persisted counter and after any
// manual label still present on open orders.
func (l *Labeler) Restore(ctx context.Context, openLabels []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		raw, ok, err := l.store.Get(ctx, labelCounterKey)
		if err != nil {
			return err
		}
		if ok {
			if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > l.next {
				l.next = n
			}
		}
	}
	for _, label := range openLabels {
		n, ok := labelNumber(label)
		if !ok {
			continue
		}
		l.issued = append(l.issued, n)
		if n+1 > l.next {
			l.next = n + 1
		}
	}
	sort.Ints(l.issued)
	return nil
}

func (l *Labeler) Peek() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LabelPrefix + strconv.Itoa(l.next)
}

// reserve issues n consecutive labels.
func (l *Labeler) reserve(ctx context.Context, n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, LabelPrefix+strconv.Itoa(l.next))
		l.issued = append(l.issued, l.next)
		l.next++
	}
	if l.store != nil {
		_ = l.store.Set(ctx, labelCounterKey, strconv.Itoa(l.next))
	}
	return out
}

// PopLast removes and returns the highest issued label.
func (l *Labeler) PopLast() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.issued) == 0 {
		return "", false
	}
	sort.Ints(l.issued)
	last := l.issued[len(l.issued)-1]
	l.issued = l.issued[:len(l.issued)-1]
	return LabelPrefix + strconv.Itoa(last), true
}

func labelNumber(label string) (int, bool) {
	if !strings.HasPrefix(label, LabelPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(label, LabelPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

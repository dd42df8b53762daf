package memstore

import (
	"context"
	"sync"

	"sponsorscout/internal/types"
)

// Ledger is an in-process billing.LedgerStore that keeps insertion order.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]types.LedgerEntry
	order   []string
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]types.LedgerEntry)}
}

func (l *Ledger) Append(_ context.Context, entry types.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[entry.ID]; ok {
		return nil
	}
	l.entries[entry.ID] = entry
	l.order = append(l.order, entry.ID)
	return nil
}

func (l *Ledger) Exists(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[id]
	return ok, nil
}

func (l *Ledger) ListForUser(_ context.Context, userID, periodKey string) ([]types.LedgerEntry, error) {
	return l.filter(userID, periodKey), nil
}

func (l *Ledger) ListByPeriod(_ context.Context, periodKey string) ([]types.LedgerEntry, error) {
	return l.filter("", periodKey), nil
}

// Len returns the number of stored entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) filter(userID, periodKey string) []types.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.LedgerEntry
	for _, id := range l.order {
		e := l.entries[id]
		if userID != "" && e.UserID != userID {
			continue
		}
		if periodKey != "" && e.BillingPeriodKey != periodKey {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Package receiptstest provides an in-memory receipts.Store.
package receiptstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"unipay/internal/receipts"
)

// MemoryStore enforces the same unique keys as the payment_receipts table.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	receipts []*receipts.Receipt

	// StaleReads makes that many LastCode calls report an empty sequence,
	// simulating a concurrent writer racing ahead.
	StaleReads int
	// Err, when set, is returned by every method.
	Err error
}

var _ receipts.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, r *receipts.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.receipts {
		switch {
		case existing.Code == r.Code:
			return fmt.Errorf("%w: %s", receipts.ErrCodeTaken, r.Code)
		case existing.SessionID == r.SessionID, existing.SourceEventID == r.SourceEventID:
			return fmt.Errorf("%w: session %s", receipts.ErrDuplicate, r.SessionID)
		}
	}
	s.nextID++
	r.ID = s.nextID
	c := *r
	s.receipts = append(s.receipts, &c)
	return nil
}

func (s *MemoryStore) GetByEventID(_ context.Context, eventID string) (*receipts.Receipt, error) {
	return s.find(func(r *receipts.Receipt) bool { return r.SourceEventID == eventID })
}

func (s *MemoryStore) GetBySessionID(_ context.Context, sessionID string) (*receipts.Receipt, error) {
	return s.find(func(r *receipts.Receipt) bool { return r.SessionID == sessionID })
}

func (s *MemoryStore) GetByCode(_ context.Context, code string) (*receipts.Receipt, error) {
	return s.find(func(r *receipts.Receipt) bool { return r.Code == code })
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID int64) ([]*receipts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	var out []*receipts.Receipt
	for _, r := range s.receipts {
		if r.SubjectID == subjectID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].PaidAt.After(out[j].PaidAt)
	})
	return out, nil
}

func (s *MemoryStore) LastCode(_ context.Context, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return "", s.Err
	}
	if s.StaleReads > 0 {
		s.StaleReads--
		return "", nil
	}
	last := ""
	for _, r := range s.receipts {
		if strings.HasPrefix(r.Code, prefix) && r.Code > last {
			last = r.Code
		}
	}
	return last, nil
}

// All returns every stored receipt in insertion order.
func (s *MemoryStore) All() []*receipts.Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*receipts.Receipt, len(s.receipts))
	for i, r := range s.receipts {
		c := *r
		out[i] = &c
	}
	return out
}

func (s *MemoryStore) find(match func(*receipts.Receipt) bool) (*receipts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.receipts {
		if match(r) {
			c := *r
			return &c, nil
		}
	}
	return nil, receipts.ErrNotFound
}

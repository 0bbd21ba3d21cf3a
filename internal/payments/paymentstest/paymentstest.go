// Package paymentstest provides in-memory doubles for the payments package.
package paymentstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"unipay/internal/common/events"
	"unipay/internal/payments"
)

// MemoryStore is a payments.Store backed by a map. Transition holds the
// store lock for its whole duration, like the row lock in Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int64
	byID      map[int64]*payments.Payment
	bySession map[string]int64

	// CreateErr, when set, is returned by Create.
	CreateErr error
}

var _ payments.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:    1000,
		byID:      make(map[int64]*payments.Payment),
		bySession: make(map[string]int64),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, ok := s.bySession[p.ExternalSessionID]; ok {
		return fmt.Errorf("%w: session %s already recorded", payments.ErrConflict, p.ExternalSessionID)
	}
	s.nextID++
	p.ID = s.nextID
	s.byID[p.ID] = clone(p)
	s.bySession[p.ExternalSessionID] = p.ID
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id int64) (*payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) GetBySessionID(_ context.Context, sessionID string) (*payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, payments.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID int64) ([]*payments.Payment, error) {
	return s.filter(func(p *payments.Payment) bool { return p.SubjectID == subjectID }, newestFirst), nil
}

func (s *MemoryStore) LatestSucceededEnrollment(_ context.Context, subjectID, periodID int64) (*payments.Payment, error) {
	found := s.filter(func(p *payments.Payment) bool {
		return p.SubjectID == subjectID && p.PeriodID == periodID &&
			p.Kind == payments.KindEnrollment && p.Status == payments.StatusSucceeded
	}, func(a, b *payments.Payment) bool {
		return a.SucceededAt.After(*b.SucceededAt)
	})
	if len(found) == 0 {
		return nil, payments.ErrNotFound
	}
	return found[0], nil
}

func (s *MemoryStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*payments.Payment, error) {
	found := s.filter(func(p *payments.Payment) bool {
		return p.Status == payments.StatusPending && p.CreatedAt.Before(createdBefore)
	}, func(a, b *payments.Payment) bool { return a.CreatedAt.Before(b.CreatedAt) })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (s *MemoryStore) Transition(_ context.Context, sessionID string, fn func(p *payments.Payment) error) (*payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.bySession[sessionID]
	if !ok {
		return nil, payments.ErrNotFound
	}
	p := clone(s.byID[id])
	if err := fn(p); err != nil {
		return clone(s.byID[id]), err
	}
	s.byID[id] = clone(p)
	return p, nil
}

// Put stores p as-is, keeping its ID. Useful to seed fixtures.
func (s *MemoryStore) Put(p *payments.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID > s.nextID {
		s.nextID = p.ID
	}
	s.byID[p.ID] = clone(p)
	s.bySession[p.ExternalSessionID] = p.ID
}

func (s *MemoryStore) filter(keep func(*payments.Payment) bool, less func(a, b *payments.Payment) bool) []*payments.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*payments.Payment
	for _, p := range s.byID {
		if keep(p) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func newestFirst(a, b *payments.Payment) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func clone(p *payments.Payment) *payments.Payment {
	c := *p
	c.Items = append([]payments.LineItem(nil), p.Items...)
	c.Metadata.Courses = append([]payments.CourseRef(nil), p.Metadata.Courses...)
	if p.SucceededAt != nil {
		t := *p.SucceededAt
		c.SucceededAt = &t
	}
	return &c
}

// Gateway is a payments.Gateway that keeps sessions in memory.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	sessions []*payments.SessionSnapshot
	Requests []*payments.SessionRequest

	// CreateErr, when set, is returned by CreateSession.
	CreateErr error
	// CustomerID is attached to every created session.
	CustomerID string
}

var _ payments.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{}
}

func (g *Gateway) CreateSession(_ context.Context, req *payments.SessionRequest) (*payments.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.seq++
	id := "cs_test_" + strconv.Itoa(g.seq)
	g.Requests = append(g.Requests, req)

	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	g.sessions = append(g.sessions, &payments.SessionSnapshot{
		ID:               id,
		Status:           payments.SessionOpen,
		PaymentStatus:    "unpaid",
		AmountTotalMinor: req.Amount.AmountMinor,
		Currency:         string(req.Amount.Currency),
		Metadata:         meta,
		CustomerID:       g.CustomerID,
	})
	return &payments.Session{ID: id, URL: "https://checkout.test/" + id, CustomerID: g.CustomerID}, nil
}

func (g *Gateway) GetSession(_ context.Context, sessionID string) (*payments.SessionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.sessions {
		if s.ID == sessionID {
			c := *s
			return &c, nil
		}
	}
	return nil, errors.New("no such checkout session: " + sessionID)
}

func (g *Gateway) FindSessionByPaymentIntent(_ context.Context, intentID string) (*payments.SessionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.sessions {
		if s.PaymentIntentID != "" && s.PaymentIntentID == intentID {
			c := *s
			return &c, nil
		}
	}
	return nil, nil
}

func (g *Gateway) FindSessionByCustomer(_ context.Context, customerID, intentID string) (*payments.SessionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var paid *payments.SessionSnapshot
	for i := len(g.sessions) - 1; i >= 0; i-- {
		s := g.sessions[i]
		if customerID == "" || s.CustomerID != customerID {
			continue
		}
		if s.PaymentIntentID == intentID {
			c := *s
			return &c, nil
		}
		if paid == nil && s.PaymentIntentID == "" && s.Paid() {
			paid = s
		}
	}
	if paid == nil {
		return nil, nil
	}
	c := *paid
	return &c, nil
}

// Add registers a session snapshot directly.
func (g *Gateway) Add(s *payments.SessionSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions = append(g.sessions, s)
}

// Complete marks a session paid, as the hosted checkout would.
func (g *Gateway) Complete(sessionID, intentID string) *payments.SessionSnapshot {
	return g.update(sessionID, func(s *payments.SessionSnapshot) {
		s.Status = payments.SessionComplete
		s.PaymentStatus = payments.PaymentStatusPaid
		s.PaymentIntentID = intentID
	})
}

// Expire marks a session expired.
func (g *Gateway) Expire(sessionID string) *payments.SessionSnapshot {
	return g.update(sessionID, func(s *payments.SessionSnapshot) {
		s.Status = payments.SessionExpired
	})
}

func (g *Gateway) update(sessionID string, fn func(*payments.SessionSnapshot)) *payments.SessionSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.sessions {
		if s.ID == sessionID {
			fn(s)
			c := *s
			return &c
		}
	}
	return nil
}

// Recorder is an events.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

var _ events.Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Types lists the published event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

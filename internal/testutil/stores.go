package testutil

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"

	"github.com/trackroute/trackroute/internal/model"
)

// RuleStore is an in-memory rule store. Newest-first ordering uses CreatedAt,
// then insertion order.
type RuleStore struct {
	mu          sync.RWMutex
	rules       map[string]*model.Rule
	seq         map[string]int
	next        int
	statsWrites int

	// Err, when set, is returned by every read.
	Err error
}

// NewRuleStore returns a store seeded with rules in creation order.
func NewRuleStore(rules ...*model.Rule) *RuleStore {
	s := &RuleStore{rules: make(map[string]*model.Rule), seq: make(map[string]int)}
	for _, r := range rules {
		s.Add(r)
	}
	return s
}

// Add stores a copy of r.
func (s *RuleStore) Add(r *model.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rules[r.ID] = &cp
	s.next++
	s.seq[r.ID] = s.next
}

// StatsWrites counts UpdateStats calls.
func (s *RuleStore) StatsWrites() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsWrites
}

func (s *RuleStore) sorted(keep func(*model.Rule) bool) []*model.Rule {
	out := make([]*model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.Rule) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(s.seq[b.ID], s.seq[a.ID])
	})
	return out
}

func (s *RuleStore) FindActiveByKey(_ context.Context, key string) ([]*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.sorted(func(r *model.Rule) bool {
		return r.IsActive() && (r.SourceURL == key || (r.TrackingCode != "" && r.TrackingCode == key))
	}), nil
}

func (s *RuleStore) ListActive(_ context.Context) ([]*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.sorted(func(r *model.Rule) bool { return r.IsActive() }), nil
}

func (s *RuleStore) GetByTrackingCode(_ context.Context, code string) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, r := range s.rules {
		if r.TrackingCode == code {
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *RuleStore) GetRule(_ context.Context, id string) (*model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	r, ok := s.rules[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *RuleStore) UpdateStats(_ context.Context, ruleID string, stats model.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return model.ErrNotFound
	}
	r.Stats = stats
	s.statsWrites++
	return nil
}

func (s *RuleStore) CreateRule(_ context.Context, rule *model.Rule) error {
	s.mu.Lock()
	if _, ok := s.rules[rule.ID]; ok {
		s.mu.Unlock()
		return model.ErrDuplicate
	}
	for _, r := range s.rules {
		if rule.TrackingCode != "" && r.TrackingCode == rule.TrackingCode {
			s.mu.Unlock()
			return model.ErrDuplicate
		}
	}
	s.mu.Unlock()
	s.Add(rule)
	return nil
}

func (s *RuleStore) UpdateRule(_ context.Context, rule *model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return model.ErrNotFound
	}
	cp := *rule
	cp.Stats = existing.Stats
	s.rules[rule.ID] = &cp
	return nil
}

func (s *RuleStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// ListRules pages newest-first. The cursor is an offset.
func (s *RuleStore) ListRules(_ context.Context, filter model.RuleFilter, cursor string, limit int) ([]*model.Rule, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", model.ErrInvalidCursor
		}
		offset = n
	}

	all := s.sorted(func(r *model.Rule) bool {
		return r.AccountID == filter.AccountID && (filter.Status == "" || r.Status == filter.Status)
	})
	if offset >= len(all) {
		return nil, "", nil
	}
	all = all[offset:]

	next := ""
	if len(all) > limit {
		all = all[:limit]
		next = strconv.Itoa(offset + limit)
	}
	return all, next, nil
}

func (s *RuleStore) TrackingCodeExists(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.TrackingCode == code {
			return true, nil
		}
	}
	return false, nil
}

// EventStore is an in-memory click, conversion and bounce store.
type EventStore struct {
	mu          sync.RWMutex
	clicks      map[string]*model.ClickEvent
	conversions []*model.ConversionEvent
	bounces     []*model.BounceEvent

	// ListFailures makes the next n ListClicks calls fail with Err.
	ListFailures int
	// Err is returned by ListClicks while ListFailures > 0, and by
	// RecordClick when RecordErr is unset.
	Err       error
	RecordErr error
}

// NewEventStore returns an empty store.
func NewEventStore() *EventStore {
	return &EventStore{clicks: make(map[string]*model.ClickEvent)}
}

func (s *EventStore) RecordClick(_ context.Context, click *model.ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	cp := *click
	s.clicks[click.ID] = &cp
	return nil
}

// BulkInsertClicks skips ids already stored and reports how many were new.
func (s *EventStore) BulkInsertClicks(_ context.Context, clicks []*model.ClickEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range clicks {
		if _, ok := s.clicks[c.ID]; ok {
			continue
		}
		cp := *c
		s.clicks[c.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (s *EventStore) GetClick(_ context.Context, id string) (*model.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clicks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *EventStore) LatestClick(_ context.Context, accountID, affiliateID, offerID string) (*model.ClickEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.ClickEvent
	for _, c := range s.clicks {
		if c.AccountID != accountID || c.AffiliateID != affiliateID || c.OfferID != offerID {
			continue
		}
		if latest == nil || c.ClickedAt.After(latest.ClickedAt) ||
			(c.ClickedAt.Equal(latest.ClickedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, model.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *EventStore) FindConversion(_ context.Context, clickID, externalID string) (*model.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversions {
		if c.ClickID == clickID && c.ExternalID == externalID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *EventStore) InsertConversion(_ context.Context, conv *model.ConversionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.conversions = append(s.conversions, &cp)
	return nil
}

func (s *EventStore) InsertBounce(_ context.Context, bounce *model.BounceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *bounce
	s.bounces = append(s.bounces, &cp)
	return nil
}

func (s *EventStore) ListClicks(_ context.Context, ruleID string) ([]*model.ClickEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListFailures > 0 {
		s.ListFailures--
		return nil, s.Err
	}
	var out []*model.ClickEvent
	for _, c := range s.clicks {
		if c.RuleID == ruleID {
			cp := *c
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.ClickEvent) int {
		if c := a.ClickedAt.Compare(b.ClickedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *EventStore) ListConversions(_ context.Context, clickIDs []string) ([]*model.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ConversionEvent
	for _, c := range s.conversions {
		if slices.Contains(clickIDs, c.ClickID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *EventStore) ListBounces(_ context.Context, clickIDs []string) ([]*model.BounceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BounceEvent
	for _, b := range s.bounces {
		if slices.Contains(clickIDs, b.ClickID) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Clicks returns every stored click.
func (s *EventStore) Clicks() []*model.ClickEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ClickEvent, 0, len(s.clicks))
	for _, c := range s.clicks {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Conversions returns every stored conversion in insertion order.
func (s *EventStore) Conversions() []*model.ConversionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversions)
}

// Bounces returns every stored bounce in insertion order.
func (s *EventStore) Bounces() []*model.BounceEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.bounces)
}

// Dispatch records dispatcher calls instead of sending them.
type Dispatch struct {
	mu    sync.Mutex
	Calls []DispatchCall
}

// DispatchCall is one recorded Dispatch invocation.
type DispatchCall struct {
	Kind  string
	Calls []model.Callback
	Vars  map[string]string
}

func (d *Dispatch) Dispatch(kind string, calls []model.Callback, vars map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, DispatchCall{Kind: kind, Calls: calls, Vars: vars})
}

// Recorded returns a copy of the recorded calls.
func (d *Dispatch) Recorded() []DispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Calls)
}

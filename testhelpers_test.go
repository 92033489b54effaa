package reverie

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store used across the package tests. It keeps
// just enough semantics for the facade and flow tests; the SQL behavior
// itself is covered in store/sqlite.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	clocks   map[string]ClockState
	messages []Message
	periods  []Period
	kv       map[string]KVEntry // key: sessionID|key|characterID
	frontend []FrontendMessage
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]Session),
		clocks:   make(map[string]ClockState),
		kv:       make(map[string]KVEntry),
	}
}

func (s *memStore) LoadClock(_ context.Context, sessionID string) (ClockState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.clocks[sessionID]
	return st, ok, nil
}

func (s *memStore) SaveClock(_ context.Context, sessionID string, state ClockState, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clocks[sessionID] = state
	return nil
}

func (s *memStore) EnsureSession(_ context.Context, id string, virtualNow time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	sess := Session{ID: id, CreatedAt: virtualNow, UpdatedAt: virtualNow, RealUpdatedAt: time.Now()}
	s.sessions[id] = sess
	return sess, nil
}

func (s *memStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, &ErrNotFound{Kind: "session", ID: id}
	}
	return sess, nil
}

func (s *memStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) RenameSession(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return &ErrNotFound{Kind: "session", ID: id}
	}
	sess.Name = name
	s.sessions[id] = sess
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.clocks, id)
	return nil
}

func matchesFilter(m Message, f MessageFilter) bool {
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if m.Category == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.CharacterID != "" && len(m.VisibleFor) > 0 {
		ok := false
		for _, id := range m.VisibleFor {
			if id == f.CharacterID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *memStore) AddMessage(_ context.Context, m Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, &ErrNotFound{Kind: "message", ID: id}
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return &ErrNotFound{Kind: "message", ID: id}
}

func (s *memStore) MessageCount(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteOldestMessages(_ context.Context, sessionID string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			candidates = append(candidates, m)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if n > len(candidates) {
		n = len(candidates)
	}
	var removed []string
	for _, victim := range candidates[:n] {
		removed = append(removed, victim.ID)
		for i, m := range s.messages {
			if m.ID == victim.ID {
				s.messages = append(s.messages[:i], s.messages[i+1:]...)
				break
			}
		}
	}
	return removed, nil
}

func (s *memStore) sessionMessages(sessionID string, f MessageFilter) []Message {
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID && matchesFilter(m, f) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) RecentMessages(_ context.Context, sessionID string, limit int, f MessageFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sessionMessages(sessionID, f)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *memStore) MessagesAroundTime(_ context.Context, sessionID string, t time.Time, halfRange time.Duration, limit int, f MessageFilter) ([]Message, QueryMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var in []Message
	for _, m := range s.sessionMessages(sessionID, f) {
		if !m.CreatedAt.Before(t.Add(-halfRange)) && !m.CreatedAt.After(t.Add(halfRange)) {
			in = append(in, m)
		}
	}
	meta := QueryMetadata{TimePoint: t.Format(TimeLayout)}
	if limit > 0 && len(in) > limit {
		in = in[len(in)-limit:]
		meta.HasMoreBefore = true
	}
	return in, meta, nil
}

func (s *memStore) MessagesInRange(_ context.Context, sessionID string, from, to time.Time, limit int, f MessageFilter) ([]Message, QueryMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var in []Message
	for _, m := range s.sessionMessages(sessionID, f) {
		if !m.CreatedAt.Before(from) && !m.CreatedAt.After(to) {
			in = append(in, m)
		}
	}
	var meta QueryMetadata
	if limit > 0 && len(in) > limit {
		in = in[:limit]
		meta.HasMoreAfter = true
	}
	return in, meta, nil
}

func (s *memStore) SearchMessagesLike(_ context.Context, sessionID, query string, limit, offset int, f MessageFilter) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.sessionMessages(sessionID, f) {
		if strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			out = append(out, m)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountMessages(_ context.Context, sessionID, speaker string, categories []MessageCategory) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sessionMessages(sessionID, MessageFilter{Categories: categories}) {
		if speaker == "" || m.Speaker == speaker {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MessagePage(_ context.Context, offset, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.messages) {
		return nil, nil
	}
	out := s.messages[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Message(nil), out...), nil
}

func (s *memStore) AddPeriod(_ context.Context, p Period) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.periods {
		if q.SessionID == p.SessionID && q.PeriodID == p.PeriodID && q.PeriodType == p.PeriodType {
			return "", &ErrConflict{Kind: string(p.PeriodType), ID: p.PeriodID}
		}
	}
	s.periods = append(s.periods, p)
	return p.ID, nil
}

func (s *memStore) GetPeriod(_ context.Context, sessionID, periodID string, pt PeriodType) (Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.periods {
		if p.SessionID == sessionID && p.PeriodID == periodID && p.PeriodType == pt {
			return p, nil
		}
	}
	return Period{}, &ErrNotFound{Kind: string(pt), ID: periodID}
}

func (s *memStore) UpdatePeriod(_ context.Context, p Period) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.periods {
		if q.SessionID == p.SessionID && q.PeriodID == p.PeriodID && q.PeriodType == p.PeriodType {
			p.ID = q.ID
			s.periods[i] = p
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) DeletePeriod(_ context.Context, sessionID, periodID string, pt PeriodType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.periods {
		if p.SessionID == sessionID && p.PeriodID == periodID && p.PeriodType == pt {
			s.periods = append(s.periods[:i], s.periods[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func matchesPeriodFilter(p Period, f PeriodFilter) bool {
	if f.PeriodType != "" && p.PeriodType != f.PeriodType {
		return false
	}
	if f.CharacterID != "" && p.CharacterID != "" && p.CharacterID != f.CharacterID {
		return false
	}
	return true
}

func (s *memStore) ListPeriods(_ context.Context, sessionID string, f PeriodFilter) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Period
	for _, p := range s.periods {
		if p.SessionID == sessionID && matchesPeriodFilter(p, f) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) PeriodsAt(_ context.Context, sessionID string, t time.Time, f PeriodFilter) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Period
	for _, p := range s.periods {
		if p.SessionID == sessionID && matchesPeriodFilter(p, f) && p.Covers(t) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) PeriodsOverlapping(_ context.Context, sessionID string, a, b time.Time, f PeriodFilter) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Period
	for _, p := range s.periods {
		if p.SessionID == sessionID && matchesPeriodFilter(p, f) && p.Overlaps(a, b) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) PeriodPage(_ context.Context, offset, limit int) ([]Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.periods) {
		return nil, nil
	}
	out := s.periods[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Period(nil), out...), nil
}

func kvKey(sessionID, key, characterID string) string {
	return sessionID + "|" + key + "|" + characterID
}

func (s *memStore) PutKV(_ context.Context, e KVEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := kvKey(e.SessionID, e.Key, e.CharacterID)
	if prev, ok := s.kv[k]; ok {
		e.ID = prev.ID
		e.CreatedAt = prev.CreatedAt
	} else if e.ID == "" {
		e.ID = NewID()
	}
	s.kv[k] = e
	return e.ID, nil
}

func (s *memStore) GetKV(_ context.Context, sessionID, key, characterID string) (KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[kvKey(sessionID, key, characterID)]
	if !ok {
		return KVEntry{}, &ErrNotFound{Kind: "kv", ID: key}
	}
	return e, nil
}

func (s *memStore) DeleteKV(_ context.Context, sessionID, key, characterID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := kvKey(sessionID, key, characterID)
	if _, ok := s.kv[k]; !ok {
		return false, nil
	}
	delete(s.kv, k)
	return true, nil
}

func (s *memStore) ListKV(_ context.Context, sessionID, keyType, characterID string) ([]KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KVEntry
	for _, e := range s.kv {
		if e.SessionID != sessionID || e.KeyType != keyType {
			continue
		}
		if characterID != "" && e.CharacterID != "" && e.CharacterID != characterID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) SearchKVLike(_ context.Context, sessionID, keyType, query string, limit int) ([]KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KVEntry
	for _, e := range s.kv {
		if e.SessionID != sessionID || e.KeyType != keyType {
			continue
		}
		if strings.Contains(strings.ToLower(e.Key), strings.ToLower(query)) ||
			strings.Contains(strings.ToLower(e.Metadata), strings.ToLower(query)) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) KVPage(_ context.Context, offset, limit int) ([]KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []KVEntry
	for _, e := range s.kv {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memStore) AddFrontendMessage(_ context.Context, m FrontendMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontend = append(s.frontend, m)
	return m.ID, nil
}

func (s *memStore) ListFrontendMessages(_ context.Context, sessionID string, limit, offset int) ([]FrontendMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FrontendMessage
	for _, m := range s.frontend {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteFrontendMessages(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []FrontendMessage
	for _, m := range s.frontend {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	s.frontend = kept
	return nil
}

func (s *memStore) Close() error { return nil }

var _ Store = (*memStore)(nil)

// --- provider stub ---

// stubProvider returns pre-configured results in order; all methods share
// one call counter.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	results []stubResult
	// requests records every request for assertion.
	requests []ChatRequest
}

type stubResult struct {
	resp   ChatResponse
	tokens []string
	err    error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	r := s.next(req)
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	r := s.next(req)
	for _, tok := range r.tokens {
		ch <- tok
	}
	return r.resp, r.err
}

var _ Provider = (*stubProvider)(nil)

// --- indexer fake ---

// fakeIndexer records mirror calls; failures and availability are
// configurable per test.
type fakeIndexer struct {
	mu          sync.Mutex
	available   bool
	indexErr    error
	indexed     []Message
	deleted     []string
	periods     []Period
	kvEntries   []KVEntry
	resets      int
	searchHits  []Message
	periodHits  []Period
	kvHits      []KVEntry
	searchCalls int
}

func (f *fakeIndexer) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeIndexer) IndexMessages(_ context.Context, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.indexed = append(f.indexed, msgs...)
	return nil
}

func (f *fakeIndexer) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndexer) IndexPeriods(_ context.Context, periods []Period) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.periods = append(f.periods, periods...)
	return nil
}

func (f *fakeIndexer) DeletePeriod(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndexer) IndexKV(_ context.Context, entries []KVEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return f.indexErr
	}
	f.kvEntries = append(f.kvEntries, entries...)
	return nil
}

func (f *fakeIndexer) DeleteKV(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndexer) SearchMessages(_ context.Context, _ MessageSearch) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.searchHits, nil
}

func (f *fakeIndexer) SearchPeriods(_ context.Context, _ PeriodSearch) ([]Period, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.periodHits, nil
}

func (f *fakeIndexer) SearchKV(_ context.Context, _ KVSearch) ([]KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kvHits, nil
}

func (f *fakeIndexer) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

var _ Indexer = (*fakeIndexer)(nil)

// --- runnable stub ---

// stubRunnable emits a fixed event list then returns err.
type stubRunnable struct {
	name   string
	events []ExecutionEvent
	err    error
	ran    bool
}

func (s *stubRunnable) ID() string      { return s.name }
func (s *stubRunnable) Name() string    { return s.name }
func (s *stubRunnable) State() RunState { return StateIdle }

func (s *stubRunnable) RunStream(ctx context.Context, _ *ExecutionContext, ch chan<- ExecutionEvent) error {
	s.ran = true
	for _, ev := range s.events {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

var _ Runnable = (*stubRunnable)(nil)

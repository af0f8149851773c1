// presence/store.go
package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/signal"
)

// Record is the last-known status of one tracked user.
type Record struct {
	UserID        string
	Online        bool
	LastSeenAt    *time.Time
	Typing        bool
	TypingInChat  string
	OnCall        bool
	CallStartedAt *time.Time
}

func (r Record) equal(o Record) bool {
	return r.UserID == o.UserID &&
		r.Online == o.Online &&
		r.Typing == o.Typing &&
		r.TypingInChat == o.TypingInChat &&
		r.OnCall == o.OnCall &&
		timeEqual(r.LastSeenAt, o.LastSeenAt) &&
		timeEqual(r.CallStartedAt, o.CallStartedAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Sender is the slice of the signal manager the store needs.
type Sender interface {
	Send(method string, payload any) error
}

const (
	statusRequestAttempts = 3
	statusRequestInterval = time.Second
)

// Store holds presence records for explicitly tracked users. Records are
// mutated only by inbound channel events or local call-lifecycle hooks;
// events for untracked users are dropped so the map cannot grow without
// bound. Subscribers receive an immutable snapshot of the full map on every
// effective change.
type Store struct {
	selfID string
	sender Sender
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]Record

	subMu  sync.Mutex
	subs   map[int64]func(map[string]Record)
	nextID int64
}

func NewStore(selfID string, sender Sender, logger *zap.Logger) *Store {
	return &Store{
		selfID:  selfID,
		sender:  sender,
		logger:  logger.Named("presence"),
		records: make(map[string]Record),
		subs:    make(map[int64]func(map[string]Record)),
	}
}

// Bind wires the store to the control channel: inbound status events and
// channel lifecycle. Call once at startup.
func (s *Store) Bind(m *signal.Manager) {
	m.Handle(signal.MethodUserStatus, s.onUserStatus)
	m.Handle(signal.MethodBulkUserStatuses, s.onBulkUserStatuses)
	m.Handle(signal.MethodUserTyping, s.onTyping(true))
	m.Handle(signal.MethodUserTypingStop, s.onTyping(false))
	m.Handle(signal.MethodUserCallStarted, s.onCallMarker(true))
	m.Handle(signal.MethodUserCallEnded, s.onCallMarker(false))

	m.Subscribe(func(ev signal.Event) {
		switch ev.Kind {
		case signal.EventConnected:
			s.resync()
		case signal.EventDisconnected:
			s.sweepOffline()
		}
	})
}

// Track starts following userID. The initial record is offline; a status
// request goes out with a bounded retry in case the channel is not up yet.
// Tracking an already-tracked user is a no-op.
func (s *Store) Track(userID string) {
	s.mu.Lock()
	if _, ok := s.records[userID]; ok {
		s.mu.Unlock()
		return
	}
	s.records[userID] = Record{UserID: userID}
	s.mu.Unlock()

	go s.requestStatus(userID)
	s.notify()
}

func (s *Store) requestStatus(userID string) {
	op := func() error {
		return s.sender.Send(signal.MethodGetUserStatus, signal.GetUserStatus{UserID: userID})
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(statusRequestInterval), statusRequestAttempts-1)
	if err := backoff.Retry(op, b); err != nil {
		s.logger.Debug("status request failed, waiting for reconnect resync",
			zap.String("user", userID), zap.Error(err))
	}
}

// Untrack stops following userID and drops its record.
func (s *Store) Untrack(userID string) {
	s.mu.Lock()
	_, ok := s.records[userID]
	delete(s.records, userID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// Get returns the record for userID, if tracked.
func (s *Store) Get(userID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	return rec, ok
}

// GetMany returns the records for every tracked id in userIDs.
func (s *Store) GetMany(userIDs []string) map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := s.records[id]; ok {
			out[id] = rec
		}
	}
	return out
}

// Subscribe registers a snapshot consumer and returns its unsubscribe
// function.
func (s *Store) Subscribe(fn func(map[string]Record)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]Record, len(s.records))
	for id, rec := range s.records {
		snap[id] = rec
	}
	return snap
}

func (s *Store) notify() {
	snap := s.snapshot()

	s.subMu.Lock()
	fns := make([]func(map[string]Record), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// SetCallStatus marks userID on or off call. Callable locally by the call
// machine, not just from inbound events. Untracked users are ignored.
func (s *Store) SetCallStatus(userID string, onCall bool, startedAt *time.Time) {
	s.mu.Lock()
	rec, ok := s.records[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	updated := rec
	updated.OnCall = onCall
	if onCall {
		updated.CallStartedAt = startedAt
	} else {
		updated.CallStartedAt = nil
	}
	if updated.equal(rec) {
		s.mu.Unlock()
		return
	}
	s.records[userID] = updated
	s.mu.Unlock()
	s.notify()
}

// applyStatus merges one online/offline update. Typing and on-call
// sub-states survive; they travel on their own events.
func (s *Store) applyStatus(st signal.UserStatus) bool {
	s.mu.Lock()
	rec, ok := s.records[st.UserID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("dropping status for untracked user", zap.String("user", st.UserID))
		return false
	}
	updated := rec
	updated.Online = st.Online
	updated.LastSeenAt = st.LastSeen
	if updated.equal(rec) {
		s.mu.Unlock()
		return false
	}
	s.records[st.UserID] = updated
	s.mu.Unlock()
	return true
}

func (s *Store) onUserStatus(params json.RawMessage) {
	var st signal.UserStatus
	if err := json.Unmarshal(params, &st); err != nil {
		s.logger.Warn("bad user-status payload", zap.Error(err))
		return
	}
	if s.applyStatus(st) {
		s.notify()
	}
}

func (s *Store) onBulkUserStatuses(params json.RawMessage) {
	var bulk signal.BulkUserStatuses
	if err := json.Unmarshal(params, &bulk); err != nil {
		s.logger.Warn("bad bulk-user-statuses payload", zap.Error(err))
		return
	}
	changed := false
	for _, st := range bulk.Statuses {
		if s.applyStatus(st) {
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

func (s *Store) onTyping(typing bool) signal.Handler {
	return func(params json.RawMessage) {
		var ev signal.Typing
		if err := json.Unmarshal(params, &ev); err != nil {
			s.logger.Warn("bad typing payload", zap.Error(err))
			return
		}

		s.mu.Lock()
		rec, ok := s.records[ev.UserID]
		if !ok {
			s.mu.Unlock()
			return
		}
		updated := rec
		updated.Typing = typing
		if typing {
			updated.TypingInChat = ev.ChatID
		} else {
			updated.TypingInChat = ""
		}
		if updated.equal(rec) {
			s.mu.Unlock()
			return
		}
		s.records[ev.UserID] = updated
		s.mu.Unlock()
		s.notify()
	}
}

func (s *Store) onCallMarker(onCall bool) signal.Handler {
	return func(params json.RawMessage) {
		var ev signal.CallMarker
		if err := json.Unmarshal(params, &ev); err != nil {
			s.logger.Warn("bad call marker payload", zap.Error(err))
			return
		}
		s.SetCallStatus(ev.UserID, onCall, ev.StartedAt)
	}
}

// resync re-requests status for every tracked user after a reconnect;
// anything learned before the disconnect is stale.
func (s *Store) resync() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	if err := s.sender.Send(signal.MethodGetBulkUserStatuses, signal.GetBulkUserStatuses{UserIDs: ids}); err != nil {
		s.logger.Warn("bulk resync failed", zap.Error(err))
	}
}

// sweepOffline forces every tracked non-self user offline. Without a live
// channel none of the cached statuses can be trusted.
func (s *Store) sweepOffline() {
	now := time.Now()
	changed := false

	s.mu.Lock()
	for id, rec := range s.records {
		if id == s.selfID {
			continue
		}
		if !rec.Online && rec.LastSeenAt != nil {
			continue
		}
		rec.Online = false
		rec.LastSeenAt = &now
		rec.Typing = false
		rec.TypingInChat = ""
		s.records[id] = rec
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// SendTyping publishes the local user's typing state for chatID.
func (s *Store) SendTyping(chatID string, typing bool) error {
	method := signal.MethodTypingStarted
	if !typing {
		method = signal.MethodTypingStopped
	}
	return s.sender.Send(method, signal.Typing{UserID: s.selfID, ChatID: chatID})
}

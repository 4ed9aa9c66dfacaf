package session

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/conversation"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/kv"
	"github.com/kadirpekel/mnemo/pkg/llm"
)

// allMessages reads the whole message list; GetRange treats negative counts
// as empty, not unbounded.
const allMessages = math.MaxInt32

// ConversationFactory builds the conversation manager for a session.
type ConversationFactory func(sessionID string) *conversation.Manager

// Stats is a point-in-time summary of manager activity.
type Stats struct {
	ActiveSessions int    `json:"activeSessions"`
	Created        int64  `json:"created"`
	Loaded         int64  `json:"loaded"`
	Deleted        int64  `json:"deleted"`
	Evicted        int64  `json:"evicted"`
	HistoryReads   int64  `json:"historyReads"`
	DedupedReads   int64  `json:"dedupedReads"`
	CurrentSession string `json:"currentSession,omitempty"`
}

// Manager keeps a bounded LRU cache of active sessions backed by a
// key-value store. Cache misses hydrate from the store; concurrent history
// reads for the same session are deduplicated.
type Manager struct {
	store   kv.Store
	factory ConversationFactory
	cfg     config.SessionConfig

	mu      sync.RWMutex
	active  map[string]*list.Element
	lru     *list.List
	current string

	flight singleflight.Group
	stop   chan struct{}

	created      atomic.Int64
	loaded       atomic.Int64
	deleted      atomic.Int64
	evicted      atomic.Int64
	historyReads atomic.Int64
	dedupedReads atomic.Int64
}

// NewManager builds a session manager over the given store. The factory is
// called once per session to build its conversation manager.
func NewManager(store kv.Store, factory ConversationFactory, cfg config.SessionConfig) *Manager {
	cfg.SetDefaults()

	m := &Manager{
		store:   store,
		factory: factory,
		cfg:     cfg,
		active:  make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}

	if cfg.TTL > 0 {
		go m.janitor()
	}

	return m
}

// Create starts a new session. An empty or unusable requested id gets a
// generated one; a usable id that already exists is a conflict.
func (m *Manager) Create(ctx context.Context, requestedID string) (*Session, error) {
	id, ok := SanitizeID(requestedID)
	if !ok {
		id = uuid.NewString()
	}

	m.mu.RLock()
	_, inCache := m.active[id]
	m.mu.RUnlock()
	if inCache {
		return nil, fault.New(fault.Conflict, "session.create", "session %s already exists", id)
	}

	_, persisted, err := m.store.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, fault.Wrap(fault.Backend, "session.create", "failed to check for existing session", err)
	}
	if persisted {
		return nil, fault.New(fault.Conflict, "session.create", "session %s already exists", id)
	}

	now := time.Now().UTC()
	sess := &Session{
		meta: Metadata{ID: id, CreatedAt: now, LastActiveAt: now},
		conv: m.factory(id),
	}

	if err := m.persistSnapshot(ctx, sess); err != nil {
		return nil, err
	}

	sess = m.admit(sess)
	m.created.Add(1)
	slog.Debug("Session created", "session_id", id)
	return sess, nil
}

// Load returns the session for id, hydrating it from the store when it is
// not in the cache. A session that exists nowhere is created under the
// requested id, or under a generated id if that fails. The returned source
// reports where the history came from.
func (m *Manager) Load(ctx context.Context, requestedID string) (*Session, HistorySource, error) {
	id, ok := SanitizeID(requestedID)
	if !ok {
		return nil, SourceEmpty, fault.New(fault.Validation, "session.load", "invalid session id %q", requestedID)
	}

	if sess := m.lookup(id); sess != nil {
		sess.touch(time.Now().UTC())
		m.loaded.Add(1)
		return sess, SourceMemory, nil
	}

	history, source, err := m.fetchHistory(ctx, id)
	if err != nil {
		return nil, SourceEmpty, err
	}

	meta, found, err := m.fetchMetadata(ctx, id)
	if err != nil {
		return nil, SourceEmpty, err
	}

	if !found && len(history) == 0 {
		sess, err := m.Create(ctx, id)
		if err != nil {
			// Lost a create race: the winner is in the cache now.
			if fault.KindOf(err) == fault.Conflict {
				if sess := m.lookup(id); sess != nil {
					m.loaded.Add(1)
					return sess, SourceMemory, nil
				}
			}
			sess, err = m.Create(ctx, "")
			if err != nil {
				return nil, SourceEmpty, err
			}
			slog.Warn("Falling back to generated session id", "requested_id", id, "session_id", sess.ID())
		}
		return sess, SourceEmpty, nil
	}

	now := time.Now().UTC()
	if !found {
		meta = Metadata{ID: id, CreatedAt: now, MessageCount: len(history)}
	}
	meta.LastActiveAt = now

	sess := &Session{
		meta:           meta,
		conv:           m.factory(id),
		persistedCount: len(history),
	}
	sess.conv.Restore(history)

	sess = m.admit(sess)
	m.loaded.Add(1)
	slog.Debug("Session loaded", "session_id", id, "source", source, "messages", len(history))
	return sess, source, nil
}

// Get returns the metadata for id without loading the session into the
// cache.
func (m *Manager) Get(ctx context.Context, requestedID string) (Metadata, error) {
	id, ok := SanitizeID(requestedID)
	if !ok {
		return Metadata{}, fault.New(fault.Validation, "session.get", "invalid session id %q", requestedID)
	}

	meta, found, err := m.fetchMetadata(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	if !found {
		return Metadata{}, fault.New(fault.NotFound, "session.get", "session %s not found", id)
	}
	return meta, nil
}

// History returns the stored messages for id and the source that served
// them, without loading the session into the cache.
func (m *Manager) History(ctx context.Context, requestedID string) ([]llm.Message, HistorySource, error) {
	id, ok := SanitizeID(requestedID)
	if !ok {
		return nil, SourceEmpty, fault.New(fault.Validation, "session.history", "invalid session id %q", requestedID)
	}

	if sess := m.lookup(id); sess != nil {
		return sess.conv.RawMessages(), SourceMemory, nil
	}
	return m.fetchHistory(ctx, id)
}

// List returns metadata for all known sessions, newest activity first.
// Sessions that never accumulated a message are hidden.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	keys, err := m.store.List(ctx, "session:")
	if err != nil {
		return nil, fault.Wrap(fault.Backend, "session.list", "failed to list sessions", err)
	}

	seen := make(map[string]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, "session:")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	m.mu.RLock()
	for id := range m.active {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	metas := m.BatchMetadata(ctx, ids)

	out := make([]Metadata, 0, len(metas))
	for _, meta := range metas {
		if meta.MessageCount == 0 {
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

// BatchMetadata fetches metadata for many sessions with bounded
// concurrency. Sessions that fail to load are left out; the result is
// always the successful subset.
func (m *Manager) BatchMetadata(ctx context.Context, ids []string) map[string]Metadata {
	var (
		outMu sync.Mutex
		out   = make(map[string]Metadata, len(ids))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxMetadataConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			meta, found, err := m.fetchMetadata(ctx, id)
			if err != nil {
				slog.Debug("Skipping unreadable session metadata", "session_id", id, "error", err)
				return nil
			}
			if !found {
				return nil
			}
			outMu.Lock()
			out[id] = meta
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Delete removes a session from the cache and the store. The current
// session cannot be deleted.
func (m *Manager) Delete(ctx context.Context, requestedID string) error {
	id, ok := SanitizeID(requestedID)
	if !ok {
		return fault.New(fault.Validation, "session.delete", "invalid session id %q", requestedID)
	}

	if m.Current() == id {
		return fault.New(fault.Validation, "session.delete", "cannot delete the current session %s", id)
	}

	m.mu.Lock()
	elem, inCache := m.active[id]
	if inCache {
		m.lru.Remove(elem)
		delete(m.active, id)
	}
	m.mu.Unlock()

	_, persisted, err := m.store.Get(ctx, metadataKey(id))
	if err != nil {
		return fault.Wrap(fault.Backend, "session.delete", "failed to check for session", err)
	}
	if !inCache && !persisted {
		return fault.New(fault.NotFound, "session.delete", "session %s not found", id)
	}

	if err := m.store.Delete(ctx, metadataKey(id)); err != nil {
		return fault.Wrap(fault.Backend, "session.delete", "failed to delete session", err)
	}
	if err := m.store.Delete(ctx, messagesKey(id)); err != nil {
		return fault.Wrap(fault.Backend, "session.delete", "failed to delete message list", err)
	}

	m.deleted.Add(1)
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// SaveTurn persists the messages added since the last save, then refreshes
// the session snapshot.
func (m *Manager) SaveTurn(ctx context.Context, sess *Session) error {
	messages := sess.conv.RawMessages()

	sess.mu.Lock()
	id := sess.meta.ID
	pending := messages[min(sess.persistedCount, len(messages)):]
	sess.mu.Unlock()

	for _, msg := range pending {
		if err := kv.AppendJSON(ctx, m.store, messagesKey(id), msg); err != nil {
			return fault.Wrap(fault.Backend, "session.save", "failed to append message", err)
		}
	}

	sess.mu.Lock()
	sess.persistedCount = len(messages)
	sess.meta.MessageCount = len(messages)
	sess.meta.LastActiveAt = time.Now().UTC()
	if sess.meta.Topic == "" {
		sess.meta.Topic = deriveTopic(messages)
	}
	sess.mu.Unlock()

	return m.persistSnapshot(ctx, sess)
}

// Current returns the id of the current session, or "".
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetCurrent marks a session as current.
func (m *Manager) SetCurrent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = id
}

// Stats returns a snapshot of manager activity.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := m.lru.Len()
	current := m.current
	m.mu.RUnlock()

	return Stats{
		ActiveSessions: active,
		Created:        m.created.Load(),
		Loaded:         m.loaded.Load(),
		Deleted:        m.deleted.Load(),
		Evicted:        m.evicted.Load(),
		HistoryReads:   m.historyReads.Load(),
		DedupedReads:   m.dedupedReads.Load(),
		CurrentSession: current,
	}
}

// Close stops the idle-session janitor.
func (m *Manager) Close() error {
	close(m.stop)
	return nil
}

// lookup returns the cached session for id and bumps its LRU position.
func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.active[id]
	if !ok {
		return nil
	}
	m.lru.MoveToFront(elem)
	return elem.Value.(*Session)
}

// admit inserts a session into the cache, evicting the least recently used
// entry when over capacity. If the id was admitted concurrently the
// existing session wins.
func (m *Manager) admit(sess *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := sess.ID()
	if elem, ok := m.active[id]; ok {
		m.lru.MoveToFront(elem)
		return elem.Value.(*Session)
	}

	m.active[id] = m.lru.PushFront(sess)

	for m.cfg.CacheSize > 0 && m.lru.Len() > m.cfg.CacheSize {
		oldest := m.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*Session)
		m.lru.Remove(oldest)
		delete(m.active, victim.ID())
		m.evicted.Add(1)
		slog.Debug("Session evicted from cache", "session_id", victim.ID())
	}

	return sess
}

// fetchHistory reads stored history for id, deduplicating concurrent reads
// of the same session.
func (m *Manager) fetchHistory(ctx context.Context, id string) ([]llm.Message, HistorySource, error) {
	type histResult struct {
		messages []llm.Message
		source   HistorySource
	}

	executed := false
	v, err, _ := m.flight.Do("history_"+id, func() (any, error) {
		executed = true
		m.historyReads.Add(1)
		messages, source := m.readHistory(ctx, id)
		return histResult{messages: messages, source: source}, nil
	})
	if !executed {
		m.dedupedReads.Add(1)
	}
	if err != nil {
		return nil, SourceEmpty, err
	}

	res := v.(histResult)
	return res.messages, res.source, nil
}

// readHistory tries the message list, then the snapshot. Backend failures
// degrade to the next source rather than failing the read.
func (m *Manager) readHistory(ctx context.Context, id string) ([]llm.Message, HistorySource) {
	raw, err := m.store.GetRange(ctx, messagesKey(id), 0, allMessages)
	if err != nil {
		slog.Warn("Failed to read message list, trying snapshot", "session_id", id, "error", err)
	} else if len(raw) > 0 {
		messages := make([]llm.Message, 0, len(raw))
		for _, item := range raw {
			var msg llm.Message
			if err := json.Unmarshal(item, &msg); err != nil {
				slog.Warn("Skipping undecodable stored message", "session_id", id, "error", err)
				continue
			}
			messages = append(messages, msg)
		}
		if len(messages) > 0 {
			return messages, SourceMessages
		}
	}

	var snap snapshot
	found, err := kv.GetJSON(ctx, m.store, metadataKey(id), &snap)
	if err != nil {
		slog.Warn("Failed to read session snapshot", "session_id", id, "error", err)
		return nil, SourceEmpty
	}
	if found && len(snap.ConversationHistory) > 0 {
		return snap.ConversationHistory, SourceSnapshot
	}
	return nil, SourceEmpty
}

// fetchMetadata prefers the cached session's metadata over the stored
// snapshot.
func (m *Manager) fetchMetadata(ctx context.Context, id string) (Metadata, bool, error) {
	m.mu.RLock()
	elem, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return elem.Value.(*Session).Metadata(), true, nil
	}

	var snap snapshot
	found, err := kv.GetJSON(ctx, m.store, metadataKey(id), &snap)
	if err != nil {
		return Metadata{}, false, fault.Wrap(fault.Backend, "session.metadata", "failed to read session", err)
	}
	if !found {
		return Metadata{}, false, nil
	}
	return snap.Metadata, true, nil
}

func (m *Manager) persistSnapshot(ctx context.Context, sess *Session) error {
	sess.mu.RLock()
	snap := snapshot{Metadata: sess.meta, ConversationHistory: sess.conv.RawMessages()}
	sess.mu.RUnlock()

	if err := kv.SetJSON(ctx, m.store, metadataKey(snap.Metadata.ID), snap); err != nil {
		return fault.Wrap(fault.Backend, "session.save", "failed to persist session", err)
	}
	return nil
}

// janitor drops cache entries idle past the configured TTL. Persisted state
// is untouched; an evicted session reloads from the store.
func (m *Manager) janitor() {
	interval := m.cfg.TTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-m.cfg.TTL))
		}
	}
}

func (m *Manager) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for elem := m.lru.Back(); elem != nil; {
		prev := elem.Prev()
		sess := elem.Value.(*Session)
		if sess.Metadata().LastActiveAt.Before(cutoff) {
			m.lru.Remove(elem)
			delete(m.active, sess.ID())
			m.evicted.Add(1)
			slog.Debug("Idle session evicted from cache", "session_id", sess.ID())
		}
		elem = prev
	}
}

// Package cache holds read results keyed by canonical signature and drops
// them when a mutation may have made them stale.
package cache

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Entry is one cached read result.
type Entry struct {
	Signature string
	Result    *engine.TypedResult
	CreatedAt time.Time

	// References holds every entity identifier the payload mentions.
	References map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRules replaces the invalidation rule table.
func WithRules(rules []InvalidationRule) Option {
	return func(m *Manager) { m.rules = newRuleTable(rules) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With().Str("component", "cache").Logger() }
}

// Manager is the shared read cache. It implements engine.ResultCache.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	epochs  map[engine.EntityClass]uint64
	maxAge  time.Duration

	rules  ruleTable
	now    func() time.Time
	logger zerolog.Logger
	done   chan struct{}
	closer sync.Once
}

// NewManager creates a cache whose entries are served for at most maxAge.
// A zero maxAge disables caching.
func NewManager(maxAge time.Duration, opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[string]*Entry),
		epochs:  make(map[engine.EntityClass]uint64),
		maxAge:  maxAge,
		rules:   newRuleTable(DefaultRules),
		now:     time.Now,
		logger:  zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Signature derives the canonical key of a read.
func (m *Manager) Signature(op *engine.Operation) (string, error) {
	return Signature(op)
}

// Get returns the entry for sig if it is younger than the max age.
func (m *Manager) Get(sig string) (*engine.TypedResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[sig]
	if !ok || !m.fresh(e) {
		return nil, false
	}
	return e.Result, true
}

func (m *Manager) fresh(e *Entry) bool {
	return m.maxAge > 0 && m.now().Sub(e.CreatedAt) < m.maxAge
}

// Put stores a successful result unconditionally.
func (m *Manager) Put(sig string, res *engine.TypedResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(sig, res)
}

// Epoch returns the mutation counter of a class.
func (m *Manager) Epoch(class engine.EntityClass) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epochs[class]
}

// PutIfCurrent stores res unless class was invalidated since epoch was read.
func (m *Manager) PutIfCurrent(sig string, class engine.EntityClass, epoch uint64, res *engine.TypedResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epochs[class] != epoch {
		return false
	}
	return m.putLocked(sig, res)
}

func (m *Manager) putLocked(sig string, res *engine.TypedResult) bool {
	if m.maxAge <= 0 || !res.IsSuccess() {
		return false
	}
	m.entries[sig] = &Entry{
		Signature:  sig,
		Result:     res,
		CreatedAt:  m.now(),
		References: references(res.Success.Payload),
	}
	return true
}

// Invalidate drops every entry of class and of the classes the rule table
// derives from the touched fields, plus any entry referencing one of ids.
// It bumps the epoch of every affected class and is idempotent.
func (m *Manager) Invalidate(class engine.EntityClass, ids []string, fields []string) int {
	affected := m.rules.affected(class, fields)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range affected {
		m.epochs[c]++
	}

	removed := 0
	for sig, e := range m.entries {
		if m.matches(e, affected, ids) {
			delete(m.entries, sig)
			removed++
		}
	}

	m.logger.Debug().
		Str("entity", string(class)).
		Int("removed", removed).
		Int("remaining", len(m.entries)).
		Msg("invalidated")
	return removed
}

func (m *Manager) matches(e *Entry, classes []engine.EntityClass, ids []string) bool {
	for _, c := range classes {
		if strings.HasPrefix(e.Signature, string(c)+":") {
			return true
		}
	}
	for _, id := range ids {
		if _, ok := e.References[id]; ok {
			return true
		}
	}
	return false
}

// SetMaxAge changes the staleness bound of existing and future entries.
func (m *Manager) SetMaxAge(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxAge = maxAge
}

// Len returns the number of stored entries, fresh or not.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for sig, e := range m.entries {
		if !m.fresh(e) {
			delete(m.entries, sig)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close is called.
func (m *Manager) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug().Int("removed", n).Msg("expired entries swept")
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.closer.Do(func() { close(m.done) })
}

// references collects the values of "id" and "*Id" string fields anywhere
// in a payload.
func references(payload json.RawMessage) map[string]struct{} {
	refs := make(map[string]struct{})
	if len(payload) == 0 {
		return refs
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return refs
	}
	collectReferences(v, refs)
	return refs
}

func collectReferences(v interface{}, refs map[string]struct{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if s, ok := child.(string); ok && s != "" && (k == "id" || strings.HasSuffix(k, "Id")) {
				refs[s] = struct{}{}
				continue
			}
			collectReferences(child, refs)
		}
	case []interface{}:
		for _, child := range t {
			collectReferences(child, refs)
		}
	}
}

var _ engine.ResultCache = (*Manager)(nil)

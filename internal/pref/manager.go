// Package pref stores remembered operator preferences per agent and
// renders them into prompt context. Preferences are keyed (agentID,
// key) and carry a confidence that upserts may raise but never lower.
package pref

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"workfarm/internal/bus"
	"workfarm/internal/jsonx"
	"workfarm/internal/logging"
	"workfarm/internal/persist"
	"workfarm/internal/types"
)

// ErrPreferenceNotFound is returned for unknown (agent, key) pairs.
var ErrPreferenceNotFound = errors.New("preference not found")

// Manager owns Preferences, lazily loaded per agent.
type Manager struct {
	mu    sync.Mutex
	store persist.Store
	bus   *bus.Bus
	prefs map[string][]types.Preference // agentID -> prefs
}

// NewManager creates an empty manager; per-agent sets load on first
// access.
func NewManager(store persist.Store, b *bus.Bus) *Manager {
	return &Manager{
		store: store,
		bus:   b,
		prefs: make(map[string][]types.Preference),
	}
}

// Add upserts a preference. A new key is added outright; an existing
// key is overwritten when the incoming confidence is at least as high,
// and rejected when it is strictly lower.
func (m *Manager) Add(agentID, category, key, value, source string, confidence types.Confidence) (types.Preference, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return types.Preference{}, errors.New("preference key and value are required")
	}

	m.mu.Lock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		m.mu.Unlock()
		return types.Preference{}, err
	}

	action := "added"
	var out types.Preference
	idx := indexOf(prefs, key)
	if idx >= 0 {
		existing := &prefs[idx]
		if confidence.Rank() < existing.Confidence.Rank() {
			snapshot := *existing
			m.mu.Unlock()
			logging.Prefs("rejected %s/%s for %s: %s < %s", category, key, agentID, confidence, existing.Confidence)
			m.bus.Publish(bus.TopicPreferenceChanged, bus.PreferenceChanged{AgentID: agentID, Key: key, Action: "rejected"})
			return snapshot, nil
		}
		existing.Category = category
		existing.Value = value
		existing.Source = source
		existing.Confidence = confidence
		action = "updated"
		out = *existing
	} else {
		out = types.Preference{
			ID:         uuid.NewString(),
			AgentID:    agentID,
			Category:   category,
			Key:        key,
			Value:      value,
			Source:     source,
			Confidence: confidence,
			CreatedAt:  time.Now(),
		}
		prefs = append(prefs, out)
	}
	m.prefs[agentID] = prefs
	m.persistLocked(agentID)
	m.mu.Unlock()

	logging.Prefs("%s %s/%s for %s (%s)", action, category, key, agentID, confidence)
	m.bus.Publish(bus.TopicPreferenceChanged, bus.PreferenceChanged{AgentID: agentID, Key: key, Action: action})
	return out, nil
}

// List returns an agent's preferences sorted by category then key.
func (m *Manager) List(agentID string) ([]types.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		return nil, err
	}
	out := append([]types.Preference(nil), prefs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category == out[j].Category {
			return out[i].Key < out[j].Key
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

// Remove deletes a preference by key.
func (m *Manager) Remove(agentID, key string) error {
	m.mu.Lock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	idx := indexOf(prefs, key)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPreferenceNotFound, key)
	}
	m.prefs[agentID] = append(prefs[:idx:idx], prefs[idx+1:]...)
	m.persistLocked(agentID)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicPreferenceChanged, bus.PreferenceChanged{AgentID: agentID, Key: key, Action: "removed"})
	return nil
}

// IncrementUsage bumps the usage counter for a preference the worker
// reported applying via a [Used preference: KEY] marker.
func (m *Manager) IncrementUsage(agentID, key string) error {
	m.mu.Lock()
	prefs, err := m.loadLocked(agentID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	idx := indexOf(prefs, key)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPreferenceNotFound, key)
	}
	now := time.Now()
	prefs[idx].UsedCount++
	prefs[idx].LastUsedAt = &now
	m.persistLocked(agentID)
	m.mu.Unlock()

	m.bus.Publish(bus.TopicPreferenceChanged, bus.PreferenceChanged{AgentID: agentID, Key: key, Action: "used"})
	return nil
}

// Forget drops the agent's in-memory set; the store files are removed
// separately by the fire cascade.
func (m *Manager) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prefs, agentID)
}

// BuildContext renders the agent's preferences as a compact newline
// list for prompt injection. Empty when the agent has none.
func (m *Manager) BuildContext(agentID string) string {
	prefs, err := m.List(agentID)
	if err != nil || len(prefs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Known operator preferences (cite with [Used preference: KEY] when applied):\n")
	for _, p := range prefs {
		fmt.Fprintf(&sb, "- [%s] %s: %s (confidence: %s)\n", p.Category, p.Key, p.Value, p.Confidence)
	}
	return sb.String()
}

// BuildExtractionPrompt builds the no-tool completion prompt that mines
// the latest operator reply for new preferences.
func (m *Manager) BuildExtractionPrompt(agentID, userMessage, agentMessage, context string) string {
	var sb strings.Builder
	sb.WriteString("Extract durable operator preferences from this exchange.\n\n")
	if context != "" {
		fmt.Fprintf(&sb, "Context:\n%s\n\n", context)
	}
	fmt.Fprintf(&sb, "Operator said:\n%s\n\n", userMessage)
	if agentMessage != "" {
		fmt.Fprintf(&sb, "Agent said:\n%s\n\n", agentMessage)
	}
	if existing := m.BuildContext(agentID); existing != "" {
		fmt.Fprintf(&sb, "Already known:\n%s\n", existing)
	}
	sb.WriteString(`Respond with ONLY a JSON object of this exact shape:
{"preferences": [{"category": "<category>", "key": "<SNAKE_CASE_KEY>", "value": "<value>", "confidence": "explicit|inferred|assumed"}]}
Use "explicit" only for preferences the operator stated directly. Return {"preferences": []} when nothing durable was expressed.`)
	return sb.String()
}

// extraction mirrors the JSON shape demanded of the oracle.
type extraction struct {
	Preferences []struct {
		Category   string `json:"category"`
		Key        string `json:"key"`
		Value      string `json:"value"`
		Confidence string `json:"confidence"`
	} `json:"preferences"`
}

// ParseAndStoreExtraction parses an oracle extraction response,
// tolerating surrounding prose and code fences, and upserts each entry.
// Returns the number of preferences stored or updated.
func (m *Manager) ParseAndStoreExtraction(agentID, response, source string) (int, error) {
	var ext extraction
	if err := jsonx.UnmarshalObject(response, &ext); err != nil {
		return 0, fmt.Errorf("failed to parse preference extraction: %w", err)
	}

	stored := 0
	for _, p := range ext.Preferences {
		if strings.TrimSpace(p.Key) == "" || strings.TrimSpace(p.Value) == "" {
			continue
		}
		confidence := types.Confidence(strings.ToLower(strings.TrimSpace(p.Confidence)))
		if confidence.Rank() == 0 {
			confidence = types.ConfidenceAssumed
		}
		category := strings.TrimSpace(p.Category)
		if category == "" {
			category = "general"
		}
		if _, err := m.Add(agentID, category, p.Key, p.Value, source, confidence); err != nil {
			logging.Get(logging.CategoryPrefs).Warn("failed to store extracted preference %s: %v", p.Key, err)
			continue
		}
		stored++
	}
	return stored, nil
}

// loadLocked lazily loads an agent's preferences from the store.
func (m *Manager) loadLocked(agentID string) ([]types.Preference, error) {
	if prefs, ok := m.prefs[agentID]; ok {
		return prefs, nil
	}
	prefs, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences for %s: %w", agentID, err)
	}
	m.prefs[agentID] = prefs
	return prefs, nil
}

func (m *Manager) persistLocked(agentID string) {
	if err := m.store.SavePreferences(agentID, m.prefs[agentID]); err != nil {
		logging.Get(logging.CategoryPrefs).Error("failed to persist preferences for %s: %v", agentID, err)
	}
}

// indexOf finds a preference by case-insensitive key.
func indexOf(prefs []types.Preference, key string) int {
	for i := range prefs {
		if strings.EqualFold(prefs[i].Key, key) {
			return i
		}
	}
	return -1
}

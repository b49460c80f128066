package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"workfarm/internal/logging"
	"workfarm/internal/types"
)

// FileStore persists collections as JSON files under a root directory:
//
//	agents.json  tasks.json  goals.json  triggers.json  config.json
//	memory/<agentId>.json  preferences/<agentId>.json  logs/<agentId>.jsonl
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates the root directory tree if needed.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "memory"), filepath.Join(root, "preferences"), filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	logging.Persist("file store opened at %s", root)
	return &FileStore{root: root}, nil
}

// Root returns the data root directory.
func (s *FileStore) Root() string { return s.root }

// writeJSON writes atomically via temp file + rename.
func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(s.root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// readJSON loads a file into v. Missing files leave v untouched.
func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// LoadAgents loads the agent roster.
func (s *FileStore) LoadAgents() ([]types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agents []types.Agent
	if err := s.readJSON("agents.json", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// SaveAgents writes the agent roster.
func (s *FileStore) SaveAgents(agents []types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agents == nil {
		agents = []types.Agent{}
	}
	return s.writeJSON("agents.json", agents)
}

// LoadTasks loads all task records.
func (s *FileStore) LoadTasks() ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []types.Task
	if err := s.readJSON("tasks.json", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveTasks writes all task records.
func (s *FileStore) SaveTasks(tasks []types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tasks == nil {
		tasks = []types.Task{}
	}
	return s.writeJSON("tasks.json", tasks)
}

// planRecord tags plans inside the heterogeneous goals.json array.
type planRecord struct {
	Type string `json:"_type"`
	types.Plan
}

// LoadGoals loads goals and plans from the shared collection.
func (s *FileStore) LoadGoals() ([]types.Goal, []types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []json.RawMessage
	if err := s.readJSON("goals.json", &raw); err != nil {
		return nil, nil, err
	}

	var goals []types.Goal
	var plans []types.Plan
	for _, entry := range raw {
		var tag struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(entry, &tag); err != nil {
			continue
		}
		if tag.Type == "plan" {
			var rec planRecord
			if err := json.Unmarshal(entry, &rec); err != nil {
				logging.Get(logging.CategoryPersist).Warn("skipping malformed plan record: %v", err)
				continue
			}
			plans = append(plans, rec.Plan)
		} else {
			var goal types.Goal
			if err := json.Unmarshal(entry, &goal); err != nil {
				logging.Get(logging.CategoryPersist).Warn("skipping malformed goal record: %v", err)
				continue
			}
			goals = append(goals, goal)
		}
	}
	return goals, plans, nil
}

// SaveGoals writes goals and plans into the shared collection.
func (s *FileStore) SaveGoals(goals []types.Goal, plans []types.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]any, 0, len(goals)+len(plans))
	for i := range goals {
		records = append(records, goals[i])
	}
	for i := range plans {
		records = append(records, planRecord{Type: "plan", Plan: plans[i]})
	}
	return s.writeJSON("goals.json", records)
}

// LoadTriggers loads all triggers.
func (s *FileStore) LoadTriggers() ([]types.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var triggers []types.Trigger
	if err := s.readJSON("triggers.json", &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

// SaveTriggers writes all triggers.
func (s *FileStore) SaveTriggers(triggers []types.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if triggers == nil {
		triggers = []types.Trigger{}
	}
	return s.writeJSON("triggers.json", triggers)
}

// LoadPreferences loads one agent's preferences.
func (s *FileStore) LoadPreferences(agentID string) ([]types.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prefs []types.Preference
	if err := s.readJSON(filepath.Join("preferences", agentID+".json"), &prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

// SavePreferences writes one agent's preferences.
func (s *FileStore) SavePreferences(agentID string, prefs []types.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prefs == nil {
		prefs = []types.Preference{}
	}
	return s.writeJSON(filepath.Join("preferences", agentID+".json"), prefs)
}

// LoadAgentMemory loads one agent's conversation memory.
func (s *FileStore) LoadAgentMemory(agentID string) ([]types.ConversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []types.ConversationEntry
	if err := s.readJSON(filepath.Join("memory", agentID+".json"), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveAgentMemory writes one agent's conversation memory.
func (s *FileStore) SaveAgentMemory(agentID string, entries []types.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries == nil {
		entries = []types.ConversationEntry{}
	}
	return s.writeJSON(filepath.Join("memory", agentID+".json"), entries)
}

// LoadConfig loads the operator configuration.
func (s *FileStore) LoadConfig() (types.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg types.Config
	if err := s.readJSON("config.json", &cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes the operator configuration.
func (s *FileStore) SaveConfig(cfg types.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("config.json", cfg)
}

// AppendLog appends one JSONL record to the agent's log file.
func (s *FileStore) AppendLog(agentID string, event LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal log event: %w", err)
	}

	path := filepath.Join(s.root, "logs", agentID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ReadLogs returns the agent's log events within the query window, in
// file (append) order. Malformed lines are skipped.
func (s *FileStore) ReadLogs(agentID string, q LogQuery) ([]LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, "logs", agentID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	defer f.Close()

	var events []LogEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev LogEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.Timestamp.After(q.Until) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to scan log %s: %w", path, err)
	}
	return events, nil
}

// DeleteAgentData removes the per-agent memory, preference, and log
// files. Missing files are not an error.
func (s *FileStore) DeleteAgentData(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{
		filepath.Join(s.root, "memory", agentID+".json"),
		filepath.Join(s.root, "preferences", agentID+".json"),
		filepath.Join(s.root, "logs", agentID+".jsonl"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

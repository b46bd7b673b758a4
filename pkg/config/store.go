package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Document is the validated, typed configuration document.
type Document struct {
	Hosts          []Host
	ExecutionPlans []ExecutionPlan
}

// Store holds the derived lookup maps over a loaded Document and
// supports atomic hot-reload (used by the admin config-replace
// endpoint). Reads take a read lock; Reload takes a write lock;
// concurrent handlers always observe a fully-built snapshot.
type Store struct {
	mu     sync.RWMutex
	doc    *Document
	hosts  map[string]Host
	cmds   map[string]Command
	plans  map[string]ExecutionPlan
	logger *slog.Logger
}

// Load parses and validates raw config bytes into a new Store.
func Load(data []byte, logger *slog.Logger) (*Store, error) {
	raw, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("ConfigInvalid: %w", err)
	}
	doc, err := buildDocument(raw, logger)
	if err != nil {
		return nil, err
	}
	s := &Store{logger: logger}
	s.install(doc)
	return s, nil
}

// LoadFile reads path and calls Load.
func LoadFile(path string, logger *slog.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(data, logger)
}

// Reload validates newData and, on success, atomically swaps the live
// document in place. On failure the existing configuration is left
// untouched.
func (s *Store) Reload(newData []byte) error {
	raw, err := parseDocument(newData)
	if err != nil {
		return fmt.Errorf("ConfigInvalid: %w", err)
	}
	doc, err := buildDocument(raw, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(doc)
	return nil
}

func (s *Store) install(doc *Document) {
	hosts := make(map[string]Host, len(doc.Hosts))
	cmds := make(map[string]Command)
	plans := make(map[string]ExecutionPlan, len(doc.ExecutionPlans))

	for _, h := range doc.Hosts {
		hosts[h.Hostname] = h
		for _, c := range h.Commands {
			if _, exists := cmds[c.Name]; !exists {
				cmds[c.Name] = c
			}
		}
	}
	for _, p := range doc.ExecutionPlans {
		plans[p.Name] = p
		if _, exists := cmds[p.Name]; !exists {
			cmds[p.Name] = Command{Name: p.Name, Type: CommandExecutionPlan}
		}
	}

	s.doc = doc
	s.hosts = hosts
	s.cmds = cmds
	s.plans = plans
}

// Host looks up a host by name.
func (s *Store) Host(hostname string) (Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostname]
	return h, ok
}

// Command looks up the first-definer command by name across all hosts.
func (s *Store) Command(name string) (Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cmds[name]
	return c, ok
}

// Plan looks up an execution plan by name.
func (s *Store) Plan(name string) (ExecutionPlan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[name]
	return p, ok
}

// CommandsFor returns the commands defined directly on a host, used to
// populate the client's per-host `data-commands` attribute.
func (s *Store) CommandsFor(hostname string) []Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[hostname]
	if !ok {
		return nil
	}
	return h.Commands
}

// Hosts returns a snapshot of every configured host. Order is not
// guaranteed; callers that need deterministic order should sort.
func (s *Store) Hosts() []Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	return out
}

// CommandNames returns every distinct command name across all hosts and
// execution plans.
func (s *Store) CommandNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		out = append(out, name)
	}
	return out
}

// HostCommandsJSON returns a host's commands, JSON-encoded, for the
// client's data-commands attribute.
func (s *Store) HostCommandsJSON(hostname string) string {
	cmds := s.CommandsFor(hostname)
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "[]"
	}
	return string(b)
}

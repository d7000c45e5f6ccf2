package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

const dateLayout = "2006-01-02"

// UserData holds the counters a run writes back after each attempt
type UserData struct {
	ProxyTimes        int    `toml:"proxy_times" yaml:"proxy_times"`
	LastProxyDate     string `toml:"last_proxy_date" yaml:"last_proxy_date"`
	LastIntensiveWeek string `toml:"last_intensive_week" yaml:"last_intensive_week"`
}

// ProxyTimesOn returns the number of successful routine runs recorded on day.
func (d UserData) ProxyTimesOn(day time.Time) int {
	if d.LastProxyDate != day.Format(dateLayout) {
		return 0
	}
	return d.ProxyTimes
}

// RecordProxy counts a successful routine run on day
func (d *UserData) RecordProxy(day time.Time) {
	d.ProxyTimes = d.ProxyTimesOn(day) + 1
	d.LastProxyDate = day.Format(dateLayout)
}

// IntensiveDoneIn reports whether the intensive phase already succeeded in t's ISO week.
func (d UserData) IntensiveDoneIn(t time.Time) bool {
	return d.LastIntensiveWeek != "" && d.LastIntensiveWeek == WeekKey(t)
}

// RecordIntensive marks the intensive phase satisfied for t's ISO week
func (d *UserData) RecordIntensive(t time.Time) {
	d.LastIntensiveWeek = WeekKey(t)
}

// WeekKey formats t's ISO week, e.g. "2026-W11"
func WeekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// Store is the shared, mutable view of the configuration used at run time.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewStore wraps an already loaded config. An empty path disables Save.
func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

// Open loads path and wraps it in a Store
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStore(path, cfg), nil
}

// Path returns the backing file path
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the whole configuration
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := *s.cfg
	c.Scripts = make([]ScriptConfig, len(s.cfg.Scripts))
	for i, sc := range s.cfg.Scripts {
		c.Scripts[i] = sc.clone()
	}
	c.Queues = make([]QueueConfig, len(s.cfg.Queues))
	for i, q := range s.cfg.Queues {
		c.Queues[i] = q.clone()
	}
	return c
}

// Script returns a copy of the script with id
func (s *Store) Script(id string) (ScriptConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.cfg.Scripts {
		if sc.ID == id {
			return sc.clone(), true
		}
	}
	return ScriptConfig{}, false
}

// Queue returns a copy of the queue with id
func (s *Store) Queue(id string) (QueueConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.cfg.Queues {
		if q.ID == id {
			return q.clone(), true
		}
	}
	return QueueConfig{}, false
}

// OwningScript resolves id as a script id or a user id and returns the script.
func (s *Store) OwningScript(id string) (ScriptConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.cfg.Scripts {
		if sc.ID == id {
			return sc.clone(), true
		}
		for _, u := range sc.Users {
			if u.ID == id {
				return sc.clone(), true
			}
		}
	}
	return ScriptConfig{}, false
}

// User returns a copy of one user of a script
func (s *Store) User(scriptID, userID string) (UserConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.cfg.Scripts {
		if sc.ID != scriptID {
			continue
		}
		for _, u := range sc.Users {
			if u.ID == userID {
				return u.clone(), true
			}
		}
	}
	return UserConfig{}, false
}

// UpdateUser applies fn to the stored user under the write lock.
func (s *Store) UpdateUser(scriptID, userID string, fn func(*UserConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Scripts {
		if s.cfg.Scripts[i].ID != scriptID {
			continue
		}
		for j := range s.cfg.Scripts[i].Users {
			if s.cfg.Scripts[i].Users[j].ID == userID {
				fn(&s.cfg.Scripts[i].Users[j])
				return nil
			}
		}
	}
	return fmt.Errorf("user %s of script %s: %w", userID, scriptID, domain.ErrNotFound)
}

// UpdateScript applies fn to the stored script under the write lock.
func (s *Store) UpdateScript(scriptID string, fn func(*ScriptConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Scripts {
		if s.cfg.Scripts[i].ID == scriptID {
			fn(&s.cfg.Scripts[i])
			return nil
		}
	}
	return fmt.Errorf("script %s: %w", scriptID, domain.ErrNotFound)
}

// Save persists the current configuration to the backing file
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Save(s.path)
}

func (sc ScriptConfig) clone() ScriptConfig {
	c := sc
	c.Args = append([]string(nil), sc.Args...)
	c.SuccessMarkers = append([]string(nil), sc.SuccessMarkers...)
	c.FailureMarkers = append([]string(nil), sc.FailureMarkers...)
	c.Users = make([]UserConfig, len(sc.Users))
	for i, u := range sc.Users {
		c.Users[i] = u.clone()
	}
	return c
}

func (u UserConfig) clone() UserConfig {
	c := u
	c.Tasks = append([]string(nil), u.Tasks...)
	if u.RemainedDays != nil {
		days := *u.RemainedDays
		c.RemainedDays = &days
	}
	return c
}

func (q QueueConfig) clone() QueueConfig {
	c := q
	c.Scripts = append([]string(nil), q.Scripts...)
	c.Timers = append([]string(nil), q.Timers...)
	return c
}

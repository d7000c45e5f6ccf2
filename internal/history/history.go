// Package history writes one log file and one JSON sidecar per attempt and
// summarises them by day, week or month.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15-04-05.000"
)

// Entry is the JSON sidecar of one attempt
type Entry struct {
	TaskID     string           `json:"task_id,omitempty"`
	ScriptID   string           `json:"script_id"`
	Script     string           `json:"script"`
	UserID     string           `json:"user_id"`
	User       string           `json:"user"`
	Phase      domain.Phase     `json:"phase,omitempty"`
	Attempt    int              `json:"attempt"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Status     domain.Result    `json:"status"`
	Judgment   *domain.Judgment `json:"judgment,omitempty"`
	Lines      int              `json:"lines"`

	// LogPath is filled in by Load.
	LogPath string `json:"-"`
}

// Recorder stores attempts under root/<date>/<user>/<time>.{log,json}
type Recorder struct {
	root string
}

// NewRecorder creates a recorder rooted at dir
func NewRecorder(dir string) *Recorder {
	return &Recorder{root: dir}
}

// Root returns the history directory
func (r *Recorder) Root() string { return r.root }

// Record writes rec's lines and sidecar and returns the sidecar path.
func (r *Recorder) Record(e Entry, lines []string) (string, error) {
	if r == nil || r.root == "" {
		return "", nil
	}
	dir := filepath.Join(r.root, e.StartedAt.Format(dateLayout), sanitize(e.User))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating history dir: %w", err)
	}

	base := filepath.Join(dir, e.StartedAt.Format(timeLayout))
	for i := 2; exists(base + ".json"); i++ {
		base = filepath.Join(dir, fmt.Sprintf("%s_%d", e.StartedAt.Format(timeLayout), i))
	}

	e.Lines = len(lines)
	text := strings.Join(lines, "\n")
	if text != "" {
		text += "\n"
	}
	if err := os.WriteFile(base+".log", []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing history log: %w", err)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(base+".json", data, 0644); err != nil {
		return "", fmt.Errorf("writing history sidecar: %w", err)
	}
	return base + ".json", nil
}

// Load returns the entries whose date directory falls within [from, to],
// ordered by start time.
func (r *Recorder) Load(from, to time.Time) ([]Entry, error) {
	if r == nil || r.root == "" {
		return nil, nil
	}
	days, err := os.ReadDir(r.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	first := from.Format(dateLayout)
	last := to.Format(dateLayout)

	var entries []Entry
	for _, day := range days {
		if !day.IsDir() || day.Name() < first || day.Name() > last {
			continue
		}
		if _, err := time.Parse(dateLayout, day.Name()); err != nil {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(r.root, day.Name(), "*", "*.json"))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			e.LogPath = strings.TrimSuffix(path, ".json") + ".log"
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.Before(entries[j].StartedAt) })
	return entries, nil
}

// ReadLog returns the captured lines of an entry
func ReadLog(e Entry) ([]string, error) {
	f, err := os.Open(e.LogPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sanitize makes a user name safe as a directory name
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

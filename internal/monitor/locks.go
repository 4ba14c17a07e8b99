package monitor

import (
	"cmp"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const maxAccessHistory = 100

// FileLock is an exclusive claim on one file.
type FileLock struct {
	Path       string    `json:"path"`
	Agent      string    `json:"agent"`
	TaskID     string    `json:"task_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AccessEvent records one lock request or release.
type AccessEvent struct {
	Path   string    `json:"path"`
	Agent  string    `json:"agent"`
	Op     string    `json:"op"`
	Holder string    `json:"holder,omitempty"`
	At     time.Time `json:"at"`
}

// FileAccessTracker keeps at most one agent per file. Paths are compared in
// absolute, cleaned form. All methods are safe for concurrent use and never block
// on another agent.
type FileAccessTracker struct {
	mu      sync.Mutex
	locks   map[string]FileLock
	history []AccessEvent
	now     func() time.Time
}

// NewFileAccessTracker returns an empty tracker.
func NewFileAccessTracker() *FileAccessTracker {
	return &FileAccessTracker{
		locks: make(map[string]FileLock),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NormalizePath returns the key a path is locked under.
func NormalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Acquire claims path for agent. It succeeds when the path is free or already
// held by the same agent; otherwise it returns the holding agent.
func (t *FileAccessTracker) Acquire(agent, taskID, path string) (holder string, ok bool) {
	key := NormalizePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, held := t.locks[key]; held && cur.Agent != agent {
		t.logLocked(AccessEvent{Path: key, Agent: agent, Op: "conflict", Holder: cur.Agent})
		return cur.Agent, false
	}
	if _, held := t.locks[key]; !held {
		t.locks[key] = FileLock{Path: key, Agent: agent, TaskID: taskID, AcquiredAt: t.now()}
	}
	t.logLocked(AccessEvent{Path: key, Agent: agent, Op: "acquire"})
	return agent, true
}

// Release frees path if agent holds it.
func (t *FileAccessTracker) Release(agent, path string) bool {
	key := NormalizePath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, held := t.locks[key]
	if !held || cur.Agent != agent {
		return false
	}
	delete(t.locks, key)
	t.logLocked(AccessEvent{Path: key, Agent: agent, Op: "release"})
	return true
}

// ReleaseAll frees every path held by agent and returns how many were freed.
func (t *FileAccessTracker) ReleaseAll(agent string) int {
	return t.releaseWhere(func(l FileLock) bool { return l.Agent == agent })
}

// ReleaseTask frees every path acquired on behalf of taskID.
func (t *FileAccessTracker) ReleaseTask(taskID string) int {
	if taskID == "" {
		return 0
	}
	return t.releaseWhere(func(l FileLock) bool { return l.TaskID == taskID })
}

func (t *FileAccessTracker) releaseWhere(match func(FileLock) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, l := range t.locks {
		if match(l) {
			delete(t.locks, key)
			t.logLocked(AccessEvent{Path: key, Agent: l.Agent, Op: "release"})
			n++
		}
	}
	return n
}

// Holder returns the agent holding path.
func (t *FileAccessTracker) Holder(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[NormalizePath(path)]
	return l.Agent, ok
}

// Locks returns current locks sorted by path, optionally for one agent.
func (t *FileAccessTracker) Locks(agent string) []FileLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FileLock, 0, len(t.locks))
	for _, l := range t.locks {
		if agent == "" || l.Agent == agent {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b FileLock) int { return cmp.Compare(a.Path, b.Path) })
	return out
}

// History returns the most recent access events, oldest first.
func (t *FileAccessTracker) History() []AccessEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

func (t *FileAccessTracker) logLocked(e AccessEvent) {
	e.At = t.now()
	t.history = append(t.history, e)
	if len(t.history) > maxAccessHistory {
		t.history = slices.Clone(t.history[len(t.history)-maxAccessHistory:])
	}
}

// Package daemon tracks the background server process through a PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrAlreadyRunning is returned by Acquire when a live process owns the file.
var ErrAlreadyRunning = errors.New("already running")

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the file for the current process. A file left behind by a
// dead process is replaced.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("pid %d: %w", pid, ErrAlreadyRunning)
	}
	return p.Write()
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes pid to the file. The file is replaced atomically so a
// concurrent reader never sees a partial value.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.Path), ".pid-*")
	if err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write PID file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return os.Rename(tmp.Name(), p.Path)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID file content: %d", pid)
	}
	return pid, nil
}

// IsRunning reads the file and reports the PID and whether that process is
// alive. A missing or unreadable file reports (0, false).
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	alive, err := process.PidExistsWithContext(context.Background(), int32(pid))
	return pid, err == nil && alive
}

// Remove deletes the PID file. A missing file is not an error.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveIfOwned deletes the file only when it names the current process, so
// a shutting-down server never removes a successor's file.
func (p *PIDFile) RemoveIfOwned() error {
	pid, err := p.Read()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	return p.Remove()
}

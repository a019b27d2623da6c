// Package servicelog manages per-service log files.
//
// Each forward gets one append-only file that the child process writes to
// directly through an inherited descriptor. The manager writes a structured
// header at the start of every epoch, rotates files by size, and prunes
// rotated files by age and count.
package servicelog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dawsonlp/localport/pkg/logging"
)

const (
	// DefaultMaxSize triggers rotation once the active file reaches it.
	DefaultMaxSize = 10 * 1024 * 1024
	// DefaultRetention is how long rotated files are kept.
	DefaultRetention = 72 * time.Hour
	// DefaultMaxRotated caps the number of rotated files per service.
	DefaultMaxRotated = 5
)

// Header describes one epoch, written as `# key: value` lines at the top
// of the service log when a child is spawned.
type Header struct {
	ServiceID     string
	ServiceName   string
	Technology    string
	LocalPort     int
	RemotePort    int
	Connection    string
	DaemonVersion string
}

// Manager owns the service log directory.
type Manager struct {
	dir        string
	maxSize    int64
	retention  time.Duration
	maxRotated int

	log interface {
		Infof(template string, args ...interface{})
		Warnf(template string, args ...interface{})
	}
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithMaxSize overrides the rotation threshold.
func WithMaxSize(n int64) Option { return func(m *Manager) { m.maxSize = n } }

// WithRetention overrides how long rotated files are kept.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

// WithMaxRotated overrides the rotated-file count cap.
func WithMaxRotated(n int) Option { return func(m *Manager) { m.maxRotated = n } }

// NewManager creates a manager rooted at dir.
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:        dir,
		maxSize:    DefaultMaxSize,
		retention:  DefaultRetention,
		maxRotated: DefaultMaxRotated,
		log:        logging.For("servicelog"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PathFor returns the log file path for a service.
func (m *Manager) PathFor(serviceName, shortID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s.log", sanitize(serviceName), shortID))
}

// OpenEpoch opens (creating if needed) the service log in append mode and
// writes the epoch header. The caller passes the descriptor to the child
// and closes its own copy after spawn; the manager retains nothing.
func (m *Manager) OpenEpoch(serviceName, shortID string, hdr Header) (*os.File, string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating service log directory: %w", err)
	}
	path := m.PathFor(serviceName, shortID)

	// Rotate before opening a new epoch if the previous epoch left an
	// oversized file behind.
	if info, err := os.Stat(path); err == nil && info.Size() >= m.maxSize {
		if err := m.rotate(path); err != nil {
			m.log.Warnf("rotating %s before new epoch: %v", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("opening service log %s: %w", path, err)
	}
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		return nil, "", err
	}
	return f, path, nil
}

func writeHeader(f *os.File, hdr Header) error {
	lines := []string{
		"# ---- localport epoch ----",
		"# service_id: " + hdr.ServiceID,
		"# service: " + hdr.ServiceName,
		"# technology: " + hdr.Technology,
		fmt.Sprintf("# forward: localhost:%d -> %d", hdr.LocalPort, hdr.RemotePort),
		"# connection: " + hdr.Connection,
		"# platform: " + runtime.GOOS + "/" + runtime.GOARCH,
		"# daemon_version: " + hdr.DaemonVersion,
		"# started_at: " + time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		return fmt.Errorf("writing epoch header: %w", err)
	}
	return f.Sync()
}

// Sweep performs one rotation and retention pass over the whole directory.
// It is registered as a cooperative task and called periodically.
func (m *Manager) Sweep() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading service log directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() >= m.maxSize {
			if err := m.rotate(path); err != nil {
				m.log.Warnf("rotating %s: %v", path, err)
			}
		}
	}

	m.prune(entries)
	return nil
}

// rotate renames path to path.1, shifting existing numeric suffixes up.
// The rename is atomic; a child still holding the descriptor keeps writing
// into the rotated file until its next epoch.
func (m *Manager) rotate(path string) error {
	for i := m.maxRotated - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		to := fmt.Sprintf("%s.%d", path, i+1)
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("shifting rotated log %s: %w", from, err)
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotating %s: %w", path, err)
	}
	m.log.Infof("rotated %s", path)
	return nil
}

// prune deletes rotated files that are older than the retention window or
// beyond the per-service count cap.
func (m *Manager) prune(entries []os.DirEntry) {
	cutoff := time.Now().Add(-m.retention)
	rotatedPerBase := map[string][]string{}

	for _, entry := range entries {
		name := entry.Name()
		base, n, ok := splitRotated(name)
		if !ok {
			continue
		}
		path := filepath.Join(m.dir, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) || n > m.maxRotated {
			if err := os.Remove(path); err == nil {
				m.log.Infof("pruned %s", path)
			}
			continue
		}
		rotatedPerBase[base] = append(rotatedPerBase[base], name)
	}

	// Enforce the count cap even when suffixes are sparse.
	for _, names := range rotatedPerBase {
		if len(names) <= m.maxRotated {
			continue
		}
		sort.Slice(names, func(i, j int) bool {
			_, a, _ := splitRotated(names[i])
			_, b, _ := splitRotated(names[j])
			return a < b
		})
		for _, name := range names[m.maxRotated:] {
			if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
				m.log.Infof("pruned %s", name)
			}
		}
	}
}

// splitRotated decomposes "name.log.3" into ("name.log", 3, true).
func splitRotated(name string) (string, int, bool) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	base := name[:idx]
	if !strings.HasSuffix(base, ".log") {
		return "", 0, false
	}
	return base, n, true
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

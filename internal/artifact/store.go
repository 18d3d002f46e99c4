package artifact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultURLPrefix = "/audio/"
	createAttempts   = 4
)

var ErrInvalidName = errors.New("invalid artifact name")

// Artifact is a stored audio file.
type Artifact struct {
	Name      string
	Size      int64
	CreatedAt time.Time
	URL       string
}

// Store owns a directory of generated audio files and keeps at most MaxFiles of
// them. Only files it has finished writing are indexed, retrievable, or eligible
// for pruning.
type Store struct {
	dir       string
	maxFiles  int
	urlPrefix string
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries []Artifact // oldest first
	byName  map[string]struct{}
	doomed  []Artifact
	hook    func(stored, pruned int)

	background atomic.Bool
	kick       chan struct{}
}

// Open prepares dir and indexes the files already in it by modification time,
// pruning down to maxFiles.
func Open(dir string, maxFiles int, logger *zap.Logger) (*Store, error) {
	if maxFiles <= 0 {
		return nil, fmt.Errorf("max files must be positive, got %d", maxFiles)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		maxFiles:  maxFiles,
		urlPrefix: DefaultURLPrefix,
		logger:    logger,
		now:       time.Now,
		byName:    make(map[string]struct{}),
		kick:      make(chan struct{}, 1),
	}

	existing, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan artifact dir: %w", err)
	}
	for _, e := range existing {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.entries = append(s.entries, Artifact{
			Name:      e.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			URL:       s.urlPrefix + e.Name(),
		})
		s.byName[e.Name()] = struct{}{}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
	s.mu.Lock()
	s.trimLocked()
	s.mu.Unlock()
	s.Sweep()
	return s, nil
}

// SetIndexHook registers a callback invoked after the index changes.
func (s *Store) SetIndexHook(hook func(stored, pruned int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Dir is the directory holding the artifacts.
func (s *Store) Dir() string { return s.dir }

// Save writes data under a fresh "<owner>_<token>.<ext>" name. Existing files are
// never overwritten.
func (s *Store) Save(data []byte, owner, ext string) (Artifact, error) {
	owner = sanitize(owner)
	if owner == "" {
		owner = "anon"
	}
	ext = sanitize(strings.TrimPrefix(ext, "."))
	if ext == "" {
		ext = "bin"
	}

	var (
		name string
		err  error
	)
	for attempt := 0; attempt < createAttempts; attempt++ {
		name = owner + "_" + randomToken() + "." + ext
		err = s.writeExclusive(name, data)
		if !errors.Is(err, fs.ErrExist) {
			break
		}
		s.logger.Debug("artifact name collision", zap.String("name", name))
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	a := Artifact{
		Name: name,
		Size: int64(len(data)),
		URL:  s.urlPrefix + name,
	}

	// Stamped under the lock so the index stays ordered by CreatedAt.
	s.mu.Lock()
	a.CreatedAt = s.now()
	s.entries = append(s.entries, a)
	s.byName[name] = struct{}{}
	pruned := s.trimLocked()
	stored := len(s.entries)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(stored, pruned)
	}
	if pruned > 0 {
		if s.background.Load() {
			select {
			case s.kick <- struct{}{}:
			default:
			}
		} else {
			s.Sweep()
		}
	}
	return a, nil
}

func (s *Store) writeExclusive(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// trimLocked moves the oldest entries beyond maxFiles to the delete queue.
func (s *Store) trimLocked() int {
	excess := len(s.entries) - s.maxFiles
	if excess <= 0 {
		return 0
	}
	victims := s.entries[:excess]
	for _, v := range victims {
		delete(s.byName, v.Name)
	}
	s.doomed = append(s.doomed, victims...)
	s.entries = append([]Artifact(nil), s.entries[excess:]...)
	return excess
}

// Sweep deletes queued artifacts. Failures stay queued for the next sweep.
func (s *Store) Sweep() int {
	s.mu.Lock()
	batch := s.doomed
	s.doomed = nil
	s.mu.Unlock()

	deleted := 0
	var failed []Artifact
	for _, a := range batch {
		err := os.Remove(filepath.Join(s.dir, a.Name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("artifact delete failed", zap.String("name", a.Name), zap.Error(err))
			failed = append(failed, a)
			continue
		}
		deleted++
	}
	if len(failed) > 0 {
		s.mu.Lock()
		s.doomed = append(failed, s.doomed...)
		s.mu.Unlock()
	}
	return deleted
}

// Start runs sweeps in the background after each pruning save and every interval
// until ctx is done. Save no longer deletes inline once Start has been called.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.background.Store(true)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer s.background.Store(false)
		for {
			select {
			case <-ctx.Done():
				s.Sweep()
				return
			case <-s.kick:
				s.Sweep()
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Path resolves a retrievable artifact name to its file path.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	s.mu.Lock()
	_, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return "", fs.ErrNotExist
	}
	return filepath.Join(s.dir, name), nil
}

// Count is the number of indexed artifacts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns the indexed artifacts, oldest first.
func (s *Store) List() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Artifact(nil), s.entries...)
}

// Pending is the number of pruned artifacts still waiting for deletion.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doomed)
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func sanitize(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

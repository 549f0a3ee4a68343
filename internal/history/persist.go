package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/model"
)

// Persister loads and saves the History Index. Save must be atomic: a crash
// part way through leaves the previous snapshot readable.
type Persister interface {
	Load(ctx context.Context) (*Index, error)
	Save(ctx context.Context, idx *Index) error
}

// PersistenceError reports a History Index load or save failure.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("history %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// FileStore keeps the index as a JSON snapshot. Saves write a temp file,
// fsync it and rename it over the snapshot; the replaced snapshot is kept
// as <path>.prev for recovery. An flock on <path>.lock keeps two processes
// from writing at once.
type FileStore struct {
	path        string
	lockTimeout time.Duration
	nowFunc     func() time.Time
}

// NewFileStore creates a FileStore for path.
func NewFileStore(path string, lockTimeout time.Duration) *FileStore {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &FileStore{path: path, lockTimeout: lockTimeout, nowFunc: time.Now}
}

// Path returns the snapshot path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) prevPath() string { return s.path + ".prev" }

func (s *FileStore) lockPath() string { return s.path + ".lock" }

// Load reads the snapshot, falling back to the previous one when the main
// file is missing or corrupt. With no files at all it returns an empty
// Index. A snapshot that exists but cannot be read, with no usable
// fallback, is a PersistenceError.
func (s *FileStore) Load(ctx context.Context) (*Index, error) {
	idx, mainErr := readSnapshot(s.path)
	if mainErr == nil {
		return idx, nil
	}

	prev, prevErr := readSnapshot(s.prevPath())
	if prevErr == nil {
		zap.L().Warn("history: main snapshot unusable, loaded previous snapshot",
			zap.String("path", s.path),
			zap.Int64("version", prev.Version),
			zap.Error(mainErr),
		)
		return prev, nil
	}

	if errors.Is(mainErr, fs.ErrNotExist) && errors.Is(prevErr, fs.ErrNotExist) {
		zap.L().Info("history: no snapshot found, starting empty", zap.String("path", s.path))
		return New(), nil
	}
	if errors.Is(mainErr, fs.ErrNotExist) {
		return nil, &PersistenceError{Op: "load", Path: s.prevPath(), Err: prevErr}
	}
	return nil, &PersistenceError{Op: "load", Path: s.path, Err: mainErr}
}

func readSnapshot(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx := New()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, eris.Wrap(err, "decode snapshot")
	}
	if idx.Buckets == nil {
		idx.Buckets = make(map[string][]model.Lead)
	}
	for fp, leads := range idx.Buckets {
		for _, l := range leads {
			if l.Fingerprint != fp {
				return nil, eris.Errorf("lead %s filed under %s has fingerprint %s", l.ID, fp, l.Fingerprint)
			}
		}
	}
	return idx, nil
}

// Save atomically replaces the snapshot with idx.
func (s *FileStore) Save(ctx context.Context, idx *Index) error {
	wrap := func(err error) error {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrap(eris.Wrap(err, "create directory"))
	}

	lock := flock.New(s.lockPath())
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return wrap(eris.Wrap(err, "acquire lock"))
	}
	if !locked {
		return wrap(eris.New("acquire lock: timed out"))
	}
	defer lock.Unlock() //nolint:errcheck

	snapshot := *idx
	snapshot.SavedAt = s.nowFunc().UTC()
	data, err := json.Marshal(&snapshot)
	if err != nil {
		return wrap(eris.Wrap(err, "encode snapshot"))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return wrap(eris.Wrap(err, "create temp file"))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return wrap(eris.Wrap(err, "write temp file"))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return wrap(eris.Wrap(err, "sync temp file"))
	}
	if err := tmp.Close(); err != nil {
		return wrap(eris.Wrap(err, "close temp file"))
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.prevPath()); err != nil {
			return wrap(eris.Wrap(err, "keep previous snapshot"))
		}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return wrap(eris.Wrap(err, "install snapshot"))
	}
	committed = true
	syncDir(dir)

	zap.L().Debug("history: snapshot saved",
		zap.String("path", s.path),
		zap.Int64("version", idx.Version),
		zap.Int("leads", idx.Len()),
	)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

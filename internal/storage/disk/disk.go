// Package disk implements blob.Store on the local filesystem. Containers are
// directories below the root, keys are relative paths inside them, and every
// payload has a JSON sidecar carrying its ETag and content type.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/sqsext/blob"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Retention removes payloads older than this duration. Zero keeps payloads
	// until they are deleted explicitly.
	Retention       time.Duration
	JanitorInterval time.Duration
	Now             func() time.Time
}

// Store implements blob.Store backed by the local filesystem.
type Store struct {
	root            string
	objectDir       string
	tmpDir          string
	lockDir         string
	retention       time.Duration
	janitorInterval time.Duration
	now             func() time.Time

	locks sync.Map

	stopJanitor chan struct{}
	doneJanitor chan struct{}
	closeOnce   sync.Once
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("disk: retention must be >= 0")
	}
	if cfg.JanitorInterval < 0 {
		return nil, fmt.Errorf("disk: janitor interval must be >= 0")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:            root,
		objectDir:       filepath.Join(root, "objects"),
		tmpDir:          filepath.Join(root, "tmp"),
		lockDir:         filepath.Join(root, "locks"),
		retention:       cfg.Retention,
		janitorInterval: cfg.JanitorInterval,
		now:             cfg.Now,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if s.janitorInterval <= 0 {
		s.janitorInterval = time.Hour
	}
	if s.retention > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// Close stops the retention janitor.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.stopJanitor != nil {
			close(s.stopJanitor)
			<-s.doneJanitor
		}
	})
	return nil
}

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("storage_backend", "disk")
	return logger, logger
}

// PutObject writes the payload to a temp file and renames it into place.
func (s *Store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.put_object.begin", "container", container, "key", key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.objectDataPath(container, key)
	if err != nil {
		return nil, err
	}
	lock, err := s.lockKey(container, key)
	if err != nil {
		return nil, err
	}
	defer lock()

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		logger.Debug("disk.put_object.write_error", "container", container, "key", key, "error", err)
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))
	err = os.Rename(tmp.Name(), dataPath)
	if errors.Is(err, os.ErrNotExist) {
		// a concurrent delete pruned the parent directory
		if err = os.MkdirAll(filepath.Dir(dataPath), 0o755); err == nil {
			err = os.Rename(tmp.Name(), dataPath)
		}
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.ContentTypeOctetStream
	}
	now := s.now()
	rec := objectInfoRecord{ETag: etag, ContentType: contentType, UpdatedAtUnix: now.Unix()}
	if err := s.writeJSONAtomic(dataPath+infoSuffix, rec); err != nil {
		return nil, fmt.Errorf("disk: write object metadata %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	verbose.Debug("disk.put_object.success", "container", container, "key", key, "etag", etag, "bytes", written)
	return &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  contentType,
	}, nil
}

// GetObject streams the object payload for container/key.
func (s *Store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.get_object.begin", "container", container, "key", key)
	if err := ctx.Err(); err != nil {
		return blob.GetResult{}, err
	}
	dataPath, err := s.objectDataPath(container, key)
	if err != nil {
		return blob.GetResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose.Debug("disk.get_object.not_found", "container", container, "key", key)
			return blob.GetResult{}, blob.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "container", container, "key", key, "error", err)
		return blob.GetResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(container, key, dataPath)
	if err != nil {
		f.Close()
		return blob.GetResult{}, err
	}
	verbose.Debug("disk.get_object.success", "container", container, "key", key, "etag", info.ETag, "size", info.Size)
	return blob.GetResult{Reader: f, Info: info}, nil
}

// DeleteObject removes the payload and its sidecar, pruning empty directories.
func (s *Store) DeleteObject(ctx context.Context, container, key string) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.delete_object.begin", "container", container, "key", key)
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.objectDataPath(container, key)
	if err != nil {
		return err
	}
	lock, err := s.lockKey(container, key)
	if err != nil {
		return err
	}
	defer lock()
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose.Debug("disk.delete_object.not_found", "container", container, "key", key)
			return blob.ErrNotFound
		}
		logger.Debug("disk.delete_object.remove_error", "container", container, "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("disk.delete_object.remove_info_error", "container", container, "key", key, "error", err)
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	s.pruneEmptyDirs(filepath.Dir(dataPath))
	verbose.Debug("disk.delete_object.success", "container", container, "key", key)
	return nil
}

// SweepOnce removes payloads older than the configured retention.
func (s *Store) SweepOnce() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	_ = filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() || !strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		var rec objectInfoRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.UpdatedAtUnix == 0 {
			return nil
		}
		if time.Unix(rec.UpdatedAtUnix, 0).After(cutoff) {
			return nil
		}
		dataPath := strings.TrimSuffix(p, infoSuffix)
		if err := os.Remove(dataPath); err == nil || errors.Is(err, os.ErrNotExist) {
			os.Remove(p)
			s.pruneEmptyDirs(filepath.Dir(dataPath))
			removed++
		}
		return nil
	})
	return removed
}

func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()
	defer close(s.doneJanitor)
	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) loadObjectInfo(container, key, dataPath string) (*blob.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	return &blob.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

func (s *Store) objectDataPath(container, key string) (string, error) {
	c, err := cleanSegment(container)
	if err != nil || strings.Contains(c, "/") {
		return "", fmt.Errorf("disk: invalid container %q", container)
	}
	k, err := cleanSegment(key)
	if err != nil {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	if strings.HasSuffix(k, infoSuffix) {
		return "", fmt.Errorf("disk: reserved object key suffix in %q", key)
	}
	return filepath.Join(s.objectDir, c, filepath.FromSlash(k)), nil
}

func cleanSegment(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty")
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", errors.New("parent segment")
		}
	}
	clean := path.Clean("/" + raw)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", errors.New("invalid")
	}
	return clean, nil
}

// lockKey serialises writers of one object within the process and across
// processes sharing the root.
func (s *Store) lockKey(container, key string) (func(), error) {
	id := container + "/" + key
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	sum := sha256.Sum256([]byte(id))
	f, err := os.OpenFile(filepath.Join(s.lockDir, hex.EncodeToString(sum[:8])+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.(*sync.Mutex).Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.(*sync.Mutex).Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() {
		_ = fl.Unlock()
		mu.(*sync.Mutex).Unlock()
	}, nil
}

func (s *Store) pruneEmptyDirs(dir string) {
	for dir != s.objectDir && strings.HasPrefix(dir, s.objectDir) {
		// ENOTEMPTY ends the walk: a sibling still lives here.
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *Store) writeJSONAtomic(dest string, v any) error {
	tmp, err := os.CreateTemp(s.tmpDir, "objectinfo-*")
	if err != nil {
		return err
	}
	err = json.NewEncoder(tmp).Encode(v)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

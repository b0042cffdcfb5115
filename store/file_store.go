package store

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore is the disk-backed Store (component E): metadata lives in
// a BboltMetadataStore, frames live in per-stream segment files pooled
// through a FilePool, and WaitForMessages wakes off a shared
// waiterRegistry plus, optionally, an fsnotify watch so a second
// process sharing the same data directory observes writes too.
type FileStore struct {
	dataDir    string
	logger     *zap.Logger
	metaStore  *BboltMetadataStore
	writerPool *FilePool
	waiters    *waiterRegistry
	watcher    *fsnotify.Watcher

	metaCache   map[string]*StreamMetadata
	dirCache    map[string]string // path -> directory name
	pathByDir   map[string]string // directory name -> path, for fsnotify events
	metaCacheMu sync.RWMutex

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	DataDir            string
	MaxFileHandles     int
	CleanupInterval    time.Duration // 0 disables background expiry cleanup
	WatchForeignWrites bool          // enable fsnotify cross-process wake
	Logger             *zap.Logger
}

// NewFileStore opens or creates a store rooted at cfg.DataDir, recovering
// its metadata index against segment files on disk before returning.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "streams"), 0755); err != nil {
		return nil, fmt.Errorf("create streams directory: %w", err)
	}

	summary, err := Recover(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("recover store: %w", err)
	}
	logger.Info("recovery complete",
		zap.Int("recovered", summary.Recovered),
		zap.Int("reconciled", summary.Reconciled),
		zap.Int("dropped", summary.Dropped),
		zap.Int("orphans_removed", summary.OrphansRemoved),
	)

	metaDir := filepath.Join(cfg.DataDir, "metadata")
	metaStore, err := NewBboltMetadataStore(metaDir)
	if err != nil {
		return nil, fmt.Errorf("create metadata store: %w", err)
	}

	maxHandles := cfg.MaxFileHandles
	if maxHandles <= 0 {
		maxHandles = defaultMaxFileHandles
	}

	fs := &FileStore{
		dataDir:     cfg.DataDir,
		logger:      logger,
		metaStore:   metaStore,
		writerPool:  NewFilePool(maxHandles),
		waiters:     newWaiterRegistry(),
		metaCache:   make(map[string]*StreamMetadata),
		dirCache:    make(map[string]string),
		pathByDir:   make(map[string]string),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	if err := fs.loadCache(); err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("load cache: %w", err)
	}

	if cfg.WatchForeignWrites {
		if err := fs.startWatcher(); err != nil {
			logger.Warn("fsnotify watch disabled", zap.Error(err))
		}
	}

	if cfg.CleanupInterval > 0 {
		go fs.backgroundCleanup(cfg.CleanupInterval)
	} else {
		close(fs.cleanupDone)
	}

	return fs, nil
}

func (s *FileStore) loadCache() error {
	return s.metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		s.metaCache[meta.Path] = meta
		s.dirCache[meta.Path] = dirName
		s.pathByDir[dirName] = meta.Path
		return nil
	})
}

// startWatcher watches the streams directory tree so a write made by a
// sibling process (sharing this data directory) wakes local long-poll
// and SSE waiters too, not just writes made through this FileStore.
func (s *FileStore) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	s.metaCacheMu.RLock()
	for dirName := range s.pathByDir {
		w.Add(filepath.Join(s.dataDir, "streams", dirName))
	}
	s.metaCacheMu.RUnlock()

	s.watcher = w
	go s.watchLoop()
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			dirName := filepath.Base(filepath.Dir(event.Name))
			s.metaCacheMu.RLock()
			path, ok := s.pathByDir[dirName]
			s.metaCacheMu.RUnlock()
			if ok {
				s.waiters.Notify(path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fsnotify watcher error", zap.Error(err))
		}
	}
}

// Create makes path observable. An existing entry with matching config
// is an idempotent success; a config mismatch is ErrConfigMismatch.
func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	if existing, ok := s.metaCache[path]; ok {
		if existing.ConfigMatches(opts) {
			return existing, false, nil
		}
		return nil, false, ErrConfigMismatch
	}

	dirName := generateDirectoryName(path)

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create stream directory: %w", err)
	}

	segPath := filepath.Join(streamDir, SegmentFileName)
	if err := CreateSegmentFile(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := &StreamMetadata{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: ZeroOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(meta, dirName, opts.InitialData, true)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		meta.CurrentOffset = newOffset
	}

	if err := s.metaStore.Put(meta, dirName); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store metadata: %w", err)
	}

	s.metaCache[path] = meta
	s.dirCache[path] = dirName
	s.pathByDir[dirName] = path

	if s.watcher != nil {
		s.watcher.Add(streamDir)
	}

	return meta, true, nil
}

func (s *FileStore) Get(path string) (*StreamMetadata, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}
	if meta.IsExpired() {
		return nil, ErrStreamNotFound
	}

	metaCopy := *meta
	return &metaCopy, nil
}

func (s *FileStore) Has(path string) bool {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()
	return ok && !meta.IsExpired()
}

func (s *FileStore) Delete(path string) error {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()
	return s.deleteLocked(path)
}

// deleteLocked assumes metaCacheMu is already held.
func (s *FileStore) deleteLocked(path string) error {
	dirName, ok := s.dirCache[path]
	if !ok {
		return ErrStreamNotFound
	}

	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
	s.writerPool.Remove(segPath)

	if err := s.metaStore.Delete(path); err != nil {
		return err
	}

	delete(s.metaCache, path)
	delete(s.dirCache, path)
	delete(s.pathByDir, dirName)

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	deletedDir := filepath.Join(s.dataDir, "streams", ".deleted~"+dirName+"~"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.Rename(streamDir, deletedDir); err == nil {
		go os.RemoveAll(deletedDir)
	}

	s.waiters.Notify(path)

	return nil
}

// Append writes data to path's segment, in JSON mode splitting a
// top-level array into independent frames first.
func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return Offset{}, ErrStreamNotFound
	}

	dirName := s.dirCache[path]

	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return Offset{}, ErrContentTypeMismatch
	}
	if len(data) == 0 {
		return Offset{}, ErrEmptyBody
	}
	if opts.Seq != "" && meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
		return Offset{}, ErrSequenceConflict
	}

	newOffset, err := s.appendToStream(meta, dirName, data, false)
	if err != nil {
		return Offset{}, err
	}

	meta.CurrentOffset = newOffset
	if opts.Seq != "" {
		meta.LastSeq = opts.Seq
	}

	if err := s.metaStore.UpdateOffset(path, newOffset, opts.Seq); err != nil {
		s.logger.Warn("metadata index update failed, will reconcile on next recovery",
			zap.String("path", path), zap.Error(err))
	}

	s.waiters.Notify(path)

	return newOffset, nil
}

// appendToStream writes data's frames to the segment and returns the
// new tail offset. meta.CurrentOffset is read but not mutated here;
// the caller commits the new offset once the write is durable.
func (s *FileStore) appendToStream(meta *StreamMetadata, dirName string, data []byte, allowEmpty bool) (Offset, error) {
	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)

	file, err := s.writerPool.GetWrite(segPath)
	if err != nil {
		return Offset{}, fmt.Errorf("get write handle: %w", err)
	}

	offset := meta.CurrentOffset

	if IsJSONContentType(meta.ContentType) {
		parts, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset{}, err
		}
		for _, part := range parts {
			n, err := WriteFrame(file, part)
			if err != nil {
				return Offset{}, err
			}
			offset = offset.Advance(uint64(n))
		}
	} else {
		n, err := WriteFrame(file, data)
		if err != nil {
			return Offset{}, err
		}
		offset = offset.Advance(uint64(n))
	}

	if err := s.writerPool.Fsync(segPath); err != nil {
		return Offset{}, err
	}

	return offset, nil
}

func (s *FileStore) Read(path string, offset Offset) ([]Message, bool, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	dirName := s.dirCache[path]
	s.metaCacheMu.RUnlock()

	if !ok {
		return nil, false, ErrStreamNotFound
	}
	if meta.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	if offset.Equal(meta.CurrentOffset) {
		return nil, true, nil
	}

	segPath := filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
	reader, err := NewSegmentReader(segPath)
	if err != nil {
		return nil, false, fmt.Errorf("open segment: %w", err)
	}
	defer reader.Close()

	messages, tail, err := reader.ReadMessages(offset)
	if err != nil {
		return nil, false, err
	}

	upToDate := tail.Equal(meta.CurrentOffset)
	return messages, upToDate, nil
}

func (s *FileStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, err
	}
	if len(messages) > 0 {
		return messages, false, nil
	}

	ch := s.waiters.Register(path)
	defer s.waiters.Unregister(path, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := s.Read(path, offset)
		return messages, false, err
	case <-timer.C:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *FileStore) GetCurrentOffset(path string) (Offset, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()

	if !ok {
		return Offset{}, ErrStreamNotFound
	}
	return meta.CurrentOffset, nil
}

// Close stops background work and releases every resource the store holds.
func (s *FileStore) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone

	var lastErr error

	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			lastErr = err
		}
	}
	if err := s.writerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.metaStore.Close(); err != nil {
		lastErr = err
	}

	return lastErr
}

func (s *FileStore) backgroundCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.cleanupExpiredStreams()
		}
	}
}

func (s *FileStore) cleanupExpiredStreams() {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	var expired []string
	for path, meta := range s.metaCache {
		if meta.IsExpired() {
			expired = append(expired, path)
		}
	}

	for _, path := range expired {
		if err := s.deleteLocked(path); err != nil {
			s.logger.Warn("expiry cleanup failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// FormatResponse renders messages per path's content-type framing rules.
func (s *FileStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()

	if !ok {
		return nil, ErrStreamNotFound
	}

	if IsJSONContentType(meta.ContentType) {
		return FormatJSONResponse(messages), nil
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

// generateDirectoryName builds a filesystem-safe, collision-resistant
// directory name for path: its URL-escaped form plus a random suffix,
// so a delete-then-recreate of the same path never reuses a directory
// a pending async cleanup might still be removing.
func generateDirectoryName(path string) string {
	return fmt.Sprintf("%s~%s", url.PathEscape(path), uuid.NewString())
}

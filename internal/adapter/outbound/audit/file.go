package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Agent-Gate/agentgate/internal/domain/audit"
)

// logFilePattern matches audit log filenames: audit-YYYY-MM-DD.log or
// audit-YYYY-MM-DD-N.log for size-rotated parts.
var logFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// FileConfig holds configuration for the file-based audit store.
type FileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is how long rotated files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent entries kept in memory for
	// queries (default 1000).
	CacheSize int
	// QueueSize bounds the async write queue (default 4096). When
	// full, the oldest queued entry is dropped and counted.
	QueueSize int
}

// FileStore writes audit entries as JSON Lines with daily and size
// rotation. Writes are decoupled from callers through a bounded queue
// drained by a single writer goroutine, so a slow disk never blocks
// the request path.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	logger        *slog.Logger
	clock         func() time.Time

	queue   chan audit.Entry
	dropped atomic.Int64

	mu      sync.Mutex
	file    *os.File
	date    string
	size    int64
	suffix  int
	closed  bool

	cache *entryCache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFileStore opens today's log file, runs retention cleanup,
// populates the query cache from the newest file on disk, and starts
// the writer and hourly cleanup goroutines.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		clock:         time.Now,
		queue:         make(chan audit.Entry, cfg.QueueSize),
		cache:         newEntryCache(cfg.CacheSize),
		cancel:        cancel,
	}

	if err := s.openLocked(s.clock().UTC().Format("2006-01-02"), 0, true); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runRetention()
	s.warmCache()

	s.wg.Add(2)
	go s.writeLoop(ctx)
	go s.retentionLoop(ctx)

	return s, nil
}

// Write enqueues entries for the writer goroutine. Never blocks: when
// the queue is full the oldest queued entry is evicted and counted.
func (s *FileStore) Write(_ context.Context, entries ...audit.Entry) error {
	for _, e := range entries {
		for {
			select {
			case s.queue <- e:
			default:
				select {
				case <-s.queue:
					s.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// Dropped returns the number of entries evicted from a full queue.
func (s *FileStore) Dropped() int64 { return s.dropped.Load() }

// Query filters the in-memory cache of recent entries, newest-first.
func (s *FileStore) Query(_ context.Context, q audit.Query) ([]audit.Entry, error) {
	recent := s.cache.Snapshot()

	out := make([]audit.Entry, 0, len(recent))
	skipped := 0
	for _, e := range recent {
		if !q.Matches(e) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Close drains the queue, stops the goroutines, and closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	// Drain whatever arrived before Close.
	for {
		select {
		case e := <-s.queue:
			s.persist(e)
		default:
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.file != nil {
				_ = s.file.Sync()
				err := s.file.Close()
				s.file = nil
				return err
			}
			return nil
		}
	}
}

func (s *FileStore) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.persist(e)
		}
	}
}

func (s *FileStore) persist(e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}

	dateStr := e.Timestamp.UTC().Format("2006-01-02")
	if dateStr != s.date {
		if err := s.openLocked(dateStr, 0, false); err != nil {
			s.logger.Error("audit date rotation failed", "error", err)
			return
		}
	}
	if s.size >= s.maxFileSize {
		if err := s.openLocked(s.date, s.suffix+1, false); err != nil {
			s.logger.Error("audit size rotation failed", "error", err)
			return
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("audit marshal failed", "error", err)
		return
	}
	n, err := s.file.Write(append(data, '\n'))
	if err != nil {
		s.logger.Error("audit write failed", "error", err)
		return
	}
	s.size += int64(n)
	s.cache.Add(e)
}

// openLocked switches the current file to (dateStr, suffix). When
// resume is set the highest existing suffix for the date is reused so
// restarts append instead of overwriting. Caller holds s.mu (or is
// the constructor).
func (s *FileStore) openLocked(dateStr string, suffix int, resume bool) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
	if resume {
		suffix = s.highestSuffix(dateStr)
	}

	path := filepath.Join(s.dir, buildFilename(dateStr, suffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	s.file = f
	s.date = dateStr
	s.suffix = suffix
	s.size = info.Size()
	return nil
}

func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

type logFileInfo struct {
	name   string
	date   string
	suffix int
}

func parseFilename(name string) (logFileInfo, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFileInfo{}, false
	}
	info := logFileInfo{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

func (s *FileStore) listFiles() []logFileInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []logFileInfo
	for _, e := range entries {
		if info, ok := parseFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
	return files
}

func (s *FileStore) highestSuffix(dateStr string) int {
	highest := 0
	for _, f := range s.listFiles() {
		if f.date == dateStr && f.suffix > highest {
			highest = f.suffix
		}
	}
	return highest
}

// runRetention deletes files older than the retention period.
func (s *FileStore) runRetention() {
	cutoff := s.clock().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, f := range s.listFiles() {
		fileDate, err := time.Parse("2006-01-02", f.date)
		if err != nil {
			continue
		}
		if !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Error("audit retention delete failed", "file", f.name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("audit retention completed", "deleted", deleted)
	}
}

func (s *FileStore) retentionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runRetention()
		}
	}
}

// warmCache loads the newest file on disk so queries work right after
// a restart.
func (s *FileStore) warmCache() {
	files := s.listFiles()
	if len(files) == 0 {
		return
	}
	path := filepath.Join(s.dir, files[len(files)-1].name)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	var entries []audit.Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("audit cache skipping malformed line", "file", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > s.cache.cap {
		entries = entries[len(entries)-s.cache.cap:]
	}
	for _, e := range entries {
		s.cache.Add(e)
	}
}

var (
	_ audit.Sink    = (*FileStore)(nil)
	_ audit.Querier = (*FileStore)(nil)
)

// entryCache is a ring of recent entries serving the query path.
type entryCache struct {
	mu      sync.RWMutex
	entries []audit.Entry
	cap     int
	head    int
	count   int
}

func newEntryCache(capacity int) *entryCache {
	return &entryCache{entries: make([]audit.Entry, capacity), cap: capacity}
}

func (c *entryCache) Add(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.cap
	if c.count < c.cap {
		c.count++
	}
}

// Snapshot returns cached entries newest-first.
func (c *entryCache) Snapshot() []audit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]audit.Entry, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.entries[(c.head-1-i+c.cap)%c.cap]
	}
	return out
}

// Package decisionstore provides file-based persistence for decision
// records: JSON Lines format, daily rotation, size caps, retention cleanup,
// and an in-memory ring-buffer cache for recent-record queries. Adapted
// from the teacher's FileAuditStore, generalized from audit.AuditRecord to
// decision.Record and extended with a bounded time-range Query.
package decisionstore

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
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
)

const maxQueryWindow = 7 * 24 * time.Hour

type fileInfo struct {
	name   string
	date   string
	suffix int
}

var filenamePattern = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

func parseFilename(name string) (fileInfo, bool) {
	matches := filenamePattern.FindStringSubmatch(name)
	if matches == nil {
		return fileInfo{}, false
	}
	info := fileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return fileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

func sortFiles(files []fileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// Config configures the file-backed decision store.
type Config struct {
	Dir           string
	RetentionDays int
	MaxFileSizeMB int
	CacheSize     int
}

// FileStore implements decision.Store and decision.QueryStore with daily
// rotation, size-based rotation, retention cleanup, and a ring-buffer read
// cache.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	cache         *ringCache
	mu            sync.Mutex
	logger        *slog.Logger
	cancel        context.CancelFunc
	closed        bool
}

// NewFileStore creates the store, opening today's file, running retention
// cleanup, populating the read cache, and starting the hourly cleanup
// loop.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create decision audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newRingCache(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open decision audit file: %w", err)
	}

	s.runCleanup()
	s.populateCache()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append implements decision.Store.
func (s *FileStore) Append(_ context.Context, records ...decision.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		dateStr := rec.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal decision record: %w", err)
		}
		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write decision record: %w", err)
		}
		s.currentSize += int64(n)
		s.cache.Add(rec)
	}

	return nil
}

// Flush implements decision.Store.
func (s *FileStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close implements decision.Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// Query implements decision.QueryStore by scanning the ring cache only;
// callers needing history beyond the cache window should read the
// underlying JSON Lines files directly (operational/forensic use, not the
// hot query path). The cursor is the decimal number of matching records
// already returned; an empty or malformed cursor starts at the first match.
func (s *FileStore) Query(_ context.Context, filter decision.Filter) ([]decision.Record, string, error) {
	if !filter.StartTime.IsZero() && !filter.EndTime.IsZero() {
		if filter.EndTime.Sub(filter.StartTime) > maxQueryWindow {
			return nil, "", decision.ErrDateRangeExceeded
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	offset, err := strconv.Atoi(filter.Cursor)
	if err != nil || offset < 0 {
		offset = 0
	}
	skipped := 0

	all := s.cache.All()
	out := make([]decision.Record, 0, limit)
	for _, rec := range all {
		if !filter.StartTime.IsZero() && rec.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && rec.Timestamp.After(filter.EndTime) {
			continue
		}
		if filter.PrincipalID != "" && rec.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.ResourceID != "" && rec.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Allow != nil && rec.Allow != *filter.Allow {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) == limit {
			return out, strconv.Itoa(offset + limit), nil
		}
		out = append(out, rec)
	}
	return out, "", nil
}

// QueryStats implements decision.QueryStore over the ring cache.
func (s *FileStore) QueryStats(_ context.Context, start, end time.Time) (*decision.Stats, error) {
	stats := &decision.Stats{ByPrincipal: make(map[string]int64)}
	for _, rec := range s.cache.All() {
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		stats.TotalDecisions++
		if rec.Allow {
			stats.Allowed++
		} else {
			stats.Denied++
		}
		if rec.CacheHit {
			stats.CacheHits++
		}
		stats.ByPrincipal[rec.PrincipalID]++
	}
	return stats, nil
}

// GetRecent returns the last n decision records from the cache, newest
// first.
func (s *FileStore) GetRecent(n int) []decision.Record {
	return s.cache.Recent(n)
}

func (s *FileStore) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

func (s *FileStore) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (s *FileStore) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := s.buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

func (s *FileStore) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("decisions-%s.log", dateStr)
	}
	return fmt.Sprintf("decisions-%s-%d.log", dateStr, suffix)
}

func (s *FileStore) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

func (s *FileStore) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

func (s *FileStore) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("decision audit cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("decision audit cleanup: failed to delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("decision audit cleanup completed", "deleted", deleted)
	}
}

func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *FileStore) populateCache() {
	mostRecent := s.findMostRecentFile()
	if mostRecent == "" {
		return
	}

	path := filepath.Join(s.dir, mostRecent)
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("decision audit cache: failed to open file for population", "file", mostRecent, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var records []decision.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var rec decision.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			s.logger.Warn("decision audit cache: skipping malformed line", "file", mostRecent, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("decision audit cache: error reading file", "file", mostRecent, "error", err)
	}

	start := 0
	if len(records) > s.cache.size {
		start = len(records) - s.cache.size
	}
	for _, rec := range records[start:] {
		s.cache.Add(rec)
	}
}

func (s *FileStore) findMostRecentFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}
	var files []fileInfo
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		finfo, err := e.Info()
		if err != nil || finfo.Size() == 0 {
			continue
		}
		files = append(files, info)
	}
	if len(files) == 0 {
		return ""
	}
	sortFiles(files)
	return files[len(files)-1].name
}

// Compile-time interface verification.
var (
	_ decision.Store      = (*FileStore)(nil)
	_ decision.QueryStore = (*FileStore)(nil)
)

// ringCache is a fixed-size ring buffer of recent decision records.
type ringCache struct {
	entries []decision.Record
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newRingCache(size int) *ringCache {
	if size <= 0 {
		size = 1000
	}
	return &ringCache{entries: make([]decision.Record, size), size: size}
}

func (c *ringCache) Add(rec decision.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

func (c *ringCache) Recent(n int) []decision.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	result := make([]decision.Record, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		result[i] = c.entries[idx]
	}
	return result
}

// All returns every cached entry, newest first.
func (c *ringCache) All() []decision.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recent(c.count)
}

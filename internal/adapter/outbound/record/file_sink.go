// Package record provides a file-backed record sink: JSON Lines output with
// daily rotation, size caps, and retention cleanup. Every record the engine
// emits lands in one stream; audit trail reads scan the stream back.
package record

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/llm-dev-ops/policy-engine/internal/domain/audit"
	"github.com/llm-dev-ops/policy-engine/internal/domain/decision"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// Record kinds discriminate envelope lines within one stream.
const (
	kindEvent        = "decision_event"
	kindAuditEntry   = "audit_entry"
	kindEvaluation   = "evaluation"
	kindRegistration = "agent_registration"
)

// line is the JSONL envelope. Exactly one payload field is set, named by Kind.
type line struct {
	Kind         string                     `json:"kind"`
	Event        *decision.Event            `json:"event,omitempty"`
	AuditEntry   *audit.Entry               `json:"audit_entry,omitempty"`
	Evaluation   *outbound.EvaluationRecord `json:"evaluation,omitempty"`
	Registration *outbound.Registration     `json:"registration,omitempty"`
}

// fileInfo holds parsed information about a record file.
type fileInfo struct {
	name   string
	date   string
	suffix int
}

// filePattern matches record filenames: records-YYYY-MM-DD.jsonl or
// records-YYYY-MM-DD-N.jsonl.
var filePattern = regexp.MustCompile(`^records-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

// parseFilename parses a record filename and returns its components.
func parseFilename(name string) (fileInfo, bool) {
	matches := filePattern.FindStringSubmatch(name)
	if matches == nil {
		return fileInfo{}, false
	}

	info := fileInfo{
		name: name,
		date: matches[1],
	}

	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return fileInfo{}, false
		}
		info.suffix = n
	}

	return info, true
}

// sortFiles sorts record file info by date then suffix (chronological order).
func sortFiles(files []fileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileConfig holds configuration for the file-backed record sink.
type FileConfig struct {
	// Dir is the directory where record files are stored.
	Dir string
	// RetentionDays is the number of days to keep record files (default 30).
	RetentionDays int
	// MaxFileSizeMB is the maximum file size in megabytes before rotation (default 100).
	MaxFileSizeMB int
}

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("record sink closed")

// FileSink implements outbound.RecordSink over rotated JSONL files. Trail
// reads scan every file still on disk, so chain verification windows are
// bounded by retention; the sqlite backend keeps the full chain.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	mu            sync.Mutex
	logger        *slog.Logger
	now           func() time.Time
	cancel        context.CancelFunc
	closed        bool
}

var (
	_ outbound.RecordSink       = (*FileSink)(nil)
	_ outbound.AuditTrailSource = (*FileSink)(nil)
)

// NewFileSink creates a file-backed record sink. It creates the directory if
// it does not exist, opens today's file, runs retention cleanup, and starts
// the hourly cleanup goroutine.
func NewFileSink(cfg FileConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		now:           time.Now,
		cancel:        cancel,
	}

	today := s.now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open record file: %w", err)
	}

	s.runCleanup()

	go s.startCleanupLoop(ctx)

	return s, nil
}

// PersistEvent stores one decision event.
func (s *FileSink) PersistEvent(_ context.Context, event *decision.Event) (outbound.Ack, error) {
	if err := s.append(line{Kind: kindEvent, Event: event}); err != nil {
		return outbound.Ack{}, err
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistAuditEntry appends one entry to the audit trail.
func (s *FileSink) PersistAuditEntry(_ context.Context, entry audit.Entry) (outbound.Ack, error) {
	if err := s.append(line{Kind: kindAuditEntry, AuditEntry: &entry}); err != nil {
		return outbound.Ack{}, err
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistEvaluation stores one evaluation row.
func (s *FileSink) PersistEvaluation(_ context.Context, rec outbound.EvaluationRecord) (outbound.Ack, error) {
	if err := s.append(line{Kind: kindEvaluation, Evaluation: &rec}); err != nil {
		return outbound.Ack{}, err
	}
	return outbound.Ack{Accepted: true}, nil
}

// PersistRegistration stores an agent registration.
func (s *FileSink) PersistRegistration(_ context.Context, reg outbound.Registration) (outbound.Ack, error) {
	if err := s.append(line{Kind: kindRegistration, Registration: &reg}); err != nil {
		return outbound.Ack{}, err
	}
	return outbound.Ack{Accepted: true}, nil
}

// append writes one envelope line to the current file, rotating as needed.
func (s *FileSink) append(l line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	dateStr := s.now().UTC().Format("2006-01-02")
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

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	n, err := s.currentFile.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	s.currentSize += int64(n)

	return nil
}

// Trail returns the audit entries for one policy ordered oldest first, read
// back from every record file still on disk. An empty policyID returns the
// whole trail.
func (s *FileSink) Trail(_ context.Context, policyID string) ([]audit.Entry, error) {
	s.mu.Lock()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
	}
	files := s.listFilesLocked()
	s.mu.Unlock()

	var out []audit.Entry
	for _, info := range files {
		entries, err := s.readAuditEntries(filepath.Join(s.dir, info.name), policyID)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// readAuditEntries scans one file for audit_entry lines matching policyID.
func (s *FileSink) readAuditEntries(path, policyID string) ([]audit.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}

		var l line
		if err := json.Unmarshal([]byte(text), &l); err != nil {
			s.logger.Warn("record trail: skipping malformed line",
				"file", filepath.Base(path), "error", err)
			continue
		}
		if l.Kind != kindAuditEntry || l.AuditEntry == nil {
			continue
		}
		if policyID != "" && l.AuditEntry.PolicyID != policyID {
			continue
		}
		out = append(out, *l.AuditEntry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan record file: %w", err)
	}
	return out, nil
}

// listFilesLocked returns all record files in chronological order.
// Must be called with s.mu held.
func (s *FileSink) listFilesLocked() []fileInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var files []fileInfo
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		files = append(files, info)
	}

	sortFiles(files)
	return files
}

// Close stops the cleanup goroutine, syncs, and closes the current file.
func (s *FileSink) Close() error {
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

// openCurrentFile opens or creates the record file for the given date.
// It determines the correct suffix by checking existing files on disk.
func (s *FileSink) openCurrentFile(dateStr string) error {
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

// findHighestSuffix returns the highest existing suffix for a date, or 0 if none.
func (s *FileSink) findHighestSuffix(dateStr string) int {
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

// openFile opens a record file with the given date and suffix.
// Returns the file handle and its current size.
func (s *FileSink) openFile(dateStr string, suffix int) (*os.File, int64, error) {
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

// buildFilename constructs the record filename for a date and suffix.
func (s *FileSink) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("records-%s.jsonl", dateStr)
	}
	return fmt.Sprintf("records-%s-%d.jsonl", dateStr, suffix)
}

// rotateDateLocked closes the current file and opens a new one for the given date.
// Must be called with s.mu held.
func (s *FileSink) rotateDateLocked(dateStr string) error {
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

// rotateSizeLocked closes the current file and opens a new one with an incremented suffix.
// Must be called with s.mu held.
func (s *FileSink) rotateSizeLocked() error {
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

// runCleanup deletes record files older than the retention period.
func (s *FileSink) runCleanup() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("record cleanup: failed to read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)
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
				s.logger.Error("record cleanup: failed to delete file",
					"file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}

	if deleted > 0 {
		s.logger.Info("record cleanup completed", "deleted", deleted)
	}
}

// startCleanupLoop runs retention cleanup every hour until the context is cancelled.
func (s *FileSink) startCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
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

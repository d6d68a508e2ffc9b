// Package bundle implements the crash-safe incremental artifact writer.
// Segments land in the bundle's segments/ directory via a
// write-to-temp-then-rename commit, and become durable only once a record
// is appended to the checkpoint log. The bundle directory is therefore
// always either "last N segments validly committed" or detectably corrupt.
package bundle

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pipeline-runtime/internal/cachekey"
)

const (
	checkpointName = "checkpoint.log"
	manifestName   = "manifest.json"
	segmentsDir    = "segments"

	// StatusCommitted marks a fully written and hash-verified segment.
	StatusCommitted = "committed"
	// StatusPartial marks output salvaged from a failed stage. Preserved in
	// the bundle, never counted as committed for resume purposes.
	StatusPartial = "partial"
)

// Record is one line of the append-only checkpoint log.
type Record struct {
	SegmentID   string    `json:"segment_id"`
	ContentHash string    `json:"content_hash"`
	Status      string    `json:"status"`
	CommittedAt time.Time `json:"committed_at"`
}

// Manifest describes the bundle as a whole.
type Manifest struct {
	BundleID    string     `json:"bundle_id"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Segments    int        `json:"segments"`
}

// Writer appends segments to a bundle directory with checkpointed commits.
// Safe for concurrent use; commits are serialized.
type Writer struct {
	dir      string
	manifest Manifest

	mu      sync.Mutex
	ckpt    *os.File
	records []Record

	nowFunc func() time.Time
}

// Create initializes a fresh bundle directory.
func Create(dir string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, segmentsDir), 0o755); err != nil {
		return nil, eris.Wrap(err, "bundle: create dirs")
	}

	w := &Writer{
		dir: dir,
		manifest: Manifest{
			BundleID:  uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		},
		nowFunc: time.Now,
	}
	if err := w.writeManifest(); err != nil {
		return nil, err
	}
	if err := w.openCheckpoint(); err != nil {
		return nil, err
	}
	return w, nil
}

// Resume reopens an existing bundle and validates its checkpoint log: each
// committed record's on-disk hash is recomputed, and the log is truncated at
// the first record that is missing, corrupt, or unverifiable. Everything
// after the valid prefix is discarded as uncommitted.
func Resume(dir string) (*Writer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, eris.Wrap(err, "bundle: read manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, eris.Wrap(err, "bundle: parse manifest")
	}

	w := &Writer{dir: dir, manifest: manifest, nowFunc: time.Now}

	valid, err := w.validateCheckpoint()
	if err != nil {
		return nil, err
	}
	w.records = valid

	// Rewrite the log as the valid prefix so a second crash cannot observe
	// discarded records.
	if err := w.rewriteCheckpoint(); err != nil {
		return nil, err
	}
	if err := w.openCheckpoint(); err != nil {
		return nil, err
	}
	return w, nil
}

// WithNow overrides the commit clock. Test hook.
func (w *Writer) WithNow(fn func() time.Time) *Writer {
	w.nowFunc = fn
	return w
}

// validateCheckpoint reads the log and returns the longest valid prefix.
func (w *Writer) validateCheckpoint() ([]Record, error) {
	f, err := os.Open(filepath.Join(w.dir, checkpointName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "bundle: open checkpoint")
	}
	defer f.Close()

	var valid []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Torn tail write from a crash mid-append.
			zap.L().Warn("bundle: discarding unparseable checkpoint record",
				zap.String("bundle_id", w.manifest.BundleID))
			break
		}
		if rec.Status != StatusCommitted {
			// Partial segments stay on disk but are not a resume point.
			valid = append(valid, rec)
			continue
		}
		content, err := os.ReadFile(w.segmentPath(rec.SegmentID))
		if err != nil || cachekey.HashBytes(content) != rec.ContentHash {
			zap.L().Warn("bundle: committed segment failed validation, resuming before it",
				zap.String("bundle_id", w.manifest.BundleID),
				zap.String("segment_id", rec.SegmentID))
			break
		}
		valid = append(valid, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "bundle: scan checkpoint")
	}
	return valid, nil
}

// WriteSegment durably writes and commits a segment.
func (w *Writer) WriteSegment(segmentID string, content []byte) error {
	return w.write(segmentID, content, StatusCommitted)
}

// WritePartial preserves output from a stage that failed mid-flight. The
// content is durable and auditable but never treated as a committed segment.
func (w *Writer) WritePartial(segmentID string, content []byte) error {
	return w.write(segmentID, content, StatusPartial)
}

func (w *Writer) write(segmentID string, content []byte, status string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ckpt == nil {
		return eris.New("bundle: writer is closed")
	}

	final := w.segmentPath(segmentID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return eris.Wrapf(err, "bundle: write segment %s", segmentID)
	}
	if err := os.Rename(tmp, final); err != nil {
		return eris.Wrapf(err, "bundle: commit segment %s", segmentID)
	}

	rec := Record{
		SegmentID:   segmentID,
		ContentHash: cachekey.HashBytes(content),
		Status:      status,
		CommittedAt: w.nowFunc().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "bundle: marshal record")
	}
	if _, err := w.ckpt.Write(append(line, '\n')); err != nil {
		return eris.Wrapf(err, "bundle: append checkpoint %s", segmentID)
	}
	if err := w.ckpt.Sync(); err != nil {
		return eris.Wrap(err, "bundle: sync checkpoint")
	}

	w.records = append(w.records, rec)
	return nil
}

// IsCommitted reports whether segmentID has a validated committed record.
func (w *Writer) IsCommitted(segmentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range w.records {
		if rec.SegmentID == segmentID && rec.Status == StatusCommitted {
			return true
		}
	}
	return false
}

// CommittedCount returns the number of committed segments.
func (w *Writer) CommittedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, rec := range w.records {
		if rec.Status == StatusCommitted {
			n++
		}
	}
	return n
}

// Records returns a copy of the checkpoint records in commit order.
func (w *Writer) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, len(w.records))
	copy(out, w.records)
	return out
}

// ReadSegment returns the content of a segment.
func (w *Writer) ReadSegment(segmentID string) ([]byte, error) {
	content, err := os.ReadFile(w.segmentPath(segmentID))
	return content, eris.Wrapf(err, "bundle: read segment %s", segmentID)
}

// BundleID returns the bundle's stable identifier.
func (w *Writer) BundleID() string { return w.manifest.BundleID }

// Dir returns the bundle directory.
func (w *Writer) Dir() string { return w.dir }

// Finalize seals the manifest and closes the checkpoint log.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc().UTC()
	w.manifest.FinalizedAt = &now
	n := 0
	for _, rec := range w.records {
		if rec.Status == StatusCommitted {
			n++
		}
	}
	w.manifest.Segments = n
	if err := w.writeManifest(); err != nil {
		return err
	}
	return w.closeCheckpoint()
}

// Close releases the checkpoint log without sealing the manifest. The
// bundle stays resumable.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCheckpoint()
}

func (w *Writer) closeCheckpoint() error {
	if w.ckpt == nil {
		return nil
	}
	err := w.ckpt.Close()
	w.ckpt = nil
	return eris.Wrap(err, "bundle: close checkpoint")
}

func (w *Writer) openCheckpoint() error {
	f, err := os.OpenFile(filepath.Join(w.dir, checkpointName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return eris.Wrap(err, "bundle: open checkpoint for append")
	}
	w.ckpt = f
	return nil
}

func (w *Writer) rewriteCheckpoint() error {
	tmp := filepath.Join(w.dir, checkpointName+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrap(err, "bundle: rewrite checkpoint")
	}
	for _, rec := range w.records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return eris.Wrap(err, "bundle: marshal record")
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return eris.Wrap(err, "bundle: write record")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return eris.Wrap(err, "bundle: sync rewritten checkpoint")
	}
	if err := f.Close(); err != nil {
		return eris.Wrap(err, "bundle: close rewritten checkpoint")
	}
	return eris.Wrap(os.Rename(tmp, filepath.Join(w.dir, checkpointName)), "bundle: swap checkpoint")
}

func (w *Writer) writeManifest() error {
	raw, err := json.MarshalIndent(w.manifest, "", "  ")
	if err != nil {
		return eris.Wrap(err, "bundle: marshal manifest")
	}
	tmp := filepath.Join(w.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return eris.Wrap(err, "bundle: write manifest")
	}
	return eris.Wrap(os.Rename(tmp, filepath.Join(w.dir, manifestName)), "bundle: commit manifest")
}

func (w *Writer) segmentPath(segmentID string) string {
	return filepath.Join(w.dir, segmentsDir, segmentID+".seg")
}

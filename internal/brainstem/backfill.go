package brainstem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileCheckpoint tracks the last file seen in one of the two backfill
// streams (captures or reflections).
type FileCheckpoint struct {
	LastPath  string    `json:"last_path"`
	LastMtime time.Time `json:"last_mtime"`
}

// BackfillCheckpoint is the full persisted progress marker, per spec
// §4.14 step 1.
type BackfillCheckpoint struct {
	LastScanStartedAt   time.Time       `json:"last_scan_started_at"`
	LastScanCompletedAt time.Time       `json:"last_scan_completed_at"`
	Captures            FileCheckpoint  `json:"captures"`
	Reflections         FileCheckpoint  `json:"reflections"`
}

// SearchIndexer is the minimal contract the backfill worker needs from a
// search index client; ESForwarder (events.go) implements the equivalent
// shape for the live event stream, this is the document-indexing analog
// for bulk/idempotent writes.
type SearchIndexer interface {
	IndexDocument(ctx context.Context, index, docID string, body any) error
}

// BackfillReport is returned after every pass; the worker never raises,
// per spec §4.14 step 6.
type BackfillReport struct {
	FilesScanned int           `json:"files_scanned"`
	IndexedCount int           `json:"indexed_count"`
	FailedCount  int           `json:"failed_count"`
	SkippedCount int           `json:"skipped_count"`
	ElapsedMS    float64       `json:"elapsed_ms"`
}

// BackfillConfig bundles the worker's IO roots and checkpoint persistence.
type BackfillConfig struct {
	CapturesRoot    string // telemetry/captains_log/captures
	ReflectionsRoot string // telemetry/captains_log (CL-*.json files)
	CheckpointPath  string // telemetry/captains_log/es_backfill_checkpoint.json
	Index           SearchIndexer
	Logger          *slog.Logger
	Clock           func() time.Time
}

// BackfillWorker replays locally persisted captures/reflections into the
// search index, grounded on the teacher's checkpointed-replay pattern used
// for delivery-retry stores (read -> mutate -> atomic replace).
type BackfillWorker struct {
	cfg BackfillConfig
}

// NewBackfillWorker constructs a worker with defaults applied.
func NewBackfillWorker(cfg BackfillConfig) *BackfillWorker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join("telemetry", "captains_log", "es_backfill_checkpoint.json")
	}
	return &BackfillWorker{cfg: cfg}
}

// RunPass executes one backfill pass: load checkpoint, enumerate new
// capture then reflection files in stable order, index each, persist the
// checkpoint after each success, and report counts. Never returns an
// error; failures are reflected in the report.
func (w *BackfillWorker) RunPass(ctx context.Context) BackfillReport {
	start := w.cfg.Clock()
	report := BackfillReport{}

	checkpoint, err := w.loadCheckpoint()
	if err != nil {
		w.cfg.Logger.Warn("backfill: starting from empty checkpoint", "error", err)
		checkpoint = BackfillCheckpoint{}
	}
	checkpoint.LastScanStartedAt = start

	captureFiles := w.enumerateCaptures()
	reflectionFiles := w.enumerateReflections()

	report.FilesScanned = len(captureFiles) + len(reflectionFiles)

	for _, f := range captureFiles {
		if !isAfterCheckpoint(f, checkpoint.Captures) {
			report.SkippedCount++
			continue
		}
		if w.indexCaptureFile(ctx, f) {
			report.IndexedCount++
			checkpoint.Captures = FileCheckpoint{LastPath: f.relPath, LastMtime: f.mtime}
			w.saveCheckpoint(checkpoint)
		} else {
			report.FailedCount++
		}
	}

	for _, f := range reflectionFiles {
		if !isAfterCheckpoint(f, checkpoint.Reflections) {
			report.SkippedCount++
			continue
		}
		if w.indexReflectionFile(ctx, f) {
			report.IndexedCount++
			checkpoint.Reflections = FileCheckpoint{LastPath: f.relPath, LastMtime: f.mtime}
			w.saveCheckpoint(checkpoint)
		} else {
			report.FailedCount++
		}
	}

	checkpoint.LastScanCompletedAt = w.cfg.Clock()
	w.saveCheckpoint(checkpoint)

	report.ElapsedMS = float64(w.cfg.Clock().Sub(start).Microseconds()) / 1000.0
	return report
}

type scannedFile struct {
	absPath string
	relPath string
	mtime   time.Time
}

// enumerateCaptures walks date directories under CapturesRoot in stable
// (lexical) order, then filenames within each, matching "date directory,
// then filename" from spec §4.14 step 2.
func (w *BackfillWorker) enumerateCaptures() []scannedFile {
	return enumerateStable(w.cfg.CapturesRoot, func(name string) bool {
		return filepath.Ext(name) == ".json"
	})
}

// enumerateReflections lists CL-*.json files directly under
// ReflectionsRoot in stable order.
func (w *BackfillWorker) enumerateReflections() []scannedFile {
	return enumerateStable(w.cfg.ReflectionsRoot, func(name string) bool {
		return len(name) > 3 && name[:3] == "CL-" && filepath.Ext(name) == ".json"
	})
}

func enumerateStable(root string, match func(name string) bool) []scannedFile {
	var out []scannedFile
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d == nil || d.IsDir() {
			return nil
		}
		if !match(d.Name()) {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		out = append(out, scannedFile{absPath: path, relPath: rel, mtime: info.ModTime()})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].relPath < out[j].relPath })
	return out
}

// isAfterCheckpoint implements "(relative_path, mtime) > checkpoint" as a
// lexical-path-then-mtime comparison.
func isAfterCheckpoint(f scannedFile, last FileCheckpoint) bool {
	if last.LastPath == "" {
		return true
	}
	if f.relPath != last.LastPath {
		return f.relPath > last.LastPath
	}
	return f.mtime.After(last.LastMtime)
}

func (w *BackfillWorker) indexCaptureFile(ctx context.Context, f scannedFile) bool {
	var doc map[string]any
	if !w.loadJSON(f.absPath, &doc) {
		return false
	}
	traceID, _ := doc["trace_id"].(string)
	if traceID == "" {
		w.cfg.Logger.Warn("backfill: capture file missing trace_id", "path", f.absPath)
		return false
	}
	index := fmt.Sprintf("agent-captains-captures-%s", dateSuffixFromFile(f, w.cfg.Clock()))
	return w.index(ctx, index, traceID, doc)
}

func (w *BackfillWorker) indexReflectionFile(ctx context.Context, f scannedFile) bool {
	var doc map[string]any
	if !w.loadJSON(f.absPath, &doc) {
		return false
	}
	entryID, _ := doc["entry_id"].(string)
	if entryID == "" {
		w.cfg.Logger.Warn("backfill: reflection file missing entry_id", "path", f.absPath)
		return false
	}
	index := fmt.Sprintf("agent-captains-reflections-%s", dateSuffixFromFile(f, w.cfg.Clock()))
	return w.index(ctx, index, entryID, doc)
}

func dateSuffixFromFile(f scannedFile, now func() time.Time) string {
	if !f.mtime.IsZero() {
		return f.mtime.UTC().Format("2006-01-02")
	}
	return now().UTC().Format("2006-01-02")
}

func (w *BackfillWorker) index(ctx context.Context, index, docID string, doc any) bool {
	if w.cfg.Index == nil {
		return false
	}
	if err := w.cfg.Index.IndexDocument(ctx, index, docID, doc); err != nil {
		w.cfg.Logger.Warn("backfill: index failed", "index", index, "doc_id", docID, "error", err)
		return false
	}
	return true
}

func (w *BackfillWorker) loadJSON(path string, out any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		w.cfg.Logger.Warn("backfill: read file failed", "path", path, "error", err)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		w.cfg.Logger.Warn("backfill: parse file failed", "path", path, "error", err)
		return false
	}
	return true
}

func (w *BackfillWorker) loadCheckpoint() (BackfillCheckpoint, error) {
	var cp BackfillCheckpoint
	data, err := os.ReadFile(w.cfg.CheckpointPath)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// saveCheckpoint writes the checkpoint via write-temp-then-rename, so a
// crash mid-write never corrupts the previous valid checkpoint; last-
// writer-wins is acceptable since replay is idempotent (spec §5).
func (w *BackfillWorker) saveCheckpoint(cp BackfillCheckpoint) {
	dir := filepath.Dir(w.cfg.CheckpointPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.cfg.Logger.Warn("backfill: create checkpoint dir failed", "error", err)
		return
	}
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		w.cfg.Logger.Warn("backfill: marshal checkpoint failed", "error", err)
		return
	}
	tmp := w.cfg.CheckpointPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		w.cfg.Logger.Warn("backfill: write checkpoint failed", "error", err)
		return
	}
	if err := os.Rename(tmp, w.cfg.CheckpointPath); err != nil {
		w.cfg.Logger.Warn("backfill: rename checkpoint failed", "error", err)
	}
}

package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"hlsgrab/internal/errs"
	"hlsgrab/internal/log"
	"hlsgrab/internal/metrics"
	"hlsgrab/internal/segment"
)

// Merger assembles stored segments into the final artifact.
type Merger struct {
	Store     segment.Store
	OutputDir string

	// OnProgress receives merge percentages, one call per distinct value.
	OnProgress func(taskID string, pct int)

	Log zerolog.Logger
}

func NewMerger(store segment.Store, outputDir string) *Merger {
	return &Merger{
		Store:     store,
		OutputDir: outputDir,
		Log:       log.WithComponent("merger"),
	}
}

// Merge concatenates segments [0, total) in index order into fileName
// under OutputDir. The artifact appears atomically via rename; the
// task's stored segments are purged only after it does. Returns the
// artifact path.
func (m *Merger) Merge(ctx context.Context, taskID string, total int, fileName string) (string, error) {
	if total <= 0 {
		return "", fmt.Errorf("merge %s: no segments", taskID)
	}
	start := time.Now()

	if err := os.MkdirAll(m.OutputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(m.OutputDir, fileName)

	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()

	lastPct := -1
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := m.Store.Get(ctx, taskID, i)
		if errors.Is(err, segment.ErrNotFound) {
			return "", errs.Newf(errs.CodeSegmentMissing, "segment %d missing at merge", i)
		}
		if err != nil {
			return "", fmt.Errorf("read segment %d: %w", i, err)
		}
		if _, err := pf.Write(data); err != nil {
			if errs.IsStorageFull(err) {
				return "", errs.Wrap(err, errs.CodeStorageFull, "artifact write failed")
			}
			return "", err
		}
		if pct := (i + 1) * 100 / total; pct != lastPct {
			lastPct = pct
			if m.OnProgress != nil {
				m.OnProgress(taskID, pct)
			}
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", err
	}

	// The artifact is already on disk. A failed purge only leaves
	// stale blobs behind, which task removal clears.
	if err := m.Store.Clear(ctx, taskID); err != nil {
		m.Log.Warn().Err(err).Str("task_id", taskID).Msg("segment purge after merge failed")
	}

	took := time.Since(start)
	metrics.ObserveMergeDuration(took)
	m.Log.Info().
		Str("task_id", taskID).
		Str("path", path).
		Int("segments", total).
		Dur("took", took).
		Msg("merge complete")
	return path, nil
}

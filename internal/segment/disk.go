package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"hlsgrab/internal/errs"
)

// DiskStore keeps segments as one file per segment under a per-task
// directory. Writes go through a rename so a crash never leaves a
// truncated segment that would later be merged as-is.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

func (s *DiskStore) Close() error { return nil }

func (s *DiskStore) taskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

func (s *DiskStore) segPath(taskID string, index int) string {
	return filepath.Join(s.taskDir(taskID), fmt.Sprintf("seg_%08d.bin", index))
}

func (s *DiskStore) Put(ctx context.Context, taskID string, index int, data []byte) error {
	if err := os.MkdirAll(s.taskDir(taskID), 0o755); err != nil {
		return err
	}
	err := renameio.WriteFile(s.segPath(taskID, index), data, 0o644)
	if err != nil && errs.IsStorageFull(err) {
		return errs.Wrap(err, errs.CodeStorageFull, "segment write failed")
	}
	return err
}

func (s *DiskStore) Get(ctx context.Context, taskID string, index int) ([]byte, error) {
	data, err := os.ReadFile(s.segPath(taskID, index))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DiskStore) Indexes(ctx context.Context, taskID string) ([]int, error) {
	entries, err := os.ReadDir(s.taskDir(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var idx []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseSegName(e.Name())
		if !ok {
			continue
		}
		idx = append(idx, n)
	}
	return idx, nil
}

func (s *DiskStore) SumBytes(ctx context.Context, taskID string) (int64, error) {
	entries, err := os.ReadDir(s.taskDir(taskID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if _, ok := parseSegName(e.Name()); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (s *DiskStore) Clear(ctx context.Context, taskID string) error {
	return os.RemoveAll(s.taskDir(taskID))
}

func parseSegName(name string) (int, bool) {
	if !strings.HasPrefix(name, "seg_") || !strings.HasSuffix(name, ".bin") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "seg_"), ".bin"))
	if err != nil {
		return 0, false
	}
	return n, true
}

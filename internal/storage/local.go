package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrOutsideRoot 相對路徑跳出輸出根目錄
var ErrOutsideRoot = errors.New("output dir escapes storage root")

// LocalStore 將產物寫入本機目錄
//
// 檔名為 <YYYY-MM-DD_HH-MM-SS><ext>，同名時加上 _1、_2 ...
// 寫入流程沿用原子性寫入：先寫 .tmp，再以 os.Rename 替換。
type LocalStore struct {
	root string
	mu   sync.Mutex // 保護檔名分配，避免同一秒的兩個產物互相覆蓋
	now  func() time.Time
}

// NewLocalStore 建立本機儲存，root 不存在時自動建立
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &LocalStore{root: abs, now: time.Now}, nil
}

// Root 輸出根目錄
func (s *LocalStore) Root() string {
	return s.root
}

// Save 寫入產物並回傳完整路徑
func (s *LocalStore) Save(ctx context.Context, a Artifact) (Saved, error) {
	if err := ctx.Err(); err != nil {
		return Saved{}, err
	}

	dir, err := s.resolveDir(a.OutputDir)
	if err != nil {
		return Saved{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := uniquePath(dir, BaseName(s.now()), a.FileExt)
	tmpPath := path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, a.Data, 0o644); err != nil {
		return Saved{}, fmt.Errorf("failed to write temp artifact: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Saved{}, fmt.Errorf("failed to rename artifact: %w", err)
	}

	return Saved{Path: path, Dir: dir}, nil
}

func (s *LocalStore) resolveDir(outputDir string) (string, error) {
	outputDir = strings.TrimSpace(outputDir)
	if outputDir == "" {
		return s.root, nil
	}
	if filepath.IsAbs(outputDir) {
		return filepath.Clean(outputDir), nil
	}

	dir := filepath.Join(s.root, outputDir)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, outputDir)
	}
	return dir, nil
}

func uniquePath(dir, base, ext string) string {
	path := filepath.Join(dir, base+ext)
	for n := 1; exists(path); n++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, n, ext))
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

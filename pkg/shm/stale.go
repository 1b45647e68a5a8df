package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// FileInfo describes a segment file found on disk.
type FileInfo struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

// ListSegments returns the segment files under dir whose names start with
// prefix. Segments of a live process show up here too; the listing alone
// does not decide whether a file is stale.
func ListSegments(dir, prefix string) ([]FileInfo, error) {
	if dir == "" {
		dir = ResolveDir()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	pattern := filepath.Join(dir, prefix+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
	}
	sort.Strings(matches)

	out := make([]FileInfo, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, FileInfo{
			Path:    p,
			Name:    filepath.Base(p),
			Size:    info.Size(),
			ModTime: info.ModTime().Format(time.RFC3339),
		})
	}
	return out, nil
}

// CleanupSegments removes segment files under dir matching prefix, as left
// behind by a process that died before tearing its instances down. If
// match is non-empty only file names containing it are removed.
func CleanupSegments(dir, prefix, match string, dryRun bool) ([]string, error) {
	files, err := ListSegments(dir, prefix)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		if match != "" && !strings.Contains(f.Name, match) {
			continue
		}
		paths = append(paths, f.Path)
	}
	return cleanupFiles(paths, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing segment file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

package file

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// FindRecentAfter walks dir and returns the regular files modified after
// startTime, in walk order. Hidden files and directories are skipped. When
// exts is non-empty only files with one of those extensions (compared
// case-insensitively, with the dot) are returned.
func FindRecentAfter(dir string, startTime time.Time, exts ...string) ([]string, error) {
	var recentFiles []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if len(exts) > 0 && !slices.ContainsFunc(exts, func(ext string) bool {
			return strings.EqualFold(ext, filepath.Ext(path))
		}) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(startTime) {
			recentFiles = append(recentFiles, path)
		}
		return nil
	})

	return recentFiles, err
}

// Package recordings lists finished video files in an output directory.
package recordings

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var videoExtensions = map[string]bool{
	".mp4": true,
	".avi": true,
	".mkv": true,
}

// FileInfo describes one video file.
type FileInfo struct {
	Name         string    `json:"name" yaml:"name"`
	Path         string    `json:"path" yaml:"path"`
	Size         int64     `json:"size" yaml:"size"`
	SizeHuman    string    `json:"size_human" yaml:"size_human"`
	ModTime      time.Time `json:"mod_time" yaml:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human" yaml:"mod_time_human"`
	Extension    string    `json:"extension" yaml:"extension"`
}

// List returns the video files in dir modified after since, newest first.
// A zero since lists everything. A missing directory yields no files.
func List(dir string, since time.Time) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !videoExtensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			continue
		}

		files = append(files, FileInfo{
			Name:         entry.Name(),
			Path:         filepath.Join(dir, entry.Name()),
			Size:         info.Size(),
			SizeHuman:    FormatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Extension:    strings.TrimPrefix(ext, "."),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	return files, nil
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

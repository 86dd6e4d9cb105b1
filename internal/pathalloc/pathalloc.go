// Package pathalloc hands out collision-free output paths of the form
// <stem>_<n><ext> inside a directory.
package pathalloc

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Allocator picks the next unused sequence number for a directory and base
// name. Calls for the same directory and base name are serialized; calls for
// different base names do not contend.
type Allocator struct {
	defaultExt string

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu   sync.Mutex
	last int
}

// New creates an allocator. defaultExt is appended to base names that have
// no extension of their own.
func New(defaultExt string) *Allocator {
	if defaultExt != "" && !strings.HasPrefix(defaultExt, ".") {
		defaultExt = "." + defaultExt
	}
	return &Allocator{
		defaultExt: defaultExt,
		slots:      make(map[string]*slot),
	}
}

// Allocate returns an absolute path in directory for desiredBaseName with the
// next sequence number. An unreadable directory is treated as empty.
func (a *Allocator) Allocate(directory, desiredBaseName string) (string, error) {
	dir, err := filepath.Abs(directory)
	if err != nil {
		return "", err
	}

	stem, ext := a.splitName(desiredBaseName)

	s := a.slotFor(dir, stem+ext)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := maxSequence(dir, stem, ext)
	if s.last > n {
		n = s.last
	}
	n++
	s.last = n

	path := filepath.Join(dir, FileName(stem, ext, n))
	slog.Debug("Allocated output path", "path", path, "sequence", n)
	return path, nil
}

func (a *Allocator) slotFor(dir, name string) *slot {
	key := dir + string(filepath.Separator) + name

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.slots[key]
	if !ok {
		s = &slot{}
		a.slots[key] = s
	}
	return s
}

// splitName reduces name to a single NFC-normalized path element and splits
// off its extension.
func (a *Allocator) splitName(name string) (stem, ext string) {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = ""
	}

	ext = filepath.Ext(name)
	stem = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = a.defaultExt
	}
	if stem == "" {
		stem = "recording"
	}
	return stem, ext
}

// FileName renders the naming template.
func FileName(stem, ext string, n int) string {
	return stem + "_" + strconv.Itoa(n) + ext
}

func maxSequence(dir, stem, ext string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Debug("Output directory not readable, assuming empty", "directory", dir, "error", err)
		return 0
	}

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(stem) + `_(\d+)` + regexp.QuoteMeta(ext) + "$")

	highest := 0
	for _, entry := range entries {
		m := pattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest
}

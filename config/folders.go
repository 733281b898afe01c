package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/nodeapi"
)

// FolderPaths resolves LoRA names, given relative to one of Dirs, to files on disk.
type FolderPaths struct {
	Dirs       []string
	Extensions []string
}

// FilenameList lists every file with a known extension below any of the directories, as
// slash separated relative names, sorted and without duplicates.
func (f *FolderPaths) FilenameList() []string {
	seen := make(map[string]struct{})
	for _, dir := range f.Dirs {
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != dir {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !f.matches(d.Name()) {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err == nil {
				seen[filepath.ToSlash(rel)] = struct{}{}
			}
			return nil
		})
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FullPath returns the first existing file for name. Names escaping their directory are
// rejected.
func (f *FolderPaths) FullPath(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", nodeapi.Errorf(nodeapi.ErrNotFound, "", "invalid lora name %q", name)
	}
	for _, dir := range f.Dirs {
		path := filepath.Join(dir, clean)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", nodeapi.Errorf(nodeapi.ErrNotFound, "", "lora %q not found", name)
}

// SaveDir is the first directory, created if needed.
func (f *FolderPaths) SaveDir() (string, error) {
	if len(f.Dirs) == 0 {
		return "", nodeapi.Errorf(nodeapi.ErrConfiguration, "", "no lora directory configured")
	}
	if err := os.MkdirAll(f.Dirs[0], 0o755); err != nil {
		return "", nodeapi.Wrap(nodeapi.ErrConfiguration, "", err, "creating lora directory")
	}
	return f.Dirs[0], nil
}

func (f *FolderPaths) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range f.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

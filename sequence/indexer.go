// Package sequence walks folders of files one item per execution tick.
package sequence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/nodeapi"
)

// Default extension filters.
var (
	ImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"}
	TextExtensions  = []string{".txt"}
)

// Scan lists the regular files of dir whose extension matches exts (case-insensitive),
// sorted lexicographically. An empty exts accepts every file.
func Scan(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scan %s: %w", dir, nodeapi.ErrNotFound)
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			// symlinks count when they point at a regular file
			if e.Type()&fs.ModeSymlink == 0 {
				continue
			}
			info, err := os.Stat(filepath.Join(dir, e.Name()))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		if matchExt(e.Name(), exts) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// Stem is name without its final extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Item is one step of a sequence: the shared basename and one file per side.
type Item struct {
	Base  string
	Files []string
	Paths []string
}

// Filename is the first side's file name, with or without extension.
func (it Item) Filename(withExt bool) string {
	if len(it.Files) == 0 {
		return it.Base
	}
	if withExt {
		return it.Files[0]
	}
	return Stem(it.Files[0])
}

// Path returns the path of the given side. Items missing a side are inconsistent with
// the source that produced them.
func (it Item) Path(side int) (string, error) {
	if side < 0 || side >= len(it.Paths) {
		return "", nodeapi.Errorf(nodeapi.ErrInconsistent, "", "item %s has no side %d", it.Base, side)
	}
	return it.Paths[side], nil
}

// Single turns one scan into items keyed by the full filename.
func Single(list []string) []Item {
	items := make([]Item, 0, len(list))
	for _, f := range list {
		items = append(items, Item{Base: f, Files: []string{f}})
	}
	return items
}

// PairResolver aligns two scans.
type PairResolver struct {
	// MatchExtension pairs by full filename instead of by stem.
	MatchExtension bool
}

// Resolve returns the items present on both sides, sorted by key. Without MatchExtension
// each side keeps its own file; when a side holds several files with one stem the
// lexicographically first is used.
func (p PairResolver) Resolve(listA, listB []string) []Item {
	if p.MatchExtension {
		inB := make(map[string]struct{}, len(listB))
		for _, f := range listB {
			inB[f] = struct{}{}
		}
		items := make([]Item, 0)
		for _, f := range listA {
			if _, ok := inB[f]; ok {
				items = append(items, Item{Base: f, Files: []string{f, f}})
			}
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Base < items[j].Base })
		return items
	}
	byStemA := firstByStem(listA)
	byStemB := firstByStem(listB)
	items := make([]Item, 0)
	for stem, fa := range byStemA {
		if fb, ok := byStemB[stem]; ok {
			items = append(items, Item{Base: stem, Files: []string{fa, fb}})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Base < items[j].Base })
	return items
}

func firstByStem(list []string) map[string]string {
	m := make(map[string]string, len(list))
	for _, f := range list {
		s := Stem(f)
		if cur, ok := m[s]; !ok || f < cur {
			m[s] = f
		}
	}
	return m
}

// Source produces the current item list of a sequence.
type Source interface {
	Scan() ([]Item, error)
}

// FolderSource is a single folder.
type FolderSource struct {
	Dir        string
	Extensions []string
}

func (s FolderSource) Scan() ([]Item, error) {
	list, err := Scan(s.Dir, s.Extensions)
	if err != nil {
		return nil, err
	}
	items := Single(list)
	for i := range items {
		items[i].Paths = []string{filepath.Join(s.Dir, items[i].Files[0])}
	}
	return items, nil
}

// PairSource is two folders aligned by PairResolver. When both sides use the same folder
// and extension filter it collapses to a single folder with both sides on the same file.
type PairSource struct {
	DirA, DirB string
	ExtA, ExtB []string
	Resolver   PairResolver
}

func (s PairSource) sameSide() bool {
	if filepath.Clean(s.DirA) != filepath.Clean(s.DirB) || len(s.ExtA) != len(s.ExtB) {
		return false
	}
	for i := range s.ExtA {
		if !strings.EqualFold(s.ExtA[i], s.ExtB[i]) {
			return false
		}
	}
	return true
}

func (s PairSource) Scan() ([]Item, error) {
	listA, err := Scan(s.DirA, s.ExtA)
	if err != nil {
		return nil, err
	}
	var items []Item
	if s.sameSide() {
		items = Single(listA)
		for i := range items {
			items[i].Files = []string{items[i].Files[0], items[i].Files[0]}
		}
	} else {
		listB, err := Scan(s.DirB, s.ExtB)
		if err != nil {
			return nil, err
		}
		items = s.Resolver.Resolve(listA, listB)
	}
	for i := range items {
		items[i].Paths = []string{
			filepath.Join(s.DirA, items[i].Files[0]),
			filepath.Join(s.DirB, items[i].Files[1]),
		}
	}
	return items, nil
}

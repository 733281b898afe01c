package textproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tksw/comfynodes/nodeapi"
)

func TestProcess(t *testing.T) {
	cases := []struct {
		name, text, sep, remove, replace, want string
	}{
		{"normalize", "a ,  b,,c , ", ",", "", "", "a, b, c"},
		{"remove", "red cat, blue dog", ",", `\bred\b, blue`, "", "cat, dog"},
		{"replace", "cat, dog, bird", ",", "", "animal, cat|dog", "animal, animal, bird"},
		{"lookahead", "foobar, foo", ",", `foo(?=bar)`, "", "bar, foo"},
		{"blank separator", " x  y ", " ", "", "", "x y"},
		{"invalid pattern skipped", "a,b", ",", "(", "", "a, b"},
		{"empty", "", ",", "x", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Process(c.text, c.sep, c.remove, c.replace, nil))
		})
	}
}

func TestParseReplaceSpecsDropsInvalidLine(t *testing.T) {
	specs := ParseReplaceSpecs("x, a, (\n\ny, b\n", nil)
	require.Len(t, specs, 1)
	assert.Equal(t, "y", specs[0].Replacement)
	assert.Len(t, specs[0].Patterns, 1)
}

func TestCombiner(t *testing.T) {
	c := NewCombiner(nil)
	opts := CombineOptions{Separator: ",", RememberLog: true, MaxLog: 2, Remove: "b"}

	res := c.Combine([]string{"a,b", "", "c,,d", "b"}, opts)
	assert.Equal(t, "a,c,d", res.Text)
	assert.Equal(t, []string{"a,c,d"}, res.Log)
	assert.Equal(t, "a,c,d", res.Recent[0])
	assert.Equal(t, "a,c,d", res.Oldest)

	res = c.Combine([]string{"a,b", "", "c,,d"}, opts)
	assert.Len(t, res.Log, 1, "duplicates are not logged")

	c.Combine([]string{"x"}, opts)
	res = c.Combine([]string{"y"}, opts)
	assert.Equal(t, []string{"x", "y"}, res.Log)
	assert.Equal(t, [RecentSlots]string{"y", "x", "", ""}, res.Recent)
	assert.Equal(t, "x", res.Oldest)

	opts.AllowDuplicate = true
	c.Combine([]string{"y"}, opts)
	assert.Equal(t, []string{"y", "y"}, c.Log())

	res = c.Combine([]string{"z"}, CombineOptions{Separator: ","})
	assert.Equal(t, "z", res.Text)
	assert.Empty(t, res.Log)
	assert.Empty(t, res.Oldest)
}

func TestCombinerRegexRemove(t *testing.T) {
	c := NewCombiner(nil)
	res := c.Combine([]string{"a1,b22", "c"}, CombineOptions{Separator: ",", UseRegex: true, Remove: `\d+`})
	assert.Equal(t, "a,b,c", res.Text)

	res = c.Combine([]string{"a | | b"}, CombineOptions{Separator: "|"})
	assert.Equal(t, "a | | b", res.Text, "separated runs are left alone")
	res = c.Combine([]string{"a||b|"}, CombineOptions{Separator: "|"})
	assert.Equal(t, "a|b", res.Text)
}

func TestReplaceWords(t *testing.T) {
	groups := [][]string{{"cat", "dog"}}
	assert.Equal(t, "dog and cat\ncat", ReplaceWords("cat and dog\ndog", groups, NewRand(1)))

	three := [][]string{{"red", "green", "blue"}}
	out := ReplaceWords("red", three, NewRand(5))
	assert.Contains(t, []string{"green", "blue"}, out)
	assert.Equal(t, out, ReplaceWords("red", three, NewRand(5)), "seeded")

	assert.Equal(t, "same", ReplaceWords("same", [][]string{{"same"}}, NewRand(1)))
	assert.Empty(t, ReplaceWords("", groups, NewRand(1)))
}

func TestWordGroups(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d", "e"}}, ParseWordGroups("a, b\nsingle\n\nc,d,e"))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("red\nblue\n\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.md"), []byte("ignored"), 0o644))
	groups, err := WordGroupsFromFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"red", "blue"}, {"x"}}, groups)

	_, err = WordGroupsFromFolder(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, nodeapi.ErrNotFound)

	file := filepath.Join(dir, "groups.csv")
	require.NoError(t, os.WriteFile(file, []byte("big, large\r\nsmall\n"), 0o644))
	groups, err = WordGroupsFromFile(file)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"big", "large"}}, groups)

	_, err = WordGroupsFromFile(filepath.Join(dir, "nope.csv"))
	assert.ErrorIs(t, err, nodeapi.ErrNotFound)
}

func writeTexts(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestFileSelectorRoundRobin(t *testing.T) {
	dir := writeTexts(t, map[string]string{"a.txt": "A", "b.txt": "B", "note.md": "N"})
	s := NewFileSelector(nil)
	req := FileSelectRequest{Folder: dir, Mode: "round-robin", ChunkSize: 1}

	var names []string
	for i := 0; i < 3; i++ {
		text, name := s.Select(req)
		assert.Equal(t, map[string]string{"a.txt": "A", "b.txt": "B"}[name], text)
		names = append(names, name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "a.txt"}, names)
	assert.Equal(t, 2, s.Cached())

	req.Filter = "b"
	_, name := s.Select(req)
	assert.Equal(t, "b.txt", name)
	_, name = s.Select(req)
	assert.Equal(t, "b.txt", name)

	req.Filter = "zzz"
	text, name := s.Select(req)
	assert.Empty(t, text)
	assert.Equal(t, NoFile, name)
}

func TestFileSelectorRandomAndReset(t *testing.T) {
	dir := writeTexts(t, map[string]string{"a.txt": "A", "b.txt": "B", "c.txt": "C"})
	s := NewFileSelector(nil)
	req := FileSelectRequest{Folder: dir, Mode: "random", Seed: 11}

	_, first := s.Select(req)
	_, again := s.Select(req)
	assert.Equal(t, first, again, "seeded")

	req.Filter = "zzz"
	_, name := s.Select(req)
	assert.NotEqual(t, NoFile, name, "a filter matching nothing is ignored in random mode")

	other := writeTexts(t, map[string]string{"only.txt": "O"})
	text, name := s.Select(FileSelectRequest{Folder: other, Mode: "round-robin"})
	assert.Equal(t, "O", text)
	assert.Equal(t, "only.txt", name)

	_, name = s.Select(FileSelectRequest{Folder: filepath.Join(other, "missing"), Mode: "round-robin"})
	assert.Equal(t, NoFile, name)
	assert.Zero(t, s.Cached())
}

func TestFileSelectorEncoding(t *testing.T) {
	dir := writeTexts(t, map[string]string{"l.txt": "caf\xe9"})
	text, _ := NewFileSelector(nil).Select(FileSelectRequest{Folder: dir, Mode: "round-robin", Encoding: "latin1"})
	assert.Equal(t, "café", text)

	text, _ = NewFileSelector(nil).Select(FileSelectRequest{Folder: dir, Mode: "round-robin", Encoding: "no-such-encoding"})
	assert.Equal(t, "caf", text)
}

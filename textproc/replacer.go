package textproc

import (
	"bufio"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/sequence"
)

// WordListExtensions are the files read from a word group folder.
var WordListExtensions = []string{".txt", ".csv"}

// WordGroupsFromFolder reads one group per file, one word per non-blank line.
func WordGroupsFromFolder(dir string) ([][]string, error) {
	names, err := sequence.Scan(dir, WordListExtensions)
	if err != nil {
		return nil, err
	}
	var groups [][]string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nodeapi.Wrap(nodeapi.ErrCorrupt, "", err, name)
		}
		var words []string
		for _, line := range strings.Split(string(data), "\n") {
			if w := strings.TrimSpace(line); w != "" {
				words = append(words, w)
			}
		}
		groups = append(groups, words)
	}
	return groups, nil
}

// WordGroupsFromFile reads comma separated groups, one per line.
func WordGroupsFromFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nodeapi.Wrap(nodeapi.ErrNotFound, "", err, path)
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, nodeapi.Wrap(nodeapi.ErrCorrupt, "", err, path)
	}
	return ParseWordGroups(strings.Join(lines, "\n")), nil
}

// ParseWordGroups reads comma separated groups, one per line. Lines with a single word are
// ignored.
func ParseWordGroups(text string) [][]string {
	var groups [][]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		groups = append(groups, parts)
	}
	return groups
}

// ReplaceWords swaps every occurrence of a group word for another word of the same group,
// chosen with rng. Text is processed line by line and each group in one left to right pass, so
// a replacement is never replaced again by its own group.
func ReplaceWords(text string, groups [][]string, rng *rand.Rand) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for _, group := range groups {
			line = replaceGroup(line, group, rng)
		}
		lines[i] = line
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func replaceGroup(line string, group []string, rng *rand.Rand) string {
	var b strings.Builder
	for {
		at, word := -1, ""
		for _, w := range group {
			if w == "" {
				continue
			}
			i := strings.Index(line, w)
			if i >= 0 && (at < 0 || i < at || (i == at && len(w) > len(word))) {
				at, word = i, w
			}
		}
		if at < 0 {
			b.WriteString(line)
			return b.String()
		}
		b.WriteString(line[:at])
		b.WriteString(pickOther(group, word, rng))
		line = line[at+len(word):]
	}
}

// pickOther chooses a group word different from word, or word itself when there is none.
func pickOther(group []string, word string, rng *rand.Rand) string {
	var others []string
	for _, w := range group {
		if w != word {
			others = append(others, w)
		}
	}
	if len(others) == 0 {
		return word
	}
	return others[rng.IntN(len(others))]
}

// NewRand returns a PCG source seeded with seed, or a randomly seeded one for seed 0.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, 0))
}

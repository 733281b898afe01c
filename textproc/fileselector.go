package textproc

import (
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/tksw/comfynodes/sequence"
)

// NoFile is the filename reported when nothing could be selected.
const NoFile = "None"

var textExtensions = []string{".txt"}

// FileSelectRequest carries the per-call inputs of the selector.
type FileSelectRequest struct {
	Folder string
	// Mode is "random" or "round-robin". Anything else falls back to random.
	Mode      string
	Seed      uint64
	Reset     bool
	ChunkSize int
	Encoding  string
	// Filter keeps only names containing it. A filter matching nothing is ignored in random
	// mode and yields no selection in round-robin mode.
	Filter string
}

// FileSelector picks a text file from a folder per call and caches file contents, reading
// ChunkSize uncached files ahead on every call. Not safe for concurrent use.
type FileSelector struct {
	log *slog.Logger

	folder   string
	files    []string
	lastList []string
	hadList  bool
	rrIndex  int
	progress int
	contents map[string]string
}

func NewFileSelector(log *slog.Logger) *FileSelector {
	return &FileSelector{log: logger(log), contents: make(map[string]string)}
}

// Select returns the chosen file's content and name, or ("", NoFile).
func (s *FileSelector) Select(req FileSelectRequest) (string, string) {
	folder := strings.TrimSpace(req.Folder)
	reset, reason := false, ""

	if folder != s.folder {
		s.folder = folder
		s.files = nil
		if folder != "" {
			files, err := sequence.Scan(folder, textExtensions)
			if err != nil {
				s.log.Warn("text folder scan failed", "folder", folder, "error", err)
			}
			s.files = files
		}
		if !s.hadList || !slices.Equal(s.files, s.lastList) {
			reset, reason = true, "folder or file list changed"
		}
	}
	if req.Reset {
		reset, reason = true, "manual reset"
	} else if len(s.files) == 0 && s.hadList {
		reset, reason = true, "file list became empty"
	}
	if reset {
		s.log.Info("text file selector state reset", "reason", reason)
		s.rrIndex, s.progress = 0, 0
		s.contents = make(map[string]string)
		s.lastList = s.files
		s.hadList = len(s.files) > 0
	}

	n := len(s.files)
	if n == 0 {
		s.log.Info("no text files found", "folder", folder)
		return "", NoFile
	}

	if chunk := max(req.ChunkSize, 0); chunk > 0 {
		for i := 0; i < chunk; i++ {
			name := s.files[(s.progress+i)%n]
			if _, ok := s.contents[name]; !ok {
				s.read(name, req.Encoding)
			}
		}
		s.progress = (s.progress + chunk) % n
	}

	filter := strings.TrimSpace(req.Filter)
	var chosen string
	switch req.Mode {
	case "round-robin":
		start := s.rrIndex % n
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if filter == "" || strings.Contains(s.files[idx], filter) {
				chosen = s.files[idx]
				s.rrIndex = idx + 1
				break
			}
		}
		if chosen == "" {
			s.log.Warn("no file matches filter", "filter", filter)
			return "", NoFile
		}
	default:
		candidates := s.files
		if filter != "" {
			var matched []string
			for _, f := range s.files {
				if strings.Contains(f, filter) {
					matched = append(matched, f)
				}
			}
			if len(matched) > 0 {
				candidates = matched
			} else {
				s.log.Warn("no file matches filter, using all files", "filter", filter)
			}
		}
		rng := rand.New(rand.NewPCG(req.Seed, 0))
		chosen = candidates[rng.IntN(len(candidates))]
	}
	return s.read(chosen, req.Encoding), chosen
}

// Cached reports how many file contents are cached.
func (s *FileSelector) Cached() int {
	return len(s.contents)
}

func (s *FileSelector) read(name, encoding string) string {
	if content, ok := s.contents[name]; ok {
		return content
	}
	data, err := os.ReadFile(filepath.Join(s.folder, name))
	if err != nil {
		s.log.Warn("text file read failed", "file", name, "error", err)
		s.contents[name] = ""
		return ""
	}
	content := decode(data, encoding, s.log)
	s.contents[name] = content
	return content
}

// decode converts data from the named encoding to UTF-8. Unknown names are treated as UTF-8.
func decode(data []byte, encoding string, log *slog.Logger) string {
	name := strings.TrimSpace(encoding)
	if name == "" {
		return strings.ToValidUTF8(string(data), "")
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		log.Warn("unknown text encoding, reading as utf-8", "encoding", name)
		return strings.ToValidUTF8(string(data), "")
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		log.Warn("text decode failed", "encoding", name, "error", err)
		return strings.ToValidUTF8(string(data), "")
	}
	return string(out)
}

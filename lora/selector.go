package lora

import (
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/sequence"
)

// Selection modes.
const (
	ModeRandom     = "random"
	ModeRoundRobin = "round-robin"
)

// NoSelection is the name reported when there is nothing to choose from.
const NoSelection = "None"

// SelectRequest carries the per-call inputs of the selector.
type SelectRequest struct {
	Slots          []string
	Folder         string
	Mode           string
	SwitchInterval int
	Seed           uint64
	Reset          bool
	CacheLimit     int64
}

// Selector picks one LoRA per call from slot names and a folder, switching every
// SwitchInterval calls. Not safe for concurrent use.
type Selector struct {
	resolve    func(name string) (string, error)
	extensions []string
	cache      *Cache
	log        *slog.Logger

	lastFolder     string
	folderLoras    []string
	lastCandidates []string
	current        string
	remaining      int
	rrIndex        int
}

// NewSelector builds a selector. resolve maps a slot name to a file path.
func NewSelector(cache *Cache, resolve func(name string) (string, error), extensions []string, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{resolve: resolve, extensions: extensions, cache: cache, log: log}
}

func (s *Selector) Current() string {
	return s.current
}

func (s *Selector) Cache() *Cache {
	return s.cache
}

func (s *Selector) folderCandidates(folder string) []string {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		if s.lastFolder != "" {
			s.log.Info("lora folder cleared")
		}
		s.lastFolder, s.folderLoras = "", nil
		return nil
	}
	if folder != s.lastFolder {
		files, err := sequence.Scan(folder, s.extensions)
		if err != nil {
			s.log.Warn("lora folder scan failed", "folder", folder, "error", err)
			files = nil
		}
		s.log.Info("scanned lora folder", "folder", folder, "found", len(files))
		s.lastFolder, s.folderLoras = folder, files
	}
	return s.folderLoras
}

// Candidates returns the sorted, deduplicated union of slot names and folder files.
func (s *Selector) Candidates(req SelectRequest) []string {
	var all []string
	for _, name := range req.Slots {
		if name != "" && name != NoSelection {
			all = append(all, name)
		}
	}
	all = append(all, s.folderCandidates(req.Folder)...)
	sort.Strings(all)
	return slices.Compact(all)
}

// Choose advances the selection state and returns the chosen LoRA name, or NoSelection.
func (s *Selector) Choose(req SelectRequest) string {
	if s.cache != nil {
		if req.Reset {
			s.cache.Purge()
		}
		s.cache.SetBudget(req.CacheLimit)
	}
	candidates := s.Candidates(req)
	if len(candidates) == 0 {
		s.log.Info("no lora candidates, passing through")
		s.current, s.remaining, s.rrIndex, s.lastCandidates = "", 0, 0, nil
		return NoSelection
	}

	reason := ""
	switch {
	case req.Reset:
		reason = "manual reset"
	case s.lastCandidates != nil && !slices.Equal(candidates, s.lastCandidates):
		reason = "candidate list changed"
	case s.current != "" && !slices.Contains(candidates, s.current):
		reason = "current lora no longer a candidate"
	}
	if reason != "" {
		s.log.Info("selector state reset", "reason", reason)
		s.current, s.remaining, s.rrIndex = "", 0, 0
	}
	s.lastCandidates = candidates

	interval := max(1, req.SwitchInterval)
	if s.remaining > 0 && s.current != "" {
		s.remaining--
		s.log.Debug("continuing lora", "lora", s.current, "remaining", s.remaining)
		return s.current
	}

	var chosen string
	switch req.Mode {
	case ModeRoundRobin:
		chosen = candidates[s.rrIndex%len(candidates)]
		s.rrIndex++
	default:
		if req.Mode != ModeRandom {
			s.log.Warn("unknown mode, falling back to random", "mode", req.Mode)
		}
		rng := rand.New(rand.NewPCG(req.Seed, 0))
		choices := make([]string, 0, len(candidates))
		for _, c := range candidates {
			if c != s.current {
				choices = append(choices, c)
			}
		}
		if len(choices) == 0 {
			choices = candidates
		}
		chosen = choices[rng.IntN(len(choices))]
	}
	s.current = chosen
	s.remaining = interval - 1
	s.log.Info("switched lora", "lora", chosen, "interval", interval)
	return chosen
}

// Path resolves a candidate name, preferring the scanned folder over the slot search path.
func (s *Selector) Path(name string) (string, error) {
	if s.lastFolder != "" && slices.Contains(s.folderLoras, name) {
		return filepath.Join(s.lastFolder, name), nil
	}
	return s.resolve(name)
}

// Load returns the LoRA named name through the cache.
func (s *Selector) Load(name string) (*TensorSet, bool, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, false, err
	}
	load := func() (*TensorSet, int64, error) {
		set, err := Load(path)
		if err != nil {
			return nil, 0, err
		}
		return set, FileSize(path, set), nil
	}
	if s.cache == nil {
		set, _, err := load()
		return set, false, err
	}
	return s.cache.GetOrLoad(path, load)
}

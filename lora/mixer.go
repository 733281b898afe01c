package lora

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
)

// Key selection modes.
const (
	KeysAll    = "all"
	KeysCommon = "common"
)

// Multi-mix modes. MultiMixReuse keeps keys whose up partner found no compatible source
// excluded in later passes; MultiMixOn starts every pass from the full key list.
const (
	MultiMixOff   = "off"
	MultiMixOn    = "on"
	MultiMixReuse = "reuse"
)

// NamedSet is a loaded LoRA and the name it was selected by.
type NamedSet struct {
	Name string
	Set  *TensorSet
}

// MixOptions configures Mixer.Mix.
type MixOptions struct {
	KeySelection    string
	PerKeyStrength  bool
	KeyStrengthMin  float64
	KeyStrengthMax  float64
	MultiMix        string
	Passes          int
	PerPassStrength bool
	PassStrengthMin float64
	PassStrengthMax float64
	StrengthModel   float64
	StrengthClip    float64
	Seed            uint64
}

// MixPass is one mixed LoRA and the strengths it should be applied with.
type MixPass struct {
	// Pass is 1-based and counts skipped passes too.
	Pass          int
	Set           *TensorSet
	Sources       map[string]string
	StrengthModel float64
	StrengthClip  float64
}

// Mixer builds LoRAs whose down/up pairs are drawn at random from several sources.
type Mixer struct {
	Log *slog.Logger
}

func candidateKeys(sources []NamedSet, mode string) map[string]struct{} {
	keys := make(map[string]struct{})
	if mode == KeysCommon {
		for k := range sources[0].Set.Tensors {
			keys[k] = struct{}{}
		}
		for _, src := range sources[1:] {
			for k := range keys {
				if _, ok := src.Set.Tensors[k]; !ok {
					delete(keys, k)
				}
			}
		}
	} else {
		for _, src := range sources {
			for k := range src.Set.Tensors {
				keys[k] = struct{}{}
			}
		}
	}
	for k := range keys {
		if !IsScalable(k) {
			delete(keys, k)
		}
	}
	return keys
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

// Mix runs one pass, or opts.Passes passes when multi-mix is on. Passes that produced no
// keys are left out.
func (m Mixer) Mix(ctx context.Context, sources []NamedSet, opts MixOptions) ([]MixPass, error) {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}
	if len(sources) == 0 {
		return nil, nil
	}
	keys := candidateKeys(sources, opts.KeySelection)
	rng := rand.New(rand.NewPCG(opts.Seed, 0))

	passes := 1
	if opts.MultiMix == MultiMixOn || opts.MultiMix == MultiMixReuse {
		passes = max(1, opts.Passes)
	}

	var out []MixPass
	for pass := 0; pass < passes; pass++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		working := keys
		if opts.MultiMix != MultiMixReuse {
			working = make(map[string]struct{}, len(keys))
			for k := range keys {
				working[k] = struct{}{}
			}
		}
		downs := make([]string, 0, len(working)/2)
		for k := range working {
			if IsDown(k) {
				downs = append(downs, k)
			}
		}
		sort.Strings(downs)

		mixed := NewTensorSet()
		sourceOf := make(map[string]string)
		for _, down := range downs {
			up := UpKey(down)
			if _, ok := working[up]; !ok {
				continue
			}
			var downSrc []int
			for i, src := range sources {
				if _, ok := src.Set.Tensors[down]; ok {
					downSrc = append(downSrc, i)
				}
			}
			if len(downSrc) == 0 {
				continue
			}
			di := downSrc[rng.IntN(len(downSrc))]
			ref := sources[di].Set.Tensors[up]

			var upSrc []int
			for i, src := range sources {
				if t, ok := src.Set.Tensors[up]; ok && ref != nil && t.SameShape(ref) {
					upSrc = append(upSrc, i)
				}
			}
			if len(upSrc) == 0 {
				log.Debug("no shape compatible up tensor", "key", up)
				delete(working, down)
				delete(working, up)
				continue
			}
			ui := upSrc[rng.IntN(len(upSrc))]

			downT := sources[di].Set.Tensors[down]
			upT := sources[ui].Set.Tensors[up]
			if opts.PerKeyStrength {
				s := uniform(rng, opts.KeyStrengthMin, opts.KeyStrengthMax)
				mixed.Tensors[down] = downT.Scale(s)
				mixed.Tensors[up] = upT.Scale(s)
			} else {
				mixed.Tensors[down] = downT.Clone()
				mixed.Tensors[up] = upT.Clone()
			}
			sourceOf[down] = sources[di].Name
			sourceOf[up] = sources[ui].Name
		}
		if len(mixed.Tensors) == 0 {
			continue
		}

		p := MixPass{Pass: pass + 1, Set: mixed, Sources: sourceOf, StrengthModel: opts.StrengthModel, StrengthClip: opts.StrengthClip}
		if opts.MultiMix != MultiMixOff && opts.MultiMix != "" && opts.PerPassStrength {
			p.StrengthModel = uniform(rng, opts.PassStrengthMin, opts.PassStrengthMax)
			p.StrengthClip = uniform(rng, opts.PassStrengthMin, opts.PassStrengthMax)
		}
		out = append(out, p)
	}
	return out, nil
}

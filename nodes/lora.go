package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tksw/comfynodes/lora"
	"github.com/tksw/comfynodes/nodeapi"
)

const (
	selectorSlots   = 8
	mixerSlots      = 8
	randomizerSlots = 20
)

func strengthProperty(name string, limit float64) *nodeapi.FloatProperty {
	return nodeapi.NewFloatProperty(name, 1.0, -limit, limit, 0.01)
}

func (e *Env) loraNames() []string {
	return e.Folders.FilenameList()
}

func (e *Env) patcher(class string) (lora.Patcher, error) {
	if e.Patcher == nil {
		return nil, nodeapi.Errorf(nodeapi.ErrConfiguration, class, "no lora patcher configured")
	}
	return e.Patcher, nil
}

// loadLora resolves name against the LoRA folders and reads it.
func (e *Env) loadLora(name string) (*lora.TensorSet, error) {
	path, err := e.Folders.FullPath(name)
	if err != nil {
		return nil, err
	}
	return lora.Load(path)
}

// saveLora writes set to the first LoRA folder and returns the path written.
func (e *Env) saveLora(set *lora.TensorSet, name string) (string, error) {
	dir, err := e.Folders.SaveDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, lora.SaveFileName(name))
	if err := set.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

func requireModelOrClip(class string, in *nodeapi.Inputs) error {
	if !in.Has("model") && !in.Has("clip") {
		return nodeapi.Errorf(nodeapi.ErrConfiguration, class, "either model or clip must be provided")
	}
	return nil
}

func loraLoaderDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("LoraLoaderElemental", Category).
		Required(
			nodeapi.NewComboProperty("lora_name", env.loraNames(), ""),
			strengthProperty("strength_model", 100),
			strengthProperty("strength_clip", 100),
		).
		Optional(
			nodeapi.NewLinkProperty("model", "MODEL"),
			nodeapi.NewLinkProperty("clip", "CLIP"),
			nodeapi.NewStringProperty("lora_strength_string", "", true),
			nodeapi.NewBoolProperty("save_lora", false),
			nodeapi.NewStringProperty("save_name", "processed_lora", false),
			nodeapi.NewBoolProperty("remove_unspecified_keys", false),
			nodeapi.NewBoolProperty("regex_mode", false),
		).
		Returns("MODEL", "model").
		Returns("CLIP", "clip").
		Returns("LORA", "processed_lora").
		Returns("STRING", "metadata").
		Returns("STRING", "lora_keys")
}

// loraLoader applies a LoRA after rescaling its keys by a per-key strength list.
type loraLoader struct {
	env *Env
	log *slog.Logger
}

func newLoraLoader(env *Env) nodeapi.Node {
	return &loraLoader{env: env, log: env.log("LoraLoaderElemental")}
}

func (n *loraLoader) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	if err := requireModelOrClip("LoraLoaderElemental", in); err != nil {
		return nodeapi.Outputs{}, err
	}
	model, clip := in.Any("model"), in.Any("clip")
	name := in.String("lora_name")
	set, err := n.env.loadLora(name)
	if err != nil {
		n.log.Error("loading lora", "lora", name, "error", err)
		return nodeapi.Out(model, clip, nil, nil, ""), nil
	}

	strengthModel, strengthClip := in.Float("strength_model"), in.Float("strength_clip")
	if strengthModel == 0 && strengthClip == 0 {
		return nodeapi.Out(model, clip, nil, set.MetadataJSON(), set.KeyPrefixes()), nil
	}
	patcher, err := n.env.patcher("LoraLoaderElemental")
	if err != nil {
		return nodeapi.Outputs{}, err
	}

	spec := lora.ParseStrengthSpec(in.String("lora_strength_string"), n.log)
	r := lora.Resolver{Regex: in.Bool("regex_mode"), RemoveUnspecified: in.Bool("remove_unspecified_keys"), Log: n.log}
	processed, report := r.Apply(set, spec)
	n.log.Info("resolved lora strengths", "lora", name, "matched", report.Matched, "kept", report.Kept, "removed", report.Removed)

	outModel, outClip, err := lora.Apply(ctx, patcher, model, clip, processed, strengthModel, strengthClip)
	if err != nil {
		return nodeapi.Outputs{}, fmt.Errorf("applying %s: %w", name, err)
	}
	if in.Bool("save_lora") {
		if path, err := n.env.saveLora(processed, in.String("save_name")); err != nil {
			n.log.Error("saving processed lora", "error", err)
		} else {
			n.log.Info("processed lora saved", "path", path)
		}
	}
	return nodeapi.Out(outModel, outClip, processed, set.MetadataJSON(), processed.KeyPrefixes()), nil
}

func quantizedLoraLoaderDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("QuantizedLoraLoader", Category).
		Required(
			nodeapi.NewComboProperty("lora_name", env.loraNames(), ""),
			nodeapi.NewIntProperty("quantization_bits", 8, 2, 32).WithStep(1),
			strengthProperty("strength_model", 10),
			strengthProperty("strength_clip", 10),
			nodeapi.NewIntProperty("quantization_iterations", 1, 1, 10).WithStep(1),
			nodeapi.NewBoolProperty("stepwise_quantization", false),
			nodeapi.NewIntProperty("quantization_step_size", 2, 2, 16).WithStep(1),
			nodeapi.NewBoolProperty("blend_mode", false),
			nodeapi.NewFloatProperty("blend_factor", 0.5, -10, 10, 0.01),
		).
		Optional(
			nodeapi.NewLinkProperty("model", "MODEL"),
			nodeapi.NewLinkProperty("clip", "CLIP"),
			nodeapi.NewBoolProperty("save_quantized_lora", false),
			nodeapi.NewStringProperty("save_name", "quantized_lora", false),
		).
		Returns("MODEL", "model").
		Returns("CLIP", "clip").
		Returns("LORA", "quantized_lora").
		Returns("STRING", "metadata")
}

type quantizedLoraLoader struct {
	env *Env
	log *slog.Logger
}

func newQuantizedLoraLoader(env *Env) nodeapi.Node {
	return &quantizedLoraLoader{env: env, log: env.log("QuantizedLoraLoader")}
}

func (n *quantizedLoraLoader) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	if err := requireModelOrClip("QuantizedLoraLoader", in); err != nil {
		return nodeapi.Outputs{}, err
	}
	model, clip := in.Any("model"), in.Any("clip")
	name := in.String("lora_name")
	set, err := n.env.loadLora(name)
	if err != nil {
		n.log.Error("loading lora", "lora", name, "error", err)
		return nodeapi.Out(model, clip, nil, "{}"), nil
	}
	patcher, err := n.env.patcher("QuantizedLoraLoader")
	if err != nil {
		return nodeapi.Outputs{}, err
	}

	opts := lora.QuantizeOptions{
		Bits:        int(in.Int("quantization_bits")),
		Iterations:  int(in.Int("quantization_iterations")),
		Stepwise:    in.Bool("stepwise_quantization"),
		StepSize:    int(in.Int("quantization_step_size")),
		Blend:       in.Bool("blend_mode"),
		BlendFactor: in.Float("blend_factor"),
	}
	quantized := lora.Quantize(set, opts)
	outModel, outClip, err := lora.Apply(ctx, patcher, model, clip, quantized, in.Float("strength_model"), in.Float("strength_clip"))
	if err != nil {
		return nodeapi.Outputs{}, fmt.Errorf("applying %s: %w", name, err)
	}
	if in.Bool("save_quantized_lora") {
		saved := quantized.Clone()
		opts.Annotate(saved)
		if path, err := n.env.saveLora(saved, opts.SaveName(in.String("save_name"))); err != nil {
			n.log.Error("saving quantized lora", "error", err)
		} else {
			n.log.Info("quantized lora saved", "path", path)
		}
	}
	return nodeapi.Out(outModel, outClip, quantized, set.MetadataJSON()), nil
}

func loraSelectorDef(env *Env) *nodeapi.NodeObject {
	slots := append([]string{""}, env.loraNames()...)
	obj := nodeapi.NewNodeObject("LoraSelector", Category).
		Required(
			strengthProperty("strength_model", 10),
			strengthProperty("strength_clip", 10),
			nodeapi.NewComboProperty("mode", []string{lora.ModeRandom, lora.ModeRoundRobin}, lora.ModeRandom),
			nodeapi.NewIntProperty("switch_interval", 1, 1, 9999),
			seedProperty(),
			nodeapi.NewBoolProperty("reset_state", false),
			nodeapi.NewFloatProperty("cache_limit_gb", env.Config.LoraCacheLimitGB, 0, 128, 0.1),
			nodeapi.NewStringProperty("lora_folder", "", false),
		)
	for i := 0; i < selectorSlots; i++ {
		obj.Required(nodeapi.NewComboProperty(fmt.Sprintf("lora_%d", i), slots, ""))
	}
	return obj.
		Optional(
			nodeapi.NewLinkProperty("model", "MODEL"),
			nodeapi.NewLinkProperty("clip", "CLIP"),
		).
		Returns("MODEL", "MODEL").
		Returns("CLIP", "CLIP").
		Returns("STRING", "selected_lora_name")
}

// loraSelector rotates through candidate LoRAs, keeping recently used ones in memory.
type loraSelector struct {
	env      *Env
	log      *slog.Logger
	selector *lora.Selector
}

func newLoraSelector(env *Env) nodeapi.Node {
	log := env.log("LoraSelector")
	cache := lora.NewCache(lora.LimitFromGB(env.Config.LoraCacheLimitGB), lora.NewCacheMetrics(env.Registerer), log)
	return &loraSelector{
		env:      env,
		log:      log,
		selector: lora.NewSelector(cache, env.Folders.FullPath, env.Config.LoraExtensions, log),
	}
}

func (n *loraSelector) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	model, clip := in.Any("model"), in.Any("clip")
	slots := make([]string, 0, selectorSlots)
	for i := 0; i < selectorSlots; i++ {
		slots = append(slots, in.String(fmt.Sprintf("lora_%d", i)))
	}
	name := n.selector.Choose(lora.SelectRequest{
		Slots:          slots,
		Folder:         in.String("lora_folder"),
		Mode:           in.String("mode"),
		SwitchInterval: int(in.Int("switch_interval")),
		Seed:           uint64Input(in, "seed"),
		Reset:          in.Bool("reset_state"),
		CacheLimit:     lora.LimitFromGB(in.Float("cache_limit_gb")),
	})
	if name == lora.NoSelection {
		return nodeapi.Out(model, clip, name), nil
	}
	if model == nil && clip == nil {
		n.log.Warn("lora selected but no model or clip connected", "lora", name)
		return nodeapi.Out(model, clip, name), nil
	}
	patcher, err := n.env.patcher("LoraSelector")
	if err != nil {
		return nodeapi.Outputs{}, err
	}

	set, hit, err := n.selector.Load(name)
	if err != nil {
		n.log.Error("loading lora", "lora", name, "error", err)
		return nodeapi.Out(model, clip, "ERROR applying "+name), nil
	}
	cache := n.selector.Cache()
	n.log.Debug("lora data ready", "lora", name, "cache_hit", hit, "cache_bytes", cache.SizeBytes(), "cache_items", cache.Len())

	outModel, outClip, err := lora.Apply(ctx, patcher, model, clip, set, in.Float("strength_model"), in.Float("strength_clip"))
	if err != nil {
		n.log.Error("applying lora", "lora", name, "error", err)
		return nodeapi.Out(model, clip, "ERROR applying "+name), nil
	}
	return nodeapi.Out(outModel, outClip, name), nil
}

func loraWeightRandomizerDef(env *Env) *nodeapi.NodeObject {
	slots := append([]string{""}, env.loraNames()...)
	obj := nodeapi.NewNodeObject("LoraWeightRandomizer", Category).
		Required(
			nodeapi.NewLinkProperty("model", "MODEL"),
			nodeapi.NewLinkProperty("clip", "CLIP"),
			nodeapi.NewFloatProperty("total_strength", 1.0, 0, 10, 0.01),
			nodeapi.NewFloatProperty("max_single_strength", 1.0, 0, 2, 0.01),
			nodeapi.NewBoolProperty("randomize_total_strength", false),
			seedProperty(),
		)
	for i := 0; i < randomizerSlots; i++ {
		obj.Required(nodeapi.NewComboProperty(fmt.Sprintf("%d:lora", i), slots, ""))
	}
	return obj.
		Returns("MODEL", "MODEL").
		Returns("CLIP", "CLIP").
		Returns("STRING", "settings")
}

// loraWeightRandomizer spreads a strength budget randomly over the selected LoRAs.
type loraWeightRandomizer struct {
	env *Env
	log *slog.Logger
}

func newLoraWeightRandomizer(env *Env) nodeapi.Node {
	return &loraWeightRandomizer{env: env, log: env.log("LoraWeightRandomizer")}
}

func (n *loraWeightRandomizer) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	model, clip := in.Any("model"), in.Any("clip")
	var names []string
	for i := 0; i < randomizerSlots; i++ {
		if name := in.String(fmt.Sprintf("%d:lora", i)); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nodeapi.Out(model, clip, ""), nil
	}
	patcher, err := n.env.patcher("LoraWeightRandomizer")
	if err != nil {
		return nodeapi.Outputs{}, err
	}

	opts := lora.AllocateOptions{
		Total:          in.Float("total_strength"),
		MaxSingle:      in.Float("max_single_strength"),
		RandomizeTotal: in.Bool("randomize_total_strength"),
		Seed:           uint64Input(in, "seed"),
	}
	alloc := lora.Allocate(len(names), opts)
	for i, name := range names {
		set, err := n.env.loadLora(name)
		if err != nil {
			n.log.Error("loading lora", "lora", name, "error", err)
			continue
		}
		s := alloc.Strengths[i]
		model, clip, err = lora.Apply(ctx, patcher, model, clip, set, s, s)
		if err != nil {
			return nodeapi.Outputs{}, fmt.Errorf("applying %s: %w", name, err)
		}
	}
	return nodeapi.Out(model, clip, alloc.Summary(names, opts)), nil
}

var (
	keySelections = map[string]string{
		"All Available Keys": lora.KeysAll,
		"Common Keys Only":   lora.KeysCommon,
	}
	multiMixModes = map[string]string{
		"Off":        lora.MultiMixOff,
		"On":         lora.MultiMixOn,
		"Reuse Keys": lora.MultiMixReuse,
	}
)

const (
	saveOff   = "Off"
	saveFirst = "First Only"
	saveAll   = "All"
)

func loraMixerDef(env *Env) *nodeapi.NodeObject {
	slots := append([]string{lora.NoSelection}, env.loraNames()...)
	obj := nodeapi.NewNodeObject("LoraMixerElemental", Category).
		Required(
			strengthProperty("model_strength", 100),
			strengthProperty("clip_strength", 100),
			seedProperty(),
			nodeapi.NewComboProperty("save_mixed_lora", []string{saveOff, saveFirst, saveAll}, saveOff),
			nodeapi.NewStringProperty("save_name", "mixed_lora", false),
			nodeapi.NewComboProperty("key_selection", []string{"All Available Keys", "Common Keys Only"}, "All Available Keys"),
			nodeapi.NewComboProperty("key_strength_randomization", []string{"Off", "Per Key"}, "Off"),
			nodeapi.NewFloatProperty("key_strength_min", 0, -10, 10, 0.01),
			nodeapi.NewFloatProperty("key_strength_max", 1, -10, 10, 0.01),
			nodeapi.NewComboProperty("multi_mix", []string{"Off", "On", "Reuse Keys"}, "Off"),
			nodeapi.NewIntProperty("num_mix_passes", 2, 2, 10),
			nodeapi.NewComboProperty("mix_passes_strength_randomization", []string{"Off", "On"}, "Off"),
			nodeapi.NewFloatProperty("mix_pass_strength_min", 0.5, -10, 10, 0.01),
			nodeapi.NewFloatProperty("mix_pass_strength_max", 1.0, -10, 10, 0.01),
		).
		Optional(
			nodeapi.NewLinkProperty("model", "MODEL"),
			nodeapi.NewLinkProperty("clip", "CLIP"),
		)
	for i := 1; i <= mixerSlots; i++ {
		obj.Optional(nodeapi.NewComboProperty(fmt.Sprintf("lora_name_%d", i), slots, lora.NoSelection))
	}
	return obj.
		Returns("MODEL", "model").
		Returns("CLIP", "clip").
		Returns("LORA", "mixed_lora").
		Returns("STRING", "lora_keys").
		Returns("STRING", "all_lora_keys")
}

// loraMixer assembles new LoRAs from down/up pairs drawn at random from its inputs.
type loraMixer struct {
	env *Env
	log *slog.Logger
}

func newLoraMixer(env *Env) nodeapi.Node {
	return &loraMixer{env: env, log: env.log("LoraMixerElemental")}
}

func (n *loraMixer) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	if err := requireModelOrClip("LoraMixerElemental", in); err != nil {
		return nodeapi.Outputs{}, err
	}
	model, clip := in.Any("model"), in.Any("clip")
	empty := nodeapi.Out(model, clip, nil, "", "{}")

	var sources []lora.NamedSet
	for i := 1; i <= mixerSlots; i++ {
		name := in.String(fmt.Sprintf("lora_name_%d", i))
		if name == "" || name == lora.NoSelection {
			continue
		}
		set, err := n.env.loadLora(name)
		if err != nil {
			n.log.Error("loading lora", "lora", name, "error", err)
			continue
		}
		sources = append(sources, lora.NamedSet{Name: name, Set: set})
	}
	if len(sources) == 0 {
		return empty, nil
	}

	opts := lora.MixOptions{
		KeySelection:    keySelections[in.String("key_selection")],
		PerKeyStrength:  in.String("key_strength_randomization") == "Per Key",
		KeyStrengthMin:  in.Float("key_strength_min"),
		KeyStrengthMax:  in.Float("key_strength_max"),
		MultiMix:        multiMixModes[in.String("multi_mix")],
		Passes:          int(in.Int("num_mix_passes")),
		PerPassStrength: in.String("mix_passes_strength_randomization") == "On",
		PassStrengthMin: in.Float("mix_pass_strength_min"),
		PassStrengthMax: in.Float("mix_pass_strength_max"),
		StrengthModel:   in.Float("model_strength"),
		StrengthClip:    in.Float("clip_strength"),
		Seed:            uint64Input(in, "seed"),
	}
	passes, err := lora.Mixer{Log: n.log}.Mix(ctx, sources, opts)
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	if len(passes) == 0 {
		return empty, nil
	}
	patcher, err := n.env.patcher("LoraMixerElemental")
	if err != nil {
		return nodeapi.Outputs{}, err
	}

	saveMode, saveName := in.String("save_mixed_lora"), in.String("save_name")
	all := make(map[string]map[string]string, len(passes))
	for _, p := range passes {
		model, clip, err = lora.Apply(ctx, patcher, model, clip, p.Set, p.StrengthModel, p.StrengthClip)
		if err != nil {
			return nodeapi.Outputs{}, fmt.Errorf("applying mix pass %d: %w", p.Pass, err)
		}
		all[fmt.Sprintf("mix_pass_%d", p.Pass)] = p.Sources
		if saveMode == saveAll {
			n.save(p.Set, fmt.Sprintf("%s_%d", strings.TrimSuffix(saveName, ".safetensors"), p.Pass))
		}
	}
	first := passes[0]
	if saveMode == saveFirst {
		n.save(first.Set, saveName)
	}

	report, err := json.MarshalIndent(all, "", "    ")
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	return nodeapi.Out(model, clip, first.Set, sourceLines(first.Sources), string(report)), nil
}

func (n *loraMixer) save(set *lora.TensorSet, name string) {
	path, err := n.env.saveLora(set, name)
	if err != nil {
		n.log.Error("saving mixed lora", "name", name, "error", err)
		return
	}
	n.log.Info("mixed lora saved", "path", path)
}

// sourceLines renders "key:source" per line, sorted by key.
func sourceLines(sources map[string]string) string {
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ":" + sources[k]
	}
	return strings.Join(lines, "\n")
}

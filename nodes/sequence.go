package nodes

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tksw/comfynodes/imageio"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/sequence"
	"github.com/tksw/comfynodes/tensor"
)

// sequenceOptions are the widgets every sequence loader shares, in host order.
func sequenceOptions() []nodeapi.Property {
	return []nodeapi.Property{
		nodeapi.NewBoolProperty("reset", false),
		nodeapi.NewBoolProperty("loop_or_reset", false),
		nodeapi.NewBoolProperty("reset_on_error", false),
		nodeapi.NewBoolProperty("exclude_loaded_on_reset", false),
		nodeapi.NewBoolProperty("output_alpha", false),
		nodeapi.NewBoolProperty("include_extension", false),
	}
}

func sequenceRequest(in *nodeapi.Inputs, pathA, pathB string) sequence.Request {
	return sequence.Request{
		PathA:                pathA,
		PathB:                pathB,
		StartIndex:           uint64Input(in, "start_index"),
		Reset:                in.Bool("reset"),
		Loop:                 in.Bool("loop_or_reset"),
		ResetOnError:         in.Bool("reset_on_error"),
		ExcludeLoadedOnReset: in.Bool("exclude_loaded_on_reset"),
	}
}

func imageSequenceDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("ImageSequenceLoader", "image").
		Required(nodeapi.NewStringProperty("folder_path", "", false)).
		Required(sequenceOptions()...).
		Required(
			nodeapi.NewBoolProperty("use_manual_index", false),
			nodeapi.NewIntProperty("start_index", 0, 0, maxIndex),
			nodeapi.NewIntProperty("manual_index", 0, 0, maxIndex),
			seedProperty(),
		).
		Returns("IMAGE", "image").
		Returns("INT", "index").
		Returns("INT", "seed").
		Returns("STRING", "filename")
}

// imageSequenceLoader serves one image per run from a folder.
type imageSequenceLoader struct {
	cursor *sequence.Cursor
	alpha  bool
}

func newImageSequenceLoader(env *Env) nodeapi.Node {
	n := &imageSequenceLoader{}
	exts := env.Config.ImageExtensions
	open := func(a, _ string) sequence.Source {
		return sequence.FolderSource{Dir: a, Extensions: exts}
	}
	load := func(_ context.Context, item sequence.Item) (any, error) {
		return loadSide(item, 0, n.alpha)
	}
	n.cursor = sequence.NewCursor("ImageSequenceLoader", open, load, sequence.NewMetrics(env.Registerer), env.Logger)
	return n
}

func (n *imageSequenceLoader) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	n.alpha = in.Bool("output_alpha")
	req := sequenceRequest(in, in.String("folder_path"), "")
	if in.Bool("use_manual_index") {
		manual := uint64Input(in, "manual_index")
		req.ManualIndex = &manual
	}
	res, err := n.cursor.Next(ctx, req)
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	seed := in.Int("seed")
	if !res.OK() {
		return nodeapi.Out(nil, int64(res.Index), seed, nil), nil
	}
	return nodeapi.Out(res.Payload, int64(res.Index), seed, res.Item.Filename(in.Bool("include_extension"))), nil
}

func imagePairSequenceDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("ImagePairSequenceLoader", "image").
		Required(
			nodeapi.NewStringProperty("folder_path_A", "", false),
			nodeapi.NewStringProperty("folder_path_B", "", false),
		).
		Required(sequenceOptions()...).
		Required(
			nodeapi.NewIntProperty("start_index", 0, 0, maxIndex),
			nodeapi.NewBoolProperty("match_extension", false),
			seedProperty(),
		).
		Returns("IMAGE", "image_A").
		Returns("IMAGE", "image_B").
		Returns("INT", "index").
		Returns("STRING", "filename")
}

type imagePair struct {
	A, B *tensor.Tensor
}

// imagePairSequenceLoader serves images from two folders paired by name. An empty second
// folder pairs the first folder with itself.
type imagePairSequenceLoader struct {
	cursor   *sequence.Cursor
	alpha    bool
	matchExt bool
	started  bool
}

func newImagePairSequenceLoader(env *Env) nodeapi.Node {
	n := &imagePairSequenceLoader{}
	exts := env.Config.ImageExtensions
	open := func(a, b string) sequence.Source {
		return sequence.PairSource{
			DirA:     a,
			DirB:     b,
			ExtA:     exts,
			ExtB:     exts,
			Resolver: sequence.PairResolver{MatchExtension: n.matchExt},
		}
	}
	load := func(_ context.Context, item sequence.Item) (any, error) {
		a, err := loadSide(item, 0, n.alpha)
		if err != nil {
			return nil, err
		}
		b, err := loadSide(item, 1, n.alpha)
		if err != nil {
			return nil, err
		}
		return imagePair{A: a, B: b}, nil
	}
	n.cursor = sequence.NewCursor("ImagePairSequenceLoader", open, load, sequence.NewMetrics(env.Registerer), env.Logger)
	return n
}

func (n *imagePairSequenceLoader) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	n.alpha = in.Bool("output_alpha")
	a := in.String("folder_path_A")
	b := in.String("folder_path_B")
	if strings.TrimSpace(b) == "" {
		b = a
	}
	req := sequenceRequest(in, a, b)
	// pairing rule changes need a fresh scan
	matchExt := in.Bool("match_extension")
	if n.started && matchExt != n.matchExt {
		req.Reset = true
	}
	n.matchExt, n.started = matchExt, true

	res, err := n.cursor.Next(ctx, req)
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	if !res.OK() {
		return nodeapi.Out(nil, nil, int64(res.Index), nil), nil
	}
	pair := res.Payload.(imagePair)
	return nodeapi.Out(pair.A, pair.B, int64(res.Index), res.Item.Filename(in.Bool("include_extension"))), nil
}

func imageTextPairSequenceDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("ImageTextPairSequenceLoader", Category).
		Required(
			nodeapi.NewStringProperty("image_folder_path", "", false),
			nodeapi.NewStringProperty("text_folder_path", "", false),
		).
		Required(sequenceOptions()...).
		Required(
			nodeapi.NewIntProperty("start_index", 0, 0, maxIndex),
			seedProperty(),
		).
		Returns("IMAGE", "image").
		Returns("STRING", "text").
		Returns("INT", "index").
		Returns("STRING", "filename")
}

type imageText struct {
	image *tensor.Tensor
	text  string
}

// imageTextPairSequenceLoader serves an image and its caption, paired by basename.
type imageTextPairSequenceLoader struct {
	cursor *sequence.Cursor
	log    *slog.Logger
	alpha  bool
}

func newImageTextPairSequenceLoader(env *Env) nodeapi.Node {
	n := &imageTextPairSequenceLoader{log: env.log("ImageTextPairSequenceLoader")}
	imageExts, textExts := env.Config.ImageExtensions, env.Config.TextExtensions
	open := func(a, b string) sequence.Source {
		return sequence.PairSource{DirA: a, DirB: b, ExtA: imageExts, ExtB: textExts}
	}
	load := func(_ context.Context, item sequence.Item) (any, error) {
		img, err := loadSide(item, 0, n.alpha)
		if err != nil {
			return nil, err
		}
		path, err := item.Path(1)
		if err != nil {
			return nil, err
		}
		text, err := readText(path)
		if err != nil {
			return nil, err
		}
		return imageText{image: img, text: text}, nil
	}
	n.cursor = sequence.NewCursor("ImageTextPairSequenceLoader", open, load, sequence.NewMetrics(env.Registerer), env.Logger)
	return n
}

func (n *imageTextPairSequenceLoader) Run(ctx context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	imageDir := in.String("image_folder_path")
	textDir := in.String("text_folder_path")
	if imageDir == "" || textDir == "" {
		n.log.Warn("image and text folder paths are both required")
		return nodeapi.Out(nil, nil, int64(0), nil), nil
	}
	n.alpha = in.Bool("output_alpha")
	res, err := n.cursor.Next(ctx, sequenceRequest(in, imageDir, textDir))
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	if !res.OK() {
		return nodeapi.Out(nil, nil, int64(res.Index), nil), nil
	}
	p := res.Payload.(imageText)
	return nodeapi.Out(p.image, p.text, int64(res.Index), res.Item.Filename(in.Bool("include_extension"))), nil
}

func loadSide(item sequence.Item, side int, alpha bool) (*tensor.Tensor, error) {
	path, err := item.Path(side)
	if err != nil {
		return nil, err
	}
	return imageio.Load(path, alpha)
}

// readText reads a UTF-8 caption file.
func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nodeapi.Wrap(nodeapi.ErrNotFound, "", err, path)
		}
		return "", err
	}
	if !utf8.Valid(data) {
		return "", nodeapi.Errorf(nodeapi.ErrCorrupt, "", "%s is not valid UTF-8", path)
	}
	return string(data), nil
}

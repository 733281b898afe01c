package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/textproc"
)

func linkedText(name string, multiline bool) *nodeapi.StringProperty {
	return nodeapi.NewStringProperty(name, "", multiline).Linked()
}

func textProcessorDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("TextProcessor", Category).
		Required(nodeapi.NewStringProperty("segment_separator", ",", false)).
		Optional(
			linkedText("input_text", true),
			nodeapi.NewStringProperty("remove_patterns", "", false),
			nodeapi.NewStringProperty("replace_specs", "", true),
		).
		Returns("STRING", "processed_text")
}

type textProcessor struct {
	log *slog.Logger
}

func newTextProcessor(env *Env) nodeapi.Node {
	return &textProcessor{log: env.log("TextProcessor")}
}

func (n *textProcessor) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	out := textproc.Process(
		in.String("input_text"),
		in.String("segment_separator"),
		in.String("remove_patterns"),
		in.String("replace_specs"),
		n.log,
	)
	return nodeapi.Out(out), nil
}

func textCombinerDef(env *Env) *nodeapi.NodeObject {
	obj := nodeapi.NewNodeObject("TextCombiner", Category).
		Required(
			nodeapi.NewStringProperty("separator", ",", false),
			nodeapi.NewBoolProperty("remember_log", true),
			nodeapi.NewIntProperty("max_log", 10, 0, 1000),
			nodeapi.NewBoolProperty("allow_duplicate_log", true),
			nodeapi.NewBoolProperty("use_regex", false),
		)
	for i := 1; i <= 4; i++ {
		obj.Optional(linkedText(fmt.Sprintf("text_%d", i), false))
	}
	obj.Optional(linkedText("remove_text", false)).
		Returns("STRING", "text").
		Returns("LIST", "text_log")
	for i := 1; i <= textproc.RecentSlots; i++ {
		obj.Returns("STRING", fmt.Sprintf("recent_text_%d", i))
	}
	obj.Returns("STRING", "oldest_text")
	obj.OutputNode = true
	return obj
}

// textCombiner joins up to four texts and remembers what it produced.
type textCombiner struct {
	combiner *textproc.Combiner
}

func newTextCombiner(env *Env) nodeapi.Node {
	return &textCombiner{combiner: textproc.NewCombiner(env.log("TextCombiner"))}
}

func (n *textCombiner) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	texts := make([]string, 4)
	for i := range texts {
		texts[i] = in.String(fmt.Sprintf("text_%d", i+1))
	}
	res := n.combiner.Combine(texts, textproc.CombineOptions{
		Separator:      in.String("separator"),
		RememberLog:    in.Bool("remember_log"),
		MaxLog:         int(in.Int("max_log")),
		AllowDuplicate: in.Bool("allow_duplicate_log"),
		UseRegex:       in.Bool("use_regex"),
		Remove:         in.String("remove_text"),
	})
	log := res.Log
	if log == nil {
		log = []string{}
	}
	values := []interface{}{res.Text, log}
	for _, r := range res.Recent {
		values = append(values, r)
	}
	values = append(values, res.Oldest)
	return nodeapi.Outputs{Values: values, UI: map[string]interface{}{"text": []string{res.Text}}}, nil
}

func randomWordReplacerDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("RandomWordReplacer", Category).
		Required(seedProperty()).
		Optional(
			linkedText("input_text", true),
			nodeapi.NewStringProperty("replace_specs", "", true),
			nodeapi.NewStringProperty("replace_specs_file", "", false),
			nodeapi.NewStringProperty("replace_specs_folder", "", false),
		).
		Returns("STRING", "processed_text")
}

type randomWordReplacer struct {
	log *slog.Logger
}

func newRandomWordReplacer(env *Env) nodeapi.Node {
	return &randomWordReplacer{log: env.log("RandomWordReplacer")}
}

func (n *randomWordReplacer) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	text := in.String("input_text")
	if text == "" {
		return nodeapi.Out(""), nil
	}
	var groups [][]string
	if dir := in.String("replace_specs_folder"); dir != "" {
		g, err := textproc.WordGroupsFromFolder(dir)
		if err != nil {
			n.log.Error("reading word group folder", "folder", dir, "error", err)
			if errors.Is(err, nodeapi.ErrNotFound) {
				return nodeapi.Out("Error: Folder not found: "), nil
			}
			return nodeapi.Outputs{}, err
		}
		groups = append(groups, g...)
	}
	if file := in.String("replace_specs_file"); file != "" {
		g, err := textproc.WordGroupsFromFile(file)
		if err != nil {
			n.log.Error("reading word group file", "file", file, "error", err)
			if errors.Is(err, nodeapi.ErrNotFound) {
				return nodeapi.Out("Error: File not found: "), nil
			}
			return nodeapi.Outputs{}, err
		}
		groups = append(groups, g...)
	}
	groups = append(groups, textproc.ParseWordGroups(in.String("replace_specs"))...)

	return nodeapi.Out(textproc.ReplaceWords(text, groups, textproc.NewRand(uint64Input(in, "seed")))), nil
}

func textFileSelectorDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("TextFileSelector", Category).
		Required(
			nodeapi.NewStringProperty("folder_path", "", false),
			nodeapi.NewComboProperty("mode", []string{"random", "round-robin"}, "random"),
			seedProperty(),
			nodeapi.NewBoolProperty("reset_state", false),
			nodeapi.NewIntProperty("cache_chunk_size", 10, 0, 1000),
			nodeapi.NewStringProperty("encoding", "utf-8", false),
			nodeapi.NewStringProperty("filename_filter", "", false),
		).
		Returns("STRING", "text").
		Returns("STRING", "filename")
}

type textFileSelector struct {
	selector *textproc.FileSelector
}

func newTextFileSelector(env *Env) nodeapi.Node {
	return &textFileSelector{selector: textproc.NewFileSelector(env.log("TextFileSelector"))}
}

func (n *textFileSelector) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	text, name := n.selector.Select(textproc.FileSelectRequest{
		Folder:    in.String("folder_path"),
		Mode:      in.String("mode"),
		Seed:      uint64Input(in, "seed"),
		Reset:     in.Bool("reset_state"),
		ChunkSize: int(in.Int("cache_chunk_size")),
		Encoding:  in.String("encoding"),
		Filter:    in.String("filename_filter"),
	})
	return nodeapi.Out(text, name), nil
}

// Package nodes defines the node classes of the pack and registers them with a host registry.
//
// Every class is a pair of a definition (the object_info record the host reads) and a
// factory building one stateful instance per graph node. Instances are never run
// concurrently; state such as sequence cursors and selector rotation lives on the instance.
package nodes

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tksw/comfynodes/config"
	"github.com/tksw/comfynodes/imagepool"
	"github.com/tksw/comfynodes/lora"
	"github.com/tksw/comfynodes/nodeapi"
)

// Category is the menu category of every node in the pack except the plain image loaders.
const Category = "tksw_node"

// Env carries the collaborators shared by all node instances.
type Env struct {
	Config  *config.Config
	Folders *config.FolderPaths
	// Patcher applies LoRAs to host model objects. LoRA nodes fail without one.
	Patcher    lora.Patcher
	Pool       *imagepool.Pool
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

func (e Env) withDefaults() *Env {
	if e.Config == nil {
		e.Config = config.Default()
	}
	if e.Folders == nil {
		e.Folders = e.Config.Folders()
	}
	if e.Pool == nil {
		e.Pool = imagepool.Shared
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return &e
}

func (e *Env) log(class string) *slog.Logger {
	return e.Logger.With("node", class)
}

type class struct {
	name    string
	display string
	define  func(*Env) *nodeapi.NodeObject
	build   func(*Env) nodeapi.Node
}

var classes = []class{
	{"ImageSequenceLoader", "Image Sequence Loader", imageSequenceDef, newImageSequenceLoader},
	{"ImagePairSequenceLoader", "Image Pair Sequence Loader", imagePairSequenceDef, newImagePairSequenceLoader},
	{"ImageTextPairSequenceLoader", "Image Text Pair Sequence Loader", imageTextPairSequenceDef, newImageTextPairSequenceLoader},
	{"LoraLoaderElemental", "Lora Loader Elemental", loraLoaderDef, newLoraLoader},
	{"LoraMixerElemental", "Lora Mixer Elemental", loraMixerDef, newLoraMixer},
	{"LoraSelector", "Lora Selector", loraSelectorDef, newLoraSelector},
	{"LoraWeightRandomizer", "Lora Weight Randomizer", loraWeightRandomizerDef, newLoraWeightRandomizer},
	{"QuantizedLoraLoader", "Quantized Lora Loader", quantizedLoraLoaderDef, newQuantizedLoraLoader},
	{"CustomCFGSchedule", "Custom CFG Schedule", cfgScheduleDef, newCFGSchedule},
	{"StoreImageByNumber", "Store Image (Memory)", storeImageDef, newStoreImage},
	{"StoreMultipleImagesByNumber", "Store Multiple Images (Memory)", storeMultipleImagesDef, newStoreMultipleImages},
	{"RetrieveImageByNumber", "Retrieve Image (Memory)", retrieveImageDef, newRetrieveImage},
	{"RetrieveMultipleImagesByNumber", "Retrieve Multiple Images (Memory)", retrieveMultipleImagesDef, newRetrieveMultipleImages},
	{"TextProcessor", "Text Processor", textProcessorDef, newTextProcessor},
	{"TextCombiner", "Text Combiner", textCombinerDef, newTextCombiner},
	{"RandomWordReplacer", "Random Word Replacer", randomWordReplacerDef, newRandomWordReplacer},
	{"TextFileSelector", "Text File Selector", textFileSelectorDef, newTextFileSelector},
}

// Register adds every node class of the pack to reg.
func Register(reg *nodeapi.Registry, env Env) error {
	e := env.withDefaults()
	for _, c := range classes {
		if err := reg.Register(c.name, c.display, c.define(e), func() nodeapi.Node { return c.build(e) }); err != nil {
			return err
		}
	}
	e.Logger.Debug("registered node classes", "count", len(classes))
	return nil
}

// Classes lists the class names Register adds, in registration order.
func Classes() []string {
	names := make([]string, 0, len(classes))
	for _, c := range classes {
		names = append(names, c.name)
	}
	return names
}

// seedProperty is the 64 bit seed widget shared by the randomized nodes. The host sends
// seeds above MaxInt64 as large floats; they clamp to the top of the range.
func seedProperty() *nodeapi.IntProperty {
	return nodeapi.NewIntProperty("seed", 0, 0, maxIndex)
}

const maxIndex = int64(^uint64(0) >> 1)

func uint64Input(in *nodeapi.Inputs, name string) uint64 {
	return uint64(max(0, in.Int(name)))
}

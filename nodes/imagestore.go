package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tksw/comfynodes/imageio"
	"github.com/tksw/comfynodes/imagepool"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
)

const imageSlots = 5

func imageIDProperty(name string, def int64) *nodeapi.IntProperty {
	return nodeapi.NewIntProperty(name, def, 0, maxIndex).WithStep(1)
}

func skipIfExistsProperty() *nodeapi.BoolProperty {
	return nodeapi.NewBoolProperty("skip_if_exists", false).WithLabels("Skip if ID exists", "Overwrite if ID exists")
}

func removeAfterRetrievalProperty() *nodeapi.BoolProperty {
	return nodeapi.NewBoolProperty("remove_after_retrieval", false).WithLabels("Remove after retrieval", "Keep after retrieval")
}

func imageInput(in *nodeapi.Inputs, name string) (*tensor.Tensor, error) {
	v := in.Any(name)
	if v == nil {
		return nil, nil
	}
	img, ok := v.(*tensor.Tensor)
	if !ok {
		return nil, nodeapi.Errorf(nodeapi.ErrConfiguration, in.Node(), "input %s is %T, not an image", name, v)
	}
	return img, nil
}

func uiText(text string) nodeapi.Outputs {
	return nodeapi.Outputs{UI: map[string]interface{}{"text": []string{text}}}
}

func storeImageDef(env *Env) *nodeapi.NodeObject {
	obj := nodeapi.NewNodeObject("StoreImageByNumber", Category).
		Required(
			nodeapi.NewLinkProperty("image", "IMAGE"),
			imageIDProperty("image_id", 0),
			skipIfExistsProperty(),
		)
	obj.OutputNode = true
	return obj
}

type storeImage struct {
	pool *imagepool.Pool
	log  *slog.Logger
}

func newStoreImage(env *Env) nodeapi.Node {
	return &storeImage{pool: env.Pool, log: env.log("StoreImageByNumber")}
}

func (n *storeImage) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	img, err := imageInput(in, "image")
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	id := uint64Input(in, "image_id")
	if img == nil {
		return nodeapi.Outputs{}, nodeapi.Errorf(nodeapi.ErrConfiguration, "StoreImageByNumber", "no image to store")
	}
	action := n.pool.Store(id, img, in.Bool("skip_if_exists"))
	n.log.Info("image stored", "id", id, "action", action.String(), "shape", img.Shape)
	return uiText(fmt.Sprintf("ID %d %s.", id, action)), nil
}

func storeMultipleImagesDef(env *Env) *nodeapi.NodeObject {
	obj := nodeapi.NewNodeObject("StoreMultipleImagesByNumber", Category).
		Required(skipIfExistsProperty())
	for i := 1; i <= imageSlots; i++ {
		obj.Optional(
			nodeapi.NewLinkProperty(fmt.Sprintf("image_%d", i), "IMAGE"),
			imageIDProperty(fmt.Sprintf("image_id_%d", i), int64(i-1)),
		)
	}
	obj.OutputNode = true
	return obj
}

type storeMultipleImages struct {
	pool *imagepool.Pool
	log  *slog.Logger
}

func newStoreMultipleImages(env *Env) nodeapi.Node {
	return &storeMultipleImages{pool: env.Pool, log: env.log("StoreMultipleImagesByNumber")}
}

func (n *storeMultipleImages) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	skip := in.Bool("skip_if_exists")
	stored, skipped := 0, 0
	var details []string
	for i := 1; i <= imageSlots; i++ {
		img, err := imageInput(in, fmt.Sprintf("image_%d", i))
		if err != nil {
			return nodeapi.Outputs{}, err
		}
		if img == nil {
			continue
		}
		id := uint64Input(in, fmt.Sprintf("image_id_%d", i))
		action := n.pool.Store(id, img, skip)
		label := "stored"
		switch action {
		case imagepool.Skipped:
			skipped++
			label = "skipped"
		case imagepool.Overwritten:
			stored++
			label = "overwritten"
		default:
			stored++
		}
		n.log.Debug("slot processed", "slot", i, "id", id, "action", action.String())
		details = append(details, fmt.Sprintf("ID %d(S%d):%s", id, i, label))
	}
	if stored == 0 && skipped == 0 {
		return uiText("No images/IDs provided to process."), nil
	}
	summary := fmt.Sprintf("Stored: %d, Skipped: %d. Details: %s", stored, skipped, strings.Join(details, ", "))
	n.log.Info("images stored", "stored", stored, "skipped", skipped)
	return uiText(summary), nil
}

func retrieveImageDef(env *Env) *nodeapi.NodeObject {
	return nodeapi.NewNodeObject("RetrieveImageByNumber", Category).
		Required(
			imageIDProperty("image_id", 0),
			removeAfterRetrievalProperty(),
		).
		Optional(nodeapi.NewLinkProperty("fallback_image", "IMAGE")).
		Returns("IMAGE", "image")
}

// retriever reads pooled images, falling back to a supplied image or a black square.
type retriever struct {
	pool  *imagepool.Pool
	log   *slog.Logger
	blank int
}

func (r *retriever) retrieve(id uint64, remove bool, fallback *tensor.Tensor) *tensor.Tensor {
	if img, ok := r.pool.Retrieve(id, remove); ok {
		r.log.Info("image retrieved", "id", id, "removed", remove, "shape", img.Shape)
		return img
	}
	if fallback != nil {
		r.log.Info("image not found, using fallback", "id", id)
		return fallback.Clone()
	}
	r.log.Info("image not found, using black image", "id", id, "size", r.blank)
	return imageio.Blank(r.blank, r.blank)
}

func newRetriever(env *Env, class string) *retriever {
	return &retriever{pool: env.Pool, log: env.log(class), blank: env.Config.DefaultImageSize}
}

type retrieveImage struct {
	*retriever
}

func newRetrieveImage(env *Env) nodeapi.Node {
	return &retrieveImage{newRetriever(env, "RetrieveImageByNumber")}
}

func (n *retrieveImage) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	fallback, err := imageInput(in, "fallback_image")
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	return nodeapi.Out(n.retrieve(uint64Input(in, "image_id"), in.Bool("remove_after_retrieval"), fallback)), nil
}

func retrieveMultipleImagesDef(env *Env) *nodeapi.NodeObject {
	obj := nodeapi.NewNodeObject("RetrieveMultipleImagesByNumber", Category).
		Required(removeAfterRetrievalProperty()).
		Optional(nodeapi.NewLinkProperty("fallback_image", "IMAGE"))
	for i := 1; i <= imageSlots; i++ {
		obj.Optional(imageIDProperty(fmt.Sprintf("image_id_%d", i), int64(i-1)))
	}
	for i := 1; i <= imageSlots; i++ {
		obj.Returns("IMAGE", fmt.Sprintf("image_%d", i))
	}
	return obj
}

type retrieveMultipleImages struct {
	*retriever
}

func newRetrieveMultipleImages(env *Env) nodeapi.Node {
	return &retrieveMultipleImages{newRetriever(env, "RetrieveMultipleImagesByNumber")}
}

func (n *retrieveMultipleImages) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	fallback, err := imageInput(in, "fallback_image")
	if err != nil {
		return nodeapi.Outputs{}, err
	}
	remove := in.Bool("remove_after_retrieval")
	values := make([]interface{}, imageSlots)
	for i := range values {
		values[i] = n.retrieve(uint64Input(in, fmt.Sprintf("image_id_%d", i+1)), remove, fallback)
	}
	return nodeapi.Outputs{Values: values}, nil
}

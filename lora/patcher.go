package lora

import "context"

// Patcher applies a LoRA to the host's model and text encoder objects. Either may be nil;
// a nil input comes back nil.
type Patcher interface {
	ApplyLora(ctx context.Context, model, clip any, set *TensorSet, strengthModel, strengthClip float64) (any, any, error)
}

// PatcherFunc adapts a function to Patcher.
type PatcherFunc func(ctx context.Context, model, clip any, set *TensorSet, strengthModel, strengthClip float64) (any, any, error)

func (f PatcherFunc) ApplyLora(ctx context.Context, model, clip any, set *TensorSet, strengthModel, strengthClip float64) (any, any, error) {
	return f(ctx, model, clip, set, strengthModel, strengthClip)
}

// Apply patches whichever of model and clip is present, zeroing the strength of a missing one.
func Apply(ctx context.Context, p Patcher, model, clip any, set *TensorSet, strengthModel, strengthClip float64) (any, any, error) {
	if model == nil {
		strengthModel = 0
	}
	if clip == nil {
		strengthClip = 0
	}
	return p.ApplyLora(ctx, model, clip, set, strengthModel, strengthClip)
}

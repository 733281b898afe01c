// Comfynodes is a pack of custom nodes for a ComfyUI-style node graph runtime, written in Go.
// The host discovers the nodes through the registry in package nodes, creates one instance per
// graph node and calls Run once per execution. Sequence loaders walk folders of images and
// captions, the LoRA nodes rescale, mix, quantize and cache LoRA tensor sets, and the CFG
// schedule node hands the host sampler a per-step guidance hook.
package comfynodes

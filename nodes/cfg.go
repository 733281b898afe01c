package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tksw/comfynodes/cfgschedule"
	"github.com/tksw/comfynodes/nodeapi"
	"github.com/tksw/comfynodes/tensor"
)

// HookUIKey is the UI entry carrying the *cfgschedule.Hook the host sampler should call.
const HookUIKey = "cfg_hook"

const cfgHeader = "CustomCFG (CustomCFGSchedule)"

// HookProvider is implemented by nodes that install a sampler hook.
type HookProvider interface {
	Hook() *cfgschedule.Hook
}

func cfgScheduleDef(env *Env) *nodeapi.NodeObject {
	obj := nodeapi.NewNodeObject("CustomCFGSchedule", Category).
		Required(
			nodeapi.NewBoolProperty("enabled", true).WithLabels("Enabled", "Disabled"),
			nodeapi.NewFloatProperty("initial_cfg", 7.0, -100, 100, 0.01),
			nodeapi.NewStringProperty("cfg_schedule_points", "", true),
			nodeapi.NewIntProperty("schedule_loop_length", 0, 0, 1000).WithStep(1),
			nodeapi.NewBoolProperty("interpolate", false).WithLabels("Interpolate CFG", "Stepped CFG"),
			nodeapi.NewBoolProperty("allow_overshoot_and_trim", false).WithLabels("Overshoot & Trim", "Clamp to Max Steps"),
		).
		Optional(
			nodeapi.NewLinkProperty("sigmas", "SIGMAS"),
			nodeapi.NewIntProperty("total_steps_override", 0, 0, 1000).WithStep(1),
			nodeapi.NewLinkProperty("passthrough_model", "MODEL"),
		).
		Returns("STRING", "info").
		Returns("MODEL", "passthrough_model_out").
		Returns("SIGMAS", "sigmas_out")
	obj.OutputNode = true
	return obj
}

// cfgScheduleNode expands a CFG schedule and publishes it as a sampler hook. The previous
// hook is dropped on every run.
type cfgScheduleNode struct {
	log  *slog.Logger
	hook *cfgschedule.Hook
}

func newCFGSchedule(env *Env) nodeapi.Node {
	return &cfgScheduleNode{log: env.log("CustomCFGSchedule")}
}

// Hook returns the hook installed by the last run, or nil.
func (n *cfgScheduleNode) Hook() *cfgschedule.Hook {
	return n.hook
}

func (n *cfgScheduleNode) Run(_ context.Context, in *nodeapi.Inputs) (nodeapi.Outputs, error) {
	model, sigmasIn := in.Any("passthrough_model"), in.Any("sigmas")
	prev := n.hook
	n.hook = nil
	result := func(info string) nodeapi.Outputs {
		out := nodeapi.Out(info, model, sigmasIn)
		out.UI = map[string]interface{}{"text": []string{info}}
		if n.hook != nil {
			out.UI[HookUIKey] = n.hook
		}
		return out
	}

	if !in.Bool("enabled") {
		info := cfgHeader + ": Disabled"
		if prev != nil {
			if !prev.Completed() {
				n.log.Info("disabled after an interrupted schedule")
			}
			info += " (Removed own hook)"
		}
		return result(info), nil
	}

	sigmas := sigmaValues(sigmasIn)
	var total int
	var source string
	switch {
	case len(sigmas) > 0:
		total = len(sigmas)
		source = fmt.Sprintf("SIGMAS input (%d steps)", total)
	case in.Int("total_steps_override") > 0:
		total = int(in.Int("total_steps_override"))
		source = fmt.Sprintf("Total Steps Override (%d steps, using call counter)", total)
	default:
		n.log.Error("no SIGMAS input and no positive total steps override")
		return result(cfgHeader + ": Enabled (Error: Neither SIGMAS input nor valid Total Steps Override provided)"), nil
	}

	text := in.String("cfg_schedule_points")
	opts := cfgschedule.Options{
		Total:          total,
		LoopLength:     int(in.Int("schedule_loop_length")),
		Interpolate:    in.Bool("interpolate"),
		AllowOvershoot: in.Bool("allow_overshoot_and_trim"),
		Initial:        in.Float("initial_cfg"),
	}
	if opts.LoopLength > 0 && opts.EffectiveLoop() == 0 {
		n.log.Warn("loop length exceeds schedule without overshoot, looping disabled", "loop_length", opts.LoopLength, "values", total)
	}
	sched, err := cfgschedule.Expand(cfgschedule.ParsePoints(text, n.log), opts)
	if err != nil {
		n.log.Error("schedule expansion failed", "error", err)
		return result(fmt.Sprintf("%s: Enabled (Error: Failed to expand schedule to %d values. Check console.)", cfgHeader, total)), nil
	}
	for _, rej := range sched.Rejected {
		n.log.Warn("schedule point skipped", "error", rej)
	}

	if len(sigmas) > 0 {
		n.hook = cfgschedule.NewSigmaHook(sched, sigmas)
	} else {
		n.hook = cfgschedule.NewCounterHook(sched)
	}
	info := fmt.Sprintf("%s: Enabled\nStep Source: %s\n%s", cfgHeader, source, cfgschedule.Summary(sched, opts, text))
	return result(info), nil
}

// sigmaValues reads the host's sigma list. Unknown types count as absent.
func sigmaValues(v any) []float64 {
	switch s := v.(type) {
	case []float64:
		return s
	case []float32:
		out := make([]float64, len(s))
		for i, f := range s {
			out[i] = float64(f)
		}
		return out
	case *tensor.Tensor:
		if s == nil {
			return nil
		}
		out := make([]float64, len(s.Data))
		for i, f := range s.Data {
			out[i] = float64(f)
		}
		return out
	}
	return nil
}

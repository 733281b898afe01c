package nodeapi

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the pack exports.
const Namespace = "comfynodes"

// RegisterCollector registers c on reg and returns it. When an identical collector is already
// registered (several node instances share one registerer) the existing one is returned.
// A nil reg leaves c unregistered.
func RegisterCollector[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		slog.Warn("metric registration failed", "error", err)
	}
	return c
}

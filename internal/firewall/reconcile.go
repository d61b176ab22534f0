package firewall

import (
	"context"
	"fmt"
	"log/slog"

	secmetrics "github.com/Start9Labs/startwrt/internal/metrics"
	"github.com/Start9Labs/startwrt/internal/state"
)

// Reconciler keeps the filter table in sync with the rule list derived
// from the state store. It owns the only record of what has been
// applied; on restart it starts from empty and adds every derived rule
// again. Rules left in the table by an earlier run are neither detected
// nor removed.
//
// The reconciler assumes exclusive ownership of the two forward
// chains: drift introduced by other agents is not detected.
type Reconciler struct {
	Store   *state.Store
	Sink    Sink
	Metrics *secmetrics.Collector
	Logger  *slog.Logger
}

// Run loops deriving, diffing, and applying until the context is
// cancelled or the sink fails. Each derivation runs inside
// PeekAndMarkSeen, so a cycle always sees a consistent snapshot and a
// burst of mutations costs one cycle.
func (r *Reconciler) Run(ctx context.Context) error {
	reader := r.Store.Subscribe()

	var current []AllowRule
	for {
		var desired []AllowRule
		var stations int
		reader.PeekAndMarkSeen(func(s *state.State) {
			desired = Derive(s)
			stations = len(s.Connections)
		})

		changes := Diff(current, desired)
		for _, change := range changes {
			if err := r.Sink.Apply(ctx, change); err != nil {
				return fmt.Errorf("apply rule change: %w", err)
			}
			r.Metrics.FilterCommands.WithLabelValues(change.Op.String()).Inc()
		}
		current = desired

		r.Metrics.ReconcileCycles.Inc()
		r.Metrics.Rules.Set(float64(len(current)))
		r.Metrics.Connections.Set(float64(stations))

		if len(changes) > 0 {
			r.Logger.Info("filter table reconciled",
				slog.Int("changes", len(changes)),
				slog.Int("rules", len(current)),
			)
		}

		if err := reader.Changed(ctx); err != nil {
			return err
		}
	}
}

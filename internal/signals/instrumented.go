package signals

import (
	"context"
	"time"

	"github.com/crewmarket/riskguard/internal/metrics"
)

// Instrumented decorates a Store with Prometheus counters.
type Instrumented struct {
	Store
	name string
}

// NewInstrumented wraps store; name labels store errors (e.g. "signals_pg").
func NewInstrumented(store Store, name string) *Instrumented {
	return &Instrumented{Store: store, name: name}
}

func (i *Instrumented) Append(ctx context.Context, sig *Signal) error {
	err := i.Store.Append(ctx, sig)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(i.name).Inc()
		return err
	}
	metrics.SignalsTotal.WithLabelValues(string(sig.Source), metrics.BoolLabel(sig.Valid)).Inc()
	return nil
}

func (i *Instrumented) ListUnresolved(ctx context.Context, subjectID string, since time.Time) ([]*Signal, error) {
	out, err := i.Store.ListUnresolved(ctx, subjectID, since)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(i.name).Inc()
	}
	return out, err
}

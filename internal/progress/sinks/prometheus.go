package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/emblem-rarity/internal/progress"
)

// PrometheusSink exports synchronization metrics derived from events.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	running       prometheus.Gauge
	progressRatio prometheus.Gauge
	items         *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rarity_sync_runs_started_total",
			Help: "Total synchronization runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rarity_sync_runs_completed_total",
			Help: "Finished synchronization runs partitioned by result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rarity_sync_running",
			Help: "1 while a synchronization is running.",
		}),
		progressRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rarity_sync_progress_ratio",
			Help: "Completed share of the current or last synchronization.",
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rarity_sync_items",
			Help: "Item counters of the current or last synchronization.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rarity_sync_run_duration_seconds",
			Help:    "Wall time per finished synchronization.",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"result"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.running,
		s.progressRatio,
		s.items,
		s.runDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSyncStart:
			s.runsStarted.Inc()
			s.running.Set(1)
		case progress.StageSyncDone:
			s.finish(evt, "success")
		case progress.StageSyncError:
			s.finish(evt, "error")
		}
		s.progressRatio.Set(evt.Percent() / 100)
		s.items.WithLabelValues("processed").Set(float64(evt.Current))
		s.items.WithLabelValues("total").Set(float64(evt.Total))
		s.items.WithLabelValues("succeeded").Set(float64(evt.Succeeded))
		s.items.WithLabelValues("skipped").Set(float64(evt.Skipped))
		s.items.WithLabelValues("abandoned").Set(float64(evt.Abandoned))
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	s.running.Set(0)
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

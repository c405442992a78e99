package sync

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope = "recipesync/sync"

	spanRefresh = "sync.refresh"
	spanLike    = "sync.set_liked"
	spanMutate  = "sync.mutate_recipe"
	spanPoll    = "sync.poll"

	metricCreated   = "recipesync.sync.recipes.created"
	metricUpdated   = "recipesync.sync.recipes.updated"
	metricDeleted   = "recipesync.sync.recipes.deleted"
	metricFallbacks = "recipesync.sync.stale_fallbacks"
	metricRollbacks = "recipesync.sync.like_rollbacks"
	metricErrors    = "recipesync.sync.errors"
	metricPushes    = "recipesync.sync.push_events"
)

// instruments holds the OTel tracer and counters. Every field is non-nil;
// they are no-ops when telemetry is disabled.
type instruments struct {
	tracer trace.Tracer

	created   metric.Int64Counter
	updated   metric.Int64Counter
	deleted   metric.Int64Counter
	fallbacks metric.Int64Counter
	rollbacks metric.Int64Counter
	errors    metric.Int64Counter
	pushes    metric.Int64Counter
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &instruments{
		tracer:    otel.Tracer(otelScope),
		created:   mustCounter(metricCreated, "Number of recipes added to the cache by refreshes"),
		updated:   mustCounter(metricUpdated, "Number of cached recipes changed by refreshes"),
		deleted:   mustCounter(metricDeleted, "Number of recipes removed from the cache by refreshes"),
		fallbacks: mustCounter(metricFallbacks, "Number of reads answered from a stale cache after a remote failure"),
		rollbacks: mustCounter(metricRollbacks, "Number of optimistic like writes rolled back"),
		errors:    mustCounter(metricErrors, "Number of failed sync operations"),
		pushes:    mustCounter(metricPushes, "Number of new-recipe push events received"),
	}
}

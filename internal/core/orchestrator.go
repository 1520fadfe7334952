package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SampleSource produces the records for the bootstrap load, typically by
// parsing the deployment's CSV. Parse failures surface verbatim to the
// caller as fatal initialization errors.
type SampleSource func(ctx context.Context) ([]SampleRecord, error)

// OrchestratorConfig bounds the init lock and the waiting branch.
type OrchestratorConfig struct {
	LockTTL      time.Duration // stale-lock reclamation horizon
	WaitInterval time.Duration // population poll interval while another instance loads
	WaitAttempts int           // poll budget before InitTimeoutError
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 500 * time.Millisecond
	}
	if c.WaitAttempts <= 0 {
		c.WaitAttempts = 20
	}
	return c
}

// Orchestrator drives startup initialization and fronts every
// cache-dependent read. It is constructed once per process, holds no state
// beyond its cache handle, and re-runs its checks cheaply on each request.
type Orchestrator struct {
	store   PersistentStore
	cache   *Cache
	source  SampleSource
	metrics *Metrics
	log     zerolog.Logger
	holder  string
	cfg     OrchestratorConfig
}

// NewOrchestrator wires an orchestrator over its injected dependencies.
// metrics may be nil.
func NewOrchestrator(store PersistentStore, cache *Cache, source SampleSource, metrics *Metrics, log zerolog.Logger, cfg OrchestratorConfig) *Orchestrator {
	host, _ := os.Hostname()
	return &Orchestrator{
		store:   store,
		cache:   cache,
		source:  source,
		metrics: metrics,
		log:     log,
		holder:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		cfg:     cfg.withDefaults(),
	}
}

// Holder returns the instance identity used for lock ownership.
func (o *Orchestrator) Holder() string { return o.holder }

// EnsureReady brings the store to a populated state, loading the CSV under
// the init lock when this instance wins it and waiting on the population
// check when another instance holds it.
func (o *Orchestrator) EnsureReady(ctx context.Context) error {
	populated, err := o.store.IsPopulated(ctx)
	if err != nil {
		return StoreUnavailableError{Op: "population check", Err: err}
	}
	if populated {
		return nil
	}

	acquired, err := o.store.TryAcquireLock(ctx, InitLockName, o.holder, o.cfg.LockTTL)
	if err != nil {
		// Fail closed: treat an unreachable lock backend as "not acquired"
		// and fall back to the bounded wait.
		o.metrics.lockOutcome("error")
		o.log.Warn().Err(err).Msg("init lock acquisition failed, waiting on population")
		return o.waitForPopulation(ctx)
	}
	if !acquired {
		o.metrics.lockOutcome("contended")
		o.log.Info().Str("holder", o.holder).Msg("init lock held elsewhere, waiting on population")
		return o.waitForPopulation(ctx)
	}

	o.metrics.lockOutcome("acquired")
	defer func() {
		if err := o.store.ReleaseLock(context.WithoutCancel(ctx), InitLockName, o.holder); err != nil {
			o.log.Warn().Err(err).Msg("init lock release failed")
		}
	}()

	// Another instance may have completed the load between our population
	// check and the lock grant. Re-check before touching the source.
	populated, err = o.store.IsPopulated(ctx)
	if err != nil {
		return StoreUnavailableError{Op: "population re-check", Err: err}
	}
	if populated {
		o.metrics.initOutcome("already_populated")
		return nil
	}
	return o.runInitialLoad(ctx)
}

func (o *Orchestrator) runInitialLoad(ctx context.Context) error {
	start := time.Now()
	o.log.Info().Str("holder", o.holder).Msg("acquired init lock, loading dataset")

	if err := o.store.EnsureSchema(ctx); err != nil {
		o.metrics.initOutcome("failed")
		return StoreUnavailableError{Op: "schema bootstrap", Err: err}
	}
	records, err := o.source(ctx)
	if err != nil {
		o.metrics.initOutcome("failed")
		return err
	}
	summary, err := o.store.LoadSamples(ctx, records)
	if err != nil {
		o.metrics.initOutcome("failed")
		return err
	}
	o.metrics.observeLoad(time.Since(start).Seconds())

	// Schema alone must not count as populated: an empty CSV leaves the
	// store unpopulated and initialization fails deterministically.
	populated, err := o.store.IsPopulated(ctx)
	if err != nil {
		o.metrics.initOutcome("failed")
		return StoreUnavailableError{Op: "post-load population check", Err: err}
	}
	if !populated {
		o.metrics.initOutcome("failed")
		return fmt.Errorf("initialization failed: dataset contained no samples")
	}
	if summary.SamplesAdded == 0 {
		// Another instance finished the load between our population check
		// and the transaction; LoadSamples wrote nothing.
		o.metrics.initOutcome("already_populated")
	} else {
		o.metrics.initOutcome("loaded")
	}
	o.log.Info().
		Int("samples", summary.SamplesAdded).
		Int("cell_counts", summary.CellCountsAdded).
		Dur("elapsed", time.Since(start)).
		Msg("dataset load complete")
	return nil
}

// waitForPopulation is the WAITING branch: poll the population check on a
// bounded budget while another instance performs the load.
func (o *Orchestrator) waitForPopulation(ctx context.Context) error {
	start := time.Now()
	for attempt := 1; attempt <= o.cfg.WaitAttempts; attempt++ {
		populated, err := o.store.IsPopulated(ctx)
		if err == nil && populated {
			o.metrics.initOutcome("waited")
			return nil
		}
		if err != nil {
			o.log.Warn().Err(err).Int("attempt", attempt).Msg("population check failed while waiting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.WaitInterval):
		}
	}
	o.metrics.initOutcome("timeout")
	return InitTimeoutError{Attempts: o.cfg.WaitAttempts, Waited: time.Since(start)}
}

// cachedRead serves a computation through the cache, validating any hit
// against the store's current generation before trusting it.
func (o *Orchestrator) cachedRead(ctx context.Context, key string, compute func(context.Context) (any, error)) (any, error) {
	gen, genErr := o.store.Generation(ctx)
	if genErr == nil {
		if entry, ok := o.cache.Get(key); ok {
			if entry.Generation == gen {
				o.metrics.cacheHit()
				return entry.Value, nil
			}
			// Stale entry: drop and recompute, never surfaced.
			o.metrics.cacheStale()
			o.cache.Drop(key)
		}
	}
	o.metrics.cacheMiss()

	if err := o.EnsureReady(ctx); err != nil {
		return nil, err
	}
	gen, err := o.store.Generation(ctx)
	if err != nil {
		return nil, StoreUnavailableError{Op: "generation check", Err: err}
	}
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	o.cache.Put(key, CacheEntry{Generation: gen, Value: value})
	return value, nil
}

// FrequencyTable returns relative population frequencies for the filter
// scope, served from cache when valid.
func (o *Orchestrator) FrequencyTable(ctx context.Context, f Filters) (FrequencyTable, error) {
	v, err := o.cachedRead(ctx, "frequency:"+f.CacheKey(), func(ctx context.Context) (any, error) {
		counts, err := o.store.PopulationCounts(ctx, f)
		if err != nil {
			return nil, StoreUnavailableError{Op: "frequency query", Err: err}
		}
		return BuildFrequencyTable(counts), nil
	})
	if err != nil {
		return FrequencyTable{}, err
	}
	return v.(FrequencyTable), nil
}

// ResponseComparison runs the responder significance analysis. The original
// study scoped it to melanoma/tr1/PBMC; those defaults apply unless the
// caller overrides the respective filter dimension.
func (o *Orchestrator) ResponseComparison(ctx context.Context, f Filters) (ResponseComparison, error) {
	scope := withResponseDefaults(f)
	v, err := o.cachedRead(ctx, "response:"+scope.CacheKey(), func(ctx context.Context) (any, error) {
		counts, err := o.store.PopulationCounts(ctx, scope)
		if err != nil {
			return nil, StoreUnavailableError{Op: "response query", Err: err}
		}
		return CompareResponses(counts), nil
	})
	if err != nil {
		return ResponseComparison{}, err
	}
	return v.(ResponseComparison), nil
}

// BaselineStats aggregates treatment-start (timepoint zero) samples under
// the study's default scope.
func (o *Orchestrator) BaselineStats(ctx context.Context, f Filters) (BaselineStats, error) {
	scope := withResponseDefaults(f)
	if scope.TimeFromTreatmentStart == nil {
		scope.TimeFromTreatmentStart = IntPtr(0)
	}
	v, err := o.cachedRead(ctx, "baseline:"+scope.CacheKey(), func(ctx context.Context) (any, error) {
		samples, err := o.store.BaselineSamples(ctx, scope)
		if err != nil {
			return nil, StoreUnavailableError{Op: "baseline query", Err: err}
		}
		return BuildBaselineStats(samples), nil
	})
	if err != nil {
		return BaselineStats{}, err
	}
	return v.(BaselineStats), nil
}

func withResponseDefaults(f Filters) Filters {
	if len(f.Conditions) == 0 {
		f.Conditions = []string{"melanoma"}
	}
	if len(f.Treatments) == 0 {
		f.Treatments = []string{"tr1"}
	}
	if len(f.SampleTypes) == 0 {
		f.SampleTypes = []string{"PBMC"}
	}
	return f
}

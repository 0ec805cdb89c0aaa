package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkturian/warmctl/internal/deadletter"
	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/health"
	"github.com/arkturian/warmctl/internal/ledger"
	"github.com/arkturian/warmctl/internal/logging"
	"github.com/arkturian/warmctl/internal/metrics"
	"github.com/arkturian/warmctl/internal/progress"
	"github.com/arkturian/warmctl/internal/tracing"
	"github.com/arkturian/warmctl/internal/warmer"
)

// ErrRunFailed is returned when a run finishes with at least one terminal
// failure so the process exits non-zero.
var ErrRunFailed = errors.New("run finished with failures")

// runObserver fans terminal outcomes to metrics, failure logging, the
// dead-letter topic, and the run ledger, then folds them into the
// progress aggregator. Called from the collecting goroutine only.
type runObserver struct {
	kind    string
	logger  *logging.Logger
	agg     *progress.Aggregator
	dlq     *deadletter.Publisher
	store   *ledger.Store
	runID   int64
	baseCtx context.Context
}

func (r *runObserver) Observe(o dispatch.Outcome) {
	if o.Success() {
		metrics.RecordOutcome(r.kind, "success")
	} else {
		metrics.RecordOutcome(r.kind, "failed")
		r.logFailure(o)

		if r.dlq != nil {
			env := deadletter.NewEnvelope(r.baseCtx, r.kind, o)
			if err := r.dlq.Publish(env); err != nil {
				r.logger.Plain().WithRun(r.kind).WithError(err).Warn("dead-letter publish failed")
			}
		}
		if r.store != nil {
			ctx, cancel := context.WithTimeout(r.baseCtx, 5*time.Second)
			if err := r.store.RecordFailure(ctx, r.runID, o); err != nil {
				r.logger.Plain().WithRun(r.kind).WithError(err).Warn("ledger write failed")
			}
			cancel()
		}
	}
	r.agg.Observe(o)
}

func (r *runObserver) logFailure(o dispatch.Outcome) {
	entry := r.logger.Plain().
		WithRun(r.kind).
		WithField("key", o.Desc.Key()).
		WithField("attempts", o.Attempts).
		WithField("reason", dispatch.FailureReason(o.Err)).
		WithError(o.Err)

	switch w := o.Desc.(type) {
	case warmer.EmbedWork:
		entry.WithObject(w.ObjectID)
	case warmer.RenditionWork:
		entry.WithProduct(w.ProductID).WithStorage(w.StorageID).WithSize(w.Params.Width)
	}
	entry.Error("warm failed")
}

// runWarm drives one full warm run: set up tracing/metrics/ledger/DLQ, feed
// the descriptors through the pool, report progress, and tear everything
// down. Ctrl-C stops the submission of new work; in-flight calls finish.
func runWarm(kind string, descs []dispatch.Descriptor, perform dispatch.PerformFunc, callTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	var store *ledger.Store
	if cfg.Ledger.DSN != "" {
		store, err = ledger.Connect(ctx, cfg.Ledger.DSN)
		if err != nil {
			return fmt.Errorf("connect ledger: %w", err)
		}
		defer store.Close()
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(store)
	}

	var dlq *deadletter.Publisher
	if cfg.DLQ.Publish {
		dlq, err = deadletter.NewPublisher(cfg.DLQ.NsqdTCPAddr, cfg.DLQ.Topic)
		if err != nil {
			return fmt.Errorf("connect nsqd: %w", err)
		}
		defer dlq.Stop()
	}

	metrics.RecordCandidates(kind, len(descs))

	var runID int64
	if store != nil {
		runID, err = store.BeginRun(ctx, kind, len(descs))
		if err != nil {
			return fmt.Errorf("begin run: %w", err)
		}
	}

	agg := progress.New(len(descs), cfg.Warm.ProgressEvery, func(s progress.Summary) {
		logger.Plain().WithRun(kind).
			WithFields(map[string]any{
				"done":      s.Total,
				"expected":  len(descs),
				"succeeded": s.Succeeded,
				"failed":    s.Failed,
			}).
			Info("progress")
	})

	pool := &dispatch.Pool{
		Concurrency: cfg.Warm.Concurrency,
		Policy: dispatch.RetryPolicy{
			MaxAttempts:       cfg.Warm.MaxAttempts,
			RetryableStatuses: cfg.Warm.RetryableStatuses,
			Backoff:           cfg.Warm.Backoff,
			CallTimeout:       callTimeout,
		},
		Perform: perform,
		Observer: &runObserver{
			kind:    kind,
			logger:  logger,
			agg:     agg,
			dlq:     dlq,
			store:   store,
			runID:   runID,
			baseCtx: ctx,
		},
		OnRetry: func(d dispatch.Descriptor, attempt int, err error) {
			metrics.RecordRetry(dispatch.FailureReason(err))
			logger.Plain().WithRun(kind).
				WithField("key", d.Key()).
				WithField("attempt", attempt).
				WithError(err).
				Warn("retrying")
		},
	}

	started := time.Now()
	logger.Plain().WithRun(kind).
		WithFields(map[string]any{
			"candidates":  len(descs),
			"concurrency": pool.Concurrency,
		}).
		Info("warm run starting")

	_, err = pool.Run(ctx, descs)
	if err != nil {
		return err
	}

	summary := agg.Snapshot()
	if store != nil {
		finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.FinishRun(finishCtx, runID, summary); err != nil {
			logger.Plain().WithRun(kind).WithError(err).Warn("ledger finish failed")
		}
		cancel()
	}

	logger.Plain().WithRun(kind).
		WithFields(map[string]any{
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"elapsed":   time.Since(started).Round(time.Millisecond).String(),
		}).
		Info("warm run finished")

	if ctx.Err() != nil && summary.Total < int64(len(descs)) {
		logger.Plain().WithRun(kind).
			WithField("remaining", int64(len(descs))-summary.Total).
			Warn("run interrupted before all work was submitted")
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d items failed", ErrRunFailed, summary.Failed, summary.Total)
	}
	return nil
}

// startMetricsServer exposes /metrics and /healthz for the duration of the
// run. Best-effort; a bind failure is logged, not fatal.
func startMetricsServer(store *ledger.Store) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if store != nil {
		mux.HandleFunc("/healthz", health.HTTPHandler(store.Pool()))
	} else {
		mux.HandleFunc("/healthz", health.HTTPHandler(nil))
	}

	go func() {
		if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Warn("metrics server stopped")
		}
	}()
	logger.Plain().WithField("addr", cfg.Metrics.Addr).Info("serving metrics")
}

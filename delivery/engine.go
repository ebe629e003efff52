package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often the engine drains due work.
const DefaultPollInterval = time.Second

// EngineConfig holds engine configuration.
type EngineConfig struct {
	PollInterval time.Duration
}

// Engine is the background processor. Each tick it requeues stale
// in-flight records, then drains scheduled, retrying and pending deliveries.
//
// Deliveries run under their own context, detached from the one passed to
// Start, so a cancelled parent stops polling without aborting requests that
// are already on the wire. Stop bounds how long those may take.
type Engine struct {
	svc    *Service
	config EngineConfig
	logger *slog.Logger

	mu         sync.Mutex
	stopLoop   context.CancelFunc
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates a delivery engine over svc.
func NewEngine(svc *Service, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Engine{
		svc:    svc,
		config: cfg,
		logger: logger,
	}
}

// Start begins the poll loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopLoop != nil {
		return
	}

	var loopCtx, workCtx context.Context
	loopCtx, e.stopLoop = context.WithCancel(ctx)
	workCtx, e.cancelWork = context.WithCancel(context.WithoutCancel(ctx))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(loopCtx, workCtx)
	}()
}

// Stop ends the poll loop and waits for in-flight deliveries to finish.
// When ctx expires first the remaining requests are cancelled, Stop waits
// for them to unwind and returns ctx's error. Their records are requeued by
// the stale sweep.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	stopLoop, cancelWork := e.stopLoop, e.cancelWork
	e.stopLoop, e.cancelWork = nil, nil
	e.mu.Unlock()

	if stopLoop == nil {
		e.wg.Wait()
		return nil
	}
	stopLoop()
	defer cancelWork()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancelWork()
		<-done
		return ctx.Err()
	}
}

// pollLoop drains due deliveries each tick until loopCtx is cancelled.
func (e *Engine) pollLoop(loopCtx, workCtx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			e.tick(loopCtx, workCtx)
		}
	}
}

// Tick runs one full processing pass.
func (e *Engine) Tick(ctx context.Context) {
	e.tick(ctx, ctx)
}

// tick runs under ctx and starts no further drain once loopCtx is done.
func (e *Engine) tick(loopCtx, ctx context.Context) {
	if _, err := e.svc.ReleaseStale(ctx); err != nil {
		e.logger.ErrorContext(ctx, "release stale failed", "error", err)
	}

	for _, drain := range []struct {
		name string
		fn   func(context.Context) BatchResult
	}{
		{"scheduled", e.svc.ProcessScheduledDeliveries},
		{"retry", e.svc.ProcessRetryQueue},
		{"pending", e.svc.ProcessPendingDeliveries},
	} {
		if loopCtx.Err() != nil || ctx.Err() != nil {
			return
		}
		br := drain.fn(ctx)
		if br.Processed > 0 || len(br.Errors) > 0 {
			e.logger.DebugContext(ctx, "drain complete",
				"queue", drain.name,
				"processed", br.Processed,
				"successful", br.Successful,
				"failed", br.Failed,
				"skipped", br.Skipped,
				"errors", len(br.Errors),
				"elapsed_ms", br.Elapsed.Milliseconds(),
			)
		}
	}
}

// Package correlator is the Reply Correlator: it buffers
// ExeCommandReply/ExeScriptReply payloads handed to it by agent sessions and
// periodically flushes them into store.Gateway as a single batched update,
// rather than writing the database on every individual reply.
//
// The periodic flush is driven by gocron: a single singleton-mode job that
// ticks on an interval, draining the buffer into the store whenever it is
// non-empty.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/store"
)

// defaultFlushInterval is used when New is called with a non-positive
// interval.
const defaultFlushInterval = 2 * time.Second

// Correlator accumulates pending replies and flushes them on an interval.
type Correlator struct {
	store    *store.Gateway
	logger   *zap.Logger
	cron     gocron.Scheduler
	job      gocron.Job
	interval time.Duration

	mu     sync.Mutex
	buffer []store.PendingResponse
}

// New creates a Correlator bound to gw. interval is how often the buffer is
// drained into the store — it corresponds to the RESP_WAIT_WINDOW the
// Commander is configured with; a non-positive value falls back to
// defaultFlushInterval. Call Start to begin the periodic flush loop and
// Stop to shut it down cleanly.
func New(gw *store.Gateway, logger *zap.Logger, interval time.Duration) (*Correlator, error) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Correlator{store: gw, logger: logger.Named("correlator"), cron: cron, interval: interval}, nil
}

// Start schedules the flush job and starts the underlying gocron scheduler.
func (c *Correlator) Start(ctx context.Context) error {
	job, err := c.cron.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(func() { c.flush(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	c.job = job
	c.cron.Start()
	c.logger.Info("correlator started", zap.Duration("interval", c.interval))
	return nil
}

// Stop flushes any remaining buffered replies and shuts the scheduler down,
// waiting for an in-flight flush to complete.
func (c *Correlator) Stop(ctx context.Context) error {
	if err := c.cron.Shutdown(); err != nil {
		return err
	}
	c.flush(ctx)
	c.logger.Info("correlator stopped")
	return nil
}

// Record buffers one reply for the next flush. Called by the session
// handler as soon as an ExeCommandReply/ExeScriptReply frame is decoded —
// it never touches the database directly.
func (c *Correlator) Record(cmdID int64, result string, exitCode any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, store.PendingResponse{CmdID: cmdID, Result: result, ExitCode: exitCode})
}

// Pending returns the number of replies currently buffered and not yet
// flushed. Exposed for tests and for the /metrics gauge.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Correlator) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	updated, err := c.store.AddEventResponses(ctx, batch)
	if err != nil {
		c.logger.Error("correlator: flush failed, re-buffering", zap.Error(err), zap.Int("batch_size", len(batch)))
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		c.mu.Unlock()
		return
	}
	c.logger.Debug("correlator: flushed replies", zap.Int64("rows_updated", updated), zap.Int("batch_size", len(batch)))
}

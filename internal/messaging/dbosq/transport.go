// Package dbosq runs dispatches as DBOS durable workflows on a workflow
// queue. The workflow ID is the outbox idempotency key, so a republished
// dispatch attaches to the existing workflow instead of running twice.
package dbosq

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"wavecrew/internal/domain"
)

type Config struct {
	AppName         string
	DatabaseURL     string
	QueueName       string
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.AppName) == "" {
		c.AppName = "wavecrew"
	}
	if strings.TrimSpace(c.QueueName) == "" {
		c.QueueName = "wavecrew-dispatch"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Handler runs one dispatch inside a durable step.
type Handler func(ctx context.Context, msg domain.Message) error

type Transport struct {
	dbosCtx dbos.DBOSContext
	queue   dbos.WorkflowQueue
	handle  Handler
	cfg     Config
	logger  *log.Logger
}

// Open creates the DBOS context, registers the dispatch workflow and its
// queue, and launches the runtime. Workflows left pending by a previous
// process are recovered by DBOS on launch.
func Open(ctx context.Context, cfg Config, handle Handler, logger *log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.Default()
	}
	if handle == nil {
		return nil, fmt.Errorf("open dbos transport: nil handler")
	}
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("open dbos transport: database url is required")
	}

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		AppName:     cfg.AppName,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing DBOS: %w", err)
	}
	t := &Transport{
		dbosCtx: dbosCtx,
		handle:  handle,
		cfg:     cfg,
		logger:  logger,
	}
	// Queue and workflow must exist before Launch.
	t.queue = dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName,
		dbos.WithQueueBasePollingInterval(cfg.PollInterval),
	)
	dbos.RegisterWorkflow(dbosCtx, t.runDispatch)

	if err := dbos.Launch(dbosCtx); err != nil {
		return nil, fmt.Errorf("launching DBOS: %w", err)
	}
	return t, nil
}

func (t *Transport) Publish(_ context.Context, msg domain.Message) error {
	if strings.TrimSpace(msg.IdempotencyKey) == "" {
		return fmt.Errorf("enqueue message %s: empty idempotency key", msg.ID)
	}
	if _, err := dbos.RunWorkflow(t.dbosCtx, t.runDispatch, msg,
		dbos.WithQueue(t.queue.Name),
		dbos.WithWorkflowID(msg.IdempotencyKey),
	); err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}
	return nil
}

func (t *Transport) runDispatch(ctx dbos.DBOSContext, msg domain.Message) (string, error) {
	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (string, error) {
		if err := t.handle(stepCtx, msg); err != nil {
			t.logger.Printf("dbos dispatch failed message=%s key=%s: %v", msg.ID, msg.IdempotencyKey, err)
			return "", err
		}
		return msg.IdempotencyKey, nil
	})
}

func (t *Transport) Close() {
	dbos.Shutdown(t.dbosCtx, t.cfg.ShutdownTimeout)
}

// Package webhook ships audit events to an HTTP endpoint such as a SIEM
// collector. Events are sent one per request, or as JSON arrays when batching
// is enabled.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/auditcore/auditcore/internal/audit"
	"github.com/auditcore/auditcore/internal/config"
	"github.com/auditcore/auditcore/internal/safego"
	"github.com/auditcore/auditcore/internal/telemetry"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultFlushInterval = 5 * time.Second
)

func init() {
	audit.RegisterWriter("webhook", func(cfg config.AuditWriterConfig, deps audit.Deps) (audit.Writer, error) {
		if cfg.Webhook == nil {
			return nil, fmt.Errorf("webhook config is required for webhook writer")
		}
		return New(*cfg.Webhook, deps.Logger)
	})
}

// Writer posts events to a webhook.
type Writer struct {
	cfg    config.AuditWebhookConfig
	client *http.Client
	log    *slog.Logger

	batchMu   sync.Mutex
	batch     []audit.Event
	flushCh   chan chan error
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a webhook writer. When BatchSize is positive a background
// batcher sends every FlushInterval or whenever the batch is full.
func New(cfg config.AuditWebhookConfig, log *slog.Logger) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook writer requires a url")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	w := &Writer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log.With(slog.String(telemetry.ComponentKey, "audit.webhook")),
		flushCh: make(chan chan error),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	// Start batch processor if batching is enabled
	if cfg.BatchSize > 0 {
		safego.Go("audit-webhook-batcher", w.processBatches)
	} else {
		close(w.done)
	}
	return w, nil
}

// processBatches sends the pending batch on every tick, flush request and at close.
func (w *Writer) processBatches() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.sendPending(context.Background()); err != nil {
				w.log.Warn("failed to send audit batch", "error", err)
			}
		case reply := <-w.flushCh:
			reply <- w.sendPending(context.Background())
		case <-w.closeCh:
			if err := w.sendPending(context.Background()); err != nil {
				w.log.Warn("failed to send final audit batch", "error", err)
			}
			return
		}
	}
}

// sendPending takes the current batch and posts it.
func (w *Writer) sendPending(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	pending := w.batch
	w.batch = nil
	w.batchMu.Unlock()

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.sendRequest(ctx, data)
}

// Append sends e, or adds it to the batch when batching is enabled. A full
// batch is sent synchronously.
func (w *Writer) Append(ctx context.Context, e audit.Event) error {
	if w.cfg.BatchSize > 0 {
		w.batchMu.Lock()
		w.batch = append(w.batch, e)
		full := len(w.batch) >= w.cfg.BatchSize
		w.batchMu.Unlock()
		if full {
			return w.sendPending(ctx)
		}
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return w.sendRequest(ctx, data)
}

// sendRequest sends the HTTP request
func (w *Writer) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Flush sends the pending batch.
func (w *Writer) Flush(ctx context.Context) error {
	if w.cfg.BatchSize <= 0 {
		return nil
	}
	reply := make(chan error, 1)
	select {
	case w.flushCh <- reply:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the batcher after sending what is pending.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
	})
	<-w.done
	return nil
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/withObsrvr/kmzproc/internal/logging"
)

// HTTPEmitter posts events to a collector and keeps a local file copy.
type HTTPEmitter struct {
	endpoint   string
	client     *http.Client
	chain      *ChainTracker
	backup     *FileBackup
	retries    int
	retryDelay time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewHTTPEmitter creates an emitter posting to endpoint.
func NewHTTPEmitter(fs afero.Fs, dir, endpoint string) (*HTTPEmitter, error) {
	chain, err := NewChainTracker(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(fs, dir)
	if err != nil {
		return nil, err
	}

	return &HTTPEmitter{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		chain:      chain,
		backup:     backup,
		retries:    3,
		retryDelay: time.Second,
		log:        logging.Component("audit"),
		now:        time.Now,
	}, nil
}

// EmitBatch links the event, backs it up locally and posts it. The chain
// head only moves once the collector accepted the event.
func (e *HTTPEmitter) EmitBatch(ctx context.Context, evt Event) error {
	if err := prepare(e.chain, &evt, e.now()); err != nil {
		return err
	}

	if _, err := e.backup.Save(&evt); err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.chain.SetHead(evt.Batch.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.retryDelay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			e.log.Warn("audit post failed, retrying",
				"attempt", attempt, "retries", e.retries, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("audit event posted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}

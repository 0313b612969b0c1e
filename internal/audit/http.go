package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
)

// HTTPEmitter posts chained events to a collector endpoint, keeping a local
// file copy of each one.
type HTTPEmitter struct {
	mu     sync.Mutex
	cfg    Config
	client *http.Client
	chains *Chains
	backup *FileBackup
	log    *slog.Logger
}

// NewHTTPEmitter creates an emitter posting to cfg.Endpoint.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("audit endpoint is required")
	}
	chains, err := OpenChains(cfg.Dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &HTTPEmitter{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		chains: chains,
		backup: backup,
		log:    logging.Component("audit"),
	}, nil
}

// Emit chains the event for t, backs it up locally and posts it. The chain
// head only advances once the collector accepted the event; the local copy of
// a rejected event is renamed with FailedSuffix.
func (e *HTTPEmitter) Emit(ctx context.Context, t Transition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	evt := newEvent(e.cfg, t)
	e.chains.Link(&evt)

	path, err := e.backup.Save(&evt)
	if err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		if path != "" {
			if rerr := os.Rename(path, path+FailedSuffix); rerr != nil {
				e.log.Warn("failed to mark rejected audit event", "path", path, "error", rerr)
			}
		}
		return fmt.Errorf("audit emit failed: %w", err)
	}
	return e.chains.Advance(&evt)
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	retries := e.cfg.RetryAttempts
	if retries == 0 {
		retries = 3
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	notify := func(err error, d time.Duration) {
		e.log.Warn("audit post failed, retrying", "error", err, "retry_in", d)
	}
	return backoff.RetryNotify(func() error { return e.post(ctx, evt) }, policy, notify)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

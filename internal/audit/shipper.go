package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sandbox-gateway/sandbox-gateway/internal/config"
	"github.com/sandbox-gateway/sandbox-gateway/internal/db/models"
)

// Shipper mirrors audit entries to a destination outside the database so the
// audit trail survives a database compromise and can feed a SIEM. Shipping is
// best-effort: the database row is the authoritative record.
type Shipper interface {
	Ship(ctx context.Context, entry *models.AuditLog) error
	Close() error
}

// NewShipperFromConfig builds the shipping fan-out from configuration.
// Returns nil (no error) when no sink is enabled.
func NewShipperFromConfig(cfg *config.AuditConfig) (Shipper, error) {
	var shippers []Shipper
	if cfg.File.Enabled {
		fs, err := NewFileShipper(cfg.File.Path, cfg.File.MaxSizeMB)
		if err != nil {
			return nil, fmt.Errorf("creating file shipper: %w", err)
		}
		shippers = append(shippers, fs)
	}
	if cfg.Webhook.Enabled {
		shippers = append(shippers, NewWebhookShipper(&cfg.Webhook))
	}
	switch len(shippers) {
	case 0:
		return nil, nil
	case 1:
		return shippers[0], nil
	default:
		return &MultiShipper{shippers: shippers}, nil
	}
}

// MultiShipper fans one entry out to every configured sink. A failing sink
// does not block the others.
type MultiShipper struct {
	shippers []Shipper
}

func (ms *MultiShipper) Ship(ctx context.Context, entry *models.AuditLog) error {
	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (ms *MultiShipper) Close() error {
	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// FileShipper appends entries as JSON lines to a local file, rotating when
// the file exceeds maxSizeMB (single .1 backup; the gateway is not a log
// retention system, long-term storage belongs to whatever tails this file).
type FileShipper struct {
	path      string
	maxSizeMB int
	mu        sync.Mutex
	file      *os.File
}

func NewFileShipper(path string, maxSizeMB int) (*FileShipper, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &FileShipper{path: path, maxSizeMB: maxSizeMB, file: file}, nil
}

func (fs *FileShipper) Ship(_ context.Context, entry *models.AuditLog) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxSizeMB > 0 {
		if info, err := fs.file.Stat(); err == nil && info.Size() > int64(fs.maxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				return fmt.Errorf("rotating audit log: %w", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}
	_ = os.Rename(fs.path, fs.path+".1")
	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// WebhookShipper POSTs entries to an HTTP endpoint, batched. Entries queue on
// a buffered channel; a background goroutine flushes when the batch fills or
// the flush interval elapses. A full queue falls back to a direct send so
// bursts degrade to latency, not loss.
type WebhookShipper struct {
	cfg       *config.AuditWebhookConfig
	client    *http.Client
	queue     chan *models.AuditLog
	batch     []*models.AuditLog
	mu        sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewWebhookShipper(cfg *config.AuditWebhookConfig) *WebhookShipper {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan *models.AuditLog, 1000),
		closeCh: make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		go ws.processBatches()
	}
	return ws
}

func (ws *WebhookShipper) processBatches() {
	flushInterval := ws.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 30 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.queue:
			ws.mu.Lock()
			ws.batch = append(ws.batch, entry)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.mu.Unlock()
		case <-ticker.C:
			ws.mu.Lock()
			ws.flushBatch()
			ws.mu.Unlock()
		case <-ws.closeCh:
			ws.mu.Lock()
			ws.flushBatch()
			ws.mu.Unlock()
			return
		}
	}
}

// flushBatch sends and clears the current batch. Caller holds ws.mu.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}
	data, err := json.Marshal(ws.batch)
	ws.batch = ws.batch[:0]
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.client.Timeout)
	defer cancel()
	_ = ws.send(ctx, data)
}

func (ws *WebhookShipper) Ship(ctx context.Context, entry *models.AuditLog) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.queue <- entry:
			return nil
		default:
			// Queue full, fall through to a direct send.
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	return ws.send(ctx, data)
}

func (ws *WebhookShipper) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() { close(ws.closeCh) })
	return nil
}

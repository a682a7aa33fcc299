// Package audit streams agent action records to an external audit
// endpoint so compliance systems see every automated move.
package audit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// ExporterConfig holds configuration for audit exporting
type ExporterConfig struct {
	Enabled        bool   `json:"enabled"`
	BatchSize      int    `json:"batch_size"`
	ExportInterval string `json:"export_interval"`

	WebhookURL    string `json:"webhook_url"`
	WebhookAPIKey string `json:"webhook_api_key,omitempty"`
}

// Exporter batches agent actions and ships them to the webhook either
// when the batch fills or on a timer, whichever comes first.
type Exporter struct {
	config         ExporterConfig
	httpClient     *http.Client
	mutex          sync.RWMutex
	batch          []model.AgentAction
	lastExport     time.Time
	exportInterval time.Duration
	exportContext  context.Context
	exportCancel   context.CancelFunc
}

// NewExporter creates an audit exporter. A disabled config yields an
// inert exporter whose methods are all no-ops.
func NewExporter(config ExporterConfig) (*Exporter, error) {
	if !config.Enabled {
		return &Exporter{config: config}, nil
	}
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("audit export enabled but no webhook URL configured")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}

	exportInterval, err := time.ParseDuration(config.ExportInterval)
	if err != nil {
		exportInterval = 1 * time.Minute
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			IdleConnTimeout: 90 * time.Second,
		},
	}

	exporter := &Exporter{
		config:         config,
		httpClient:     httpClient,
		batch:          make([]model.AgentAction, 0, config.BatchSize),
		exportInterval: exportInterval,
	}

	exporter.exportContext, exporter.exportCancel = context.WithCancel(context.Background())
	go exporter.periodicExport()

	logrus.Info("Audit exporter initialized")
	return exporter, nil
}

// Record queues one agent action for export.
func (e *Exporter) Record(action model.AgentAction) {
	if !e.config.Enabled {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.batch = append(e.batch, action)

	// A full batch flushes immediately instead of waiting for the timer
	if len(e.batch) >= e.config.BatchSize {
		go e.export()
	}
}

// periodicExport flushes the batch on the configured interval.
func (e *Exporter) periodicExport() {
	ticker := time.NewTicker(e.exportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.export()
		case <-e.exportContext.Done():
			return
		}
	}
}

// export ships the current batch to the webhook.
func (e *Exporter) export() {
	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return
	}
	actions := make([]model.AgentAction, len(e.batch))
	copy(actions, e.batch)
	e.batch = make([]model.AgentAction, 0, e.config.BatchSize)
	e.lastExport = time.Now()
	e.mutex.Unlock()

	if err := e.send(actions); err != nil {
		logrus.Errorf("Failed to export %d audit actions: %v", len(actions), err)
		return
	}
	logrus.Infof("Exported %d audit actions", len(actions))
}

// send posts one batch to the webhook endpoint.
func (e *Exporter) send(actions []model.AgentAction) error {
	exportData := struct {
		Actions    []model.AgentAction `json:"actions"`
		ExportTime string              `json:"export_time"`
		Count      int                 `json:"count"`
	}{
		Actions:    actions,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(actions),
	}

	jsonData, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("failed to marshal audit actions: %w", err)
	}

	req, err := http.NewRequest("POST", e.config.WebhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}
	return nil
}

// Stop cleanly stops the exporter, flushing any queued actions.
func (e *Exporter) Stop() {
	if e.exportCancel != nil {
		e.exportCancel()
	}
	e.export()
}

// Status reports the exporter's current state for the status endpoint.
func (e *Exporter) Status() map[string]interface{} {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	status := map[string]interface{}{
		"enabled":         e.config.Enabled,
		"batch_size":      e.config.BatchSize,
		"export_interval": e.exportInterval.String(),
		"current_batch":   len(e.batch),
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
		status["next_export_in"] = (e.exportInterval - time.Since(e.lastExport)).String()
	}
	return status
}

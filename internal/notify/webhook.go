// Package notify publishes lifecycle events to an external HTTP
// collaborator. Delivery is fire-and-forget; a dead endpoint never slows
// a station down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"csms/internal/ledger"
	"csms/internal/logger"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) StationBooted(station string) {
	c.post("StationBooted", map[string]any{"stationId": station})
}

func (c *Client) TransactionStarted(station string, transactionId int) {
	c.post("TransactionStarted", map[string]any{
		"stationId":     station,
		"transactionId": transactionId,
	})
}

func (c *Client) TransactionStopped(station string, receipt ledger.Receipt) {
	c.post("TransactionStopped", map[string]any{
		"stationId":     station,
		"transactionId": receipt.TransactionId,
		"energyWh":      receipt.EnergyWh,
		"startedAt":     receipt.StartedAt,
		"stoppedAt":     receipt.StoppedAt,
	})
}

func (c *Client) CertificateIssued(station string) {
	c.post("CertificateIssued", map[string]any{"stationId": station})
}

func (c *Client) post(eventType string, fields map[string]any) {
	fields["type"] = eventType
	fields["ts"] = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(fields)
	if err != nil {
		logger.MainLog.Warnf("notify %s: marshal failed: %v", eventType, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/events", bytes.NewReader(body))
		if err != nil {
			logger.MainLog.Warnf("notify %s: %v", eventType, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			logger.MainLog.Warnf("notify %s: %v", eventType, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.MainLog.Warnf("notify %s: endpoint returned %d", eventType, resp.StatusCode)
		}
	}()
}

package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	config "github.com/xilidan/transcriber/config/transcribe"
	pkgjson "github.com/xilidan/transcriber/pkg/json"
	"github.com/xilidan/transcriber/pkg/logger"
)

// Client posts completion payloads to the workflow webhook.
type Client struct {
	webhookURL string
	httpClient *http.Client
}

func New(cfg *config.WorkflowConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	slog.Default().Debug("creating workflow client", slog.String("webhook_url", cfg.WebhookURL))
	return &Client{
		webhookURL: cfg.WebhookURL,
		httpClient: httpClient,
	}
}

func (c *Client) Send(ctx context.Context, payload any) error {
	log := logger.FromContext(ctx)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	log.Debug("sending workflow webhook",
		slog.String("url", c.webhookURL),
		slog.Int("json_size", len(jsonData)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed",
			slog.String("error", err.Error()),
			slog.String("url", c.webhookURL))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body := pkgjson.ReadErrorBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error("workflow webhook returned error",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", body))
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	log.Info("files sent successfully", slog.String("response", body))
	return nil
}

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	config "github.com/xilidan/transcriber/config/transcribe"
	pkgjson "github.com/xilidan/transcriber/pkg/json"
	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/entity"
)

// Client talks to the bot backend that owns the bot -> vector store mapping.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type botResponse struct {
	Data struct {
		VectorStoreID string `json:"vector_store_id"`
	} `json:"data"`
}

func New(cfg *config.ServiceConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	slog.Default().Debug("creating bot registry client",
		slog.String("base_url", cfg.Url))
	return &Client{
		baseURL:    strings.TrimRight(cfg.Url, "/"),
		httpClient: httpClient,
	}
}

// VectorStoreID fetches the bot record on every call; nothing is cached.
func (c *Client) VectorStoreID(ctx context.Context, botID string) (string, error) {
	bot, err := c.Bot(ctx, botID)
	if err != nil {
		return "", err
	}
	return bot.VectorStoreID, nil
}

func (c *Client) Bot(ctx context.Context, botID string) (*entity.BotRecord, error) {
	log := logger.FromContext(ctx)

	endpoint := c.baseURL + "/bots/get-bot-outside/" + url.PathEscape(botID)
	log.Debug("fetching bot record", slog.String("url", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := pkgjson.ReadErrorBody(resp)
		log.Error("bot registry returned error",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", body))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body)
	}

	var result botResponse
	if err := pkgjson.DecodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &entity.BotRecord{BotID: botID, VectorStoreID: result.Data.VectorStoreID}, nil
}

// ReportUpload registers an attached file with the bot backend.
func (c *Client) ReportUpload(ctx context.Context, report entity.UploadReport) error {
	log := logger.FromContext(ctx)

	jsonData, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/bots/upload-external"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed", slog.String("error", err.Error()), slog.String("url", endpoint))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if body.Message == "" {
			body.Message = "Unknown error"
		}
		return fmt.Errorf("failed to send data to external API: status %d: %s", resp.StatusCode, body.Message)
	}

	log.Debug("upload reported to backend", slog.String("file", report.Name))
	return nil
}

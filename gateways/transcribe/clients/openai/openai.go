package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	config "github.com/xilidan/transcriber/config/transcribe"
	pkgjson "github.com/xilidan/transcriber/pkg/json"
	"github.com/xilidan/transcriber/pkg/logger"
)

const filePurpose = "assistants"

// Client covers the two OpenAI calls the ingestor needs: file upload and
// vector store association.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type fileResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

type vectorStoreFileRequest struct {
	FileID string `json:"file_id"`
}

type vectorStoreFileResponse struct {
	ID            string `json:"id"`
	VectorStoreID string `json:"vector_store_id"`
	Status        string `json:"status"`
}

func New(cfg *config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	slog.Default().Debug("creating openai client",
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("api_key_set", cfg.APIKey != ""))
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) UploadFile(ctx context.Context, name string, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", filePurpose); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var result fileResponse
	if err := c.do(ctx, http.MethodPost, "/files", mw.FormDataContentType(), &body, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("file upload returned no id")
	}

	logger.FromContext(ctx).Debug("file created",
		slog.String("file_id", result.ID),
		slog.Int64("bytes", result.Bytes))
	return result.ID, nil
}

func (c *Client) AttachToVectorStore(ctx context.Context, vectorStoreID, fileID string) (string, error) {
	jsonData, err := json.Marshal(vectorStoreFileRequest{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var result vectorStoreFileResponse
	path := "/vector_stores/" + url.PathEscape(vectorStoreID) + "/files"
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(jsonData), &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("vector store association returned no id")
	}
	return result.ID, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed", slog.String("error", err.Error()), slog.String("path", path))
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := pkgjson.ReadErrorBody(resp)
		log.Error("API request failed",
			slog.Int("status_code", resp.StatusCode),
			slog.String("body", errBody))
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errBody)
	}

	return pkgjson.DecodeResponse(resp, out)
}

package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	config "github.com/xilidan/transcriber/config/transcribe"
	"github.com/xilidan/transcriber/pkg/logger"
)

const subtitle = "1\n00:00:00,000 --> 00:00:02,000\nSPEAKER_00: hello there\n"

const fakeEngine = `#!/bin/sh
audio="$1"
shift
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
stem=$(basename "$audio")
stem="${stem%.*}"
echo "diarizing $audio"
if [ "${FAKE_EXIT:-0}" != "0" ]; then
  echo "CUDA out of memory" >&2
  exit "$FAKE_EXIT"
fi
printf '` + subtitle + `' > "$out/$stem.srt"
printf 'SPEAKER_00: hello there\n' > "$out/$stem.txt"
printf '{}' > "$out/$stem.json"
`

type backends struct {
	mu       sync.Mutex
	reports  []map[string]any
	uploads  []string
	lookups  int
	webhooks []map[string]any

	registry *httptest.Server
	openai   *httptest.Server
	webhook  *httptest.Server
}

func newBackends(t *testing.T) *backends {
	t.Helper()
	b := &backends{}

	reg := chi.NewRouter()
	reg.Get("/bots/get-bot-outside/{bot}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.lookups++
		b.mu.Unlock()
		if chi.URLParam(r, "bot") != "b1" {
			http.Error(w, `{"message":"bot not found"}`, http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"data":{"vector_store_id":"vs_1"}}`)
	})
	reg.Post("/bots/upload-external", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.reports = append(b.reports, body)
		b.mu.Unlock()
		io.WriteString(w, `{"ok":true}`)
	})
	b.registry = httptest.NewServer(reg)

	oai := chi.NewRouter()
	oai.Post("/files", func(w http.ResponseWriter, r *http.Request) {
		_, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.uploads = append(b.uploads, fh.Filename)
		n := len(b.uploads)
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"id": "file_" + string(rune('0'+n)), "bytes": fh.Size})
	})
	oai.Post("/vector_stores/{vs}/files", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"vsf_1","vector_store_id":"`+chi.URLParam(r, "vs")+`","status":"completed"}`)
	})
	b.openai = httptest.NewServer(oai)

	b.webhook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.webhooks = append(b.webhooks, body)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))

	t.Cleanup(func() {
		b.registry.Close()
		b.openai.Close()
		b.webhook.Close()
	})
	return b
}

func newTestServer(t *testing.T, b *backends) (*Server, *config.Config) {
	t.Helper()
	root := t.TempDir()
	script := filepath.Join(root, "whisperx")
	require.NoError(t, os.WriteFile(script, []byte(fakeEngine), 0o755))

	cfg := &config.Config{
		PublicBaseURL: "https://transcribe.example.test",
		MaxUploadMB:   8,
		Dirs: config.DirsConfig{
			Uploads: filepath.Join(root, "uploads"),
			Output:  filepath.Join(root, "output"),
			Images:  filepath.Join(root, "images"),
			Work:    filepath.Join(root, "work"),
		},
		Engine: config.EngineConfig{
			Binary:            script,
			ComputeType:       "int8",
			MaxConcurrentJobs: 1,
		},
		BackendService: config.ServiceConfig{Url: b.registry.URL},
		OpenAI:         config.OpenAIConfig{APIKey: "sk-test", BaseURL: b.openai.URL},
		Workflow:       config.WorkflowConfig{WebhookURL: b.webhook.URL},
	}
	srv, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(srv.close)
	return srv, cfg
}

func postAudio(t *testing.T, h http.Handler, session, bot string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", session))
	require.NoError(t, mw.WriteField("max_speakers", "2"))
	require.NoError(t, mw.WriteField("bot_id", bot))
	fw, err := mw.CreateFormFile("file", "meeting.wav")
	require.NoError(t, err)
	fw.Write([]byte("RIFF----WAVE"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/audio", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postImage(t *testing.T, h http.Handler, session, name string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", session))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	fw.Write([]byte("PNG"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeContents(t *testing.T, file any) string {
	t.Helper()
	m, ok := file.(map[string]any)
	require.True(t, ok, "expected an object, got %v", file)
	raw, err := base64.StdEncoding.DecodeString(m["contents"].(string))
	require.NoError(t, err)
	return string(raw)
}

func TestProcessAudioEndToEnd(t *testing.T) {
	b := newBackends(t)
	srv, cfg := newTestServer(t, b)

	w := postAudio(t, srv.Router(), "s1", "b1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Audio file processed and converted successfully.", w.Body.String())

	outDir := filepath.Join(cfg.Dirs.Output, "session_s1")
	transcript, err := os.ReadFile(filepath.Join(outDir, "transcription_file_s1_converted.txt"))
	require.NoError(t, err)
	assert.Equal(t, subtitle, string(transcript))
	assert.FileExists(t, filepath.Join(outDir, "transcription_file_s1.srt"))
	assert.FileExists(t, filepath.Join(outDir, "transcription_file_s1.json"))
	assert.FileExists(t, filepath.Join(cfg.Dirs.Uploads, "s1", "audio_file_s1.wav"))

	jobs, err := os.ReadDir(cfg.Dirs.Work)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"transcription_file_s1_converted.txt"}, b.uploads)
	require.Len(t, b.reports, 1)
	assert.Equal(t, "transcription_file_s1_converted.txt", b.reports[0]["name"])
	assert.Equal(t, "b1", b.reports[0]["bot_id"])

	require.Len(t, b.webhooks, 1)
	hook := b.webhooks[0]
	assert.Equal(t, "b1", hook["bot_id"])
	assert.Nil(t, hook["image_url_file"])
	tf := hook["transcription_file"].(map[string]any)
	assert.Equal(t, "transcription_file_s1_converted.txt", tf["filename"])
	assert.Equal(t, subtitle, decodeContents(t, tf))

	listed := httptest.NewRecorder()
	srv.Router().ServeHTTP(listed, httptest.NewRequest(http.MethodGet, "/sessions/s1/ingestions", nil))
	require.Equal(t, http.StatusOK, listed.Code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(listed.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "transcript", records[0]["artifact_kind"])
	assert.Equal(t, "vs_1", records[0]["vector_store_id"])
}

func TestProcessAudioWithImages(t *testing.T) {
	b := newBackends(t)
	srv, cfg := newTestServer(t, b)

	w := postImage(t, srv.Router(), "s2", "slide.png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var images struct {
		Message   string   `json:"message"`
		ImageURLs []string `json:"imageUrls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &images))
	require.Len(t, images.ImageURLs, 1)
	imageURL := images.ImageURLs[0]
	assert.True(t, strings.HasPrefix(imageURL, "https://transcribe.example.test/images/s2/"), imageURL)
	assert.True(t, strings.HasSuffix(imageURL, "_slide.png"), imageURL)

	served := httptest.NewRecorder()
	srv.Router().ServeHTTP(served, httptest.NewRequest(http.MethodGet,
		strings.TrimPrefix(imageURL, cfg.PublicBaseURL), nil))
	assert.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, "PNG", served.Body.String())

	w = postAudio(t, srv.Router(), "s2", "b1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.ElementsMatch(t, []string{"transcription_file_s2_converted.txt", "image_urls_s2.txt"}, b.uploads)
	assert.Len(t, b.reports, 2)
	require.Len(t, b.webhooks, 1)
	assert.Equal(t, imageURL+"\n", decodeContents(t, b.webhooks[0]["image_url_file"]))
}

func TestProcessAudioEngineFailure(t *testing.T) {
	t.Setenv("FAKE_EXIT", "1")
	b := newBackends(t)
	srv, cfg := newTestServer(t, b)

	w := postAudio(t, srv.Router(), "s1", "b1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "An error occurred.")

	entries, err := os.ReadDir(filepath.Join(cfg.Dirs.Output, "session_s1"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Zero(t, b.lookups)
	assert.Empty(t, b.uploads)
	assert.Empty(t, b.webhooks)
}

func TestProcessAudioUnknownBot(t *testing.T) {
	b := newBackends(t)
	srv, cfg := newTestServer(t, b)

	w := postAudio(t, srv.Router(), "s1", "b-missing")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	assert.FileExists(t, filepath.Join(cfg.Dirs.Output, "session_s1", "transcription_file_s1_converted.txt"))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 1, b.lookups)
	assert.Empty(t, b.uploads)
	assert.Empty(t, b.webhooks)
}

func TestProcessAudioBadRequest(t *testing.T) {
	b := newBackends(t)
	srv, _ := newTestServer(t, b)

	w := postAudio(t, srv.Router(), "../escape", "b1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	b := newBackends(t)
	srv, _ := newTestServer(t, b)

	req := httptest.NewRequest(http.MethodOptions, "/upload/audio", nil)
	req.Header.Set("Origin", "https://app.example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestGRPCHealth(t *testing.T) {
	b := newBackends(t)
	srv, _ := newTestServer(t, b)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv.RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOutboundClientHasNoDeadline(t *testing.T) {
	b := newBackends(t)
	srv, _ := newTestServer(t, b)

	require.NotNil(t, srv.client)
	assert.Zero(t, srv.client.Timeout)
}

package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/transcriber/services/session/entity"
)

const srt = "1\n00:00:00,000 --> 00:00:01,000\nHello\n"

type captureSender struct {
	payload any
	err     error
}

func (c *captureSender) Send(_ context.Context, payload any) error {
	c.payload = payload
	return c.err
}

func fixture(t *testing.T, manifest string) (entity.Artifact, *entity.Artifact) {
	t.Helper()
	dir := t.TempDir()
	tp := filepath.Join(dir, "transcription_file_s1_converted.txt")
	require.NoError(t, os.WriteFile(tp, []byte(srt), 0o644))

	mp := filepath.Join(dir, "image_urls_s1.txt")
	if manifest != "" {
		require.NoError(t, os.WriteFile(mp, []byte(manifest), 0o644))
	}
	return entity.Artifact{Kind: entity.ArtifactTranscript, Path: tp},
		&entity.Artifact{Kind: entity.ArtifactImageManifest, Path: mp}
}

func TestNotifyEncodesArtifacts(t *testing.T) {
	transcript, manifest := fixture(t, "https://host/images/s1/a.png\n")
	sender := &captureSender{}
	session := entity.Session{ID: "s1", BotID: "b1"}

	require.NoError(t, New(sender).Notify(context.Background(), session, transcript, manifest))

	payload, ok := sender.payload.(*Payload)
	require.True(t, ok)
	assert.Equal(t, "b1", payload.BotID)
	assert.Equal(t, "transcription_file_s1_converted.txt", payload.TranscriptionFile.Filename)

	decoded, err := base64.StdEncoding.DecodeString(payload.TranscriptionFile.Contents)
	require.NoError(t, err)
	assert.Equal(t, srt, string(decoded))

	require.NotNil(t, payload.ImageURLFile)
	assert.Equal(t, "image_urls_s1.txt", payload.ImageURLFile.Filename)
}

func TestNotifyNullManifestWhenAbsent(t *testing.T) {
	transcript, manifest := fixture(t, "")
	sender := &captureSender{}

	require.NoError(t, New(sender).Notify(context.Background(), entity.Session{BotID: "b1"}, transcript, manifest))

	data, err := json.Marshal(sender.payload)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "image_url_file")
	assert.Nil(t, wire["image_url_file"])
	assert.Equal(t, "b1", wire["bot_id"])
}

func TestNotifySendFailure(t *testing.T) {
	transcript, _ := fixture(t, "")
	sender := &captureSender{err: errors.New("502")}

	err := New(sender).Notify(context.Background(), entity.Session{}, transcript, nil)
	assert.ErrorIs(t, err, entity.ErrNotification)
}

func TestNotifyMissingTranscript(t *testing.T) {
	err := New(&captureSender{}).Notify(context.Background(), entity.Session{},
		entity.Artifact{Path: filepath.Join(t.TempDir(), "missing.txt")}, nil)
	assert.ErrorIs(t, err, entity.ErrNotification)
}

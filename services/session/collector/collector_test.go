package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xilidan/transcriber/services/session/entity"
)

const srt = "1\n00:00:00,000 --> 00:00:01,000\nHello\n"

type staticManifest struct {
	artifact *entity.Artifact
}

func (s staticManifest) Snapshot(string, string) (*entity.Artifact, error) {
	return s.artifact, nil
}

func newSession(t *testing.T) entity.Session {
	t.Helper()
	return entity.Session{
		ID:    "s1",
		BotID: "b1",
		Paths: entity.WorkspacePaths{OutputDir: t.TempDir()},
	}
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCollectRelocatesAndConverts(t *testing.T) {
	session := newSession(t)
	jobDir := t.TempDir()
	write(t, jobDir, "audio_file_s1.srt", srt)
	write(t, jobDir, "audio_file_s1.json", "{}")
	write(t, jobDir, "unrelated.log", "x")

	manifest := &entity.Artifact{Kind: entity.ArtifactImageManifest, Path: "/images/s1/image_urls_s1.txt"}
	c := New(staticManifest{artifact: manifest})

	got, err := c.Collect(context.Background(), session, jobDir, "audio_file_s1")
	require.NoError(t, err)

	out := session.Paths.OutputDir
	assert.Equal(t, []string{
		filepath.Join(out, "transcription_file_s1.json"),
		filepath.Join(out, "transcription_file_s1.srt"),
	}, got.Relocated)
	assert.Equal(t, filepath.Join(out, "transcription_file_s1.srt"), got.Subtitle.Path)
	assert.Equal(t, filepath.Join(out, "transcription_file_s1_converted.txt"), got.Transcript.Path)
	assert.Equal(t, manifest, got.Manifest)

	subtitle, err := os.ReadFile(got.Subtitle.Path)
	require.NoError(t, err)
	transcript, err := os.ReadFile(got.Transcript.Path)
	require.NoError(t, err)
	assert.Equal(t, subtitle, transcript)
	assert.Equal(t, srt, string(transcript))

	assert.NoFileExists(t, filepath.Join(jobDir, "audio_file_s1.srt"))
	assert.FileExists(t, filepath.Join(jobDir, "unrelated.log"))
}

func TestCollectPreservesBytes(t *testing.T) {
	session := newSession(t)
	jobDir := t.TempDir()
	raw := "1\r\n00:00:00,000 --> 00:00:01,000\r\n\xef\xbb\xbfHéllo \xff\r\n"
	write(t, jobDir, "audio_file_s1.srt", raw)

	got, err := New(nil).Collect(context.Background(), session, jobDir, "audio_file_s1")
	require.NoError(t, err)

	transcript, err := os.ReadFile(got.Transcript.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), transcript)
	assert.Nil(t, got.Manifest)
}

func TestCollectWithoutSubtitle(t *testing.T) {
	session := newSession(t)
	jobDir := t.TempDir()
	write(t, jobDir, "audio_file_s1.txt", "Hello")

	got, err := New(nil).Collect(context.Background(), session, jobDir, "audio_file_s1")

	assert.ErrorIs(t, err, entity.ErrArtifactNotFound)
	assert.Empty(t, got.Transcript.Path)
	assert.NoFileExists(t, filepath.Join(session.Paths.OutputDir, "transcription_file_s1_converted.txt"))
}

func TestCollectEscapesGlobMeta(t *testing.T) {
	session := newSession(t)
	jobDir := t.TempDir()
	write(t, jobDir, "audio_file_[a]*.srt", srt)
	write(t, jobDir, "audio_file_a-other.srt", srt)

	got, err := New(nil).Collect(context.Background(), session, jobDir, "audio_file_[a]*")
	require.NoError(t, err)

	require.Len(t, got.Relocated, 1)
	assert.Equal(t, "transcription_file_[a]*.srt", filepath.Base(got.Relocated[0]))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "transcription_file_s1.srt", RelocatedName("audio_file_s1.srt"))
	assert.Equal(t, "other.srt", RelocatedName("other.srt"))
	assert.Equal(t, filepath.Join("o", "transcription_file_s1_converted.txt"), ConvertedName(filepath.Join("o", "transcription_file_s1.srt")))
}

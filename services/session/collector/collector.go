package collector

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/consts"
	"github.com/xilidan/transcriber/services/session/entity"
)

type ManifestSource interface {
	Snapshot(sessionID, dir string) (*entity.Artifact, error)
}

type Collector struct {
	manifests ManifestSource
}

func New(manifests ManifestSource) *Collector {
	return &Collector{
		manifests: manifests,
	}
}

// Collect moves the engine outputs for audioStem out of the job directory
// into the session output directory and derives the plaintext transcript
// from the subtitle file.
func (c *Collector) Collect(ctx context.Context, session entity.Session, jobDir, audioStem string) (entity.CollectedArtifacts, error) {
	log := logger.FromContext(ctx)

	names, err := doublestar.Glob(os.DirFS(jobDir), escapeMeta(audioStem)+"*", doublestar.WithFilesOnly())
	if err != nil {
		return entity.CollectedArtifacts{}, fmt.Errorf("%w: scan %s: %v", entity.ErrWorkspace, jobDir, err)
	}
	sort.Strings(names)
	log.Debug("engine outputs found", slog.Int("count", len(names)), slog.String("job_dir", jobDir))

	var result entity.CollectedArtifacts
	for _, name := range names {
		target := filepath.Join(session.Paths.OutputDir, RelocatedName(name))
		if err := move(filepath.Join(jobDir, name), target); err != nil {
			return entity.CollectedArtifacts{}, fmt.Errorf("%w: relocate %s: %v", entity.ErrWorkspace, name, err)
		}
		log.Debug("artifact relocated", slog.String("from", name), slog.String("to", target))
		result.Relocated = append(result.Relocated, target)
	}

	subtitle := ""
	for _, p := range result.Relocated {
		if strings.EqualFold(filepath.Ext(p), consts.SubtitleExt) {
			subtitle = p
			break
		}
	}
	if subtitle == "" {
		log.Error("no subtitle file produced", slog.Int("relocated", len(result.Relocated)))
		return result, fmt.Errorf("%w: no %s file among %d engine outputs", entity.ErrArtifactNotFound, consts.SubtitleExt, len(result.Relocated))
	}
	result.Subtitle = entity.Artifact{Kind: entity.ArtifactSubtitle, Path: subtitle}

	transcript := ConvertedName(subtitle)
	if err := copyFile(subtitle, transcript); err != nil {
		return result, fmt.Errorf("%w: convert subtitle: %v", entity.ErrWorkspace, err)
	}
	result.Transcript = entity.Artifact{Kind: entity.ArtifactTranscript, Path: transcript}
	log.Info("subtitle converted to transcript", slog.String("transcript", transcript))

	if c.manifests != nil {
		manifest, err := c.manifests.Snapshot(session.ID, session.Paths.OutputDir)
		if err != nil {
			return result, fmt.Errorf("%w: image manifest: %v", entity.ErrWorkspace, err)
		}
		result.Manifest = manifest
	}
	if result.Manifest == nil {
		log.Warn("image url file not found, skipping")
	}

	return result, nil
}

// RelocatedName renames the engine output prefix to the transcript family.
func RelocatedName(name string) string {
	if strings.HasPrefix(name, consts.EnginePrefix) {
		return consts.TranscriptPrefix + strings.TrimPrefix(name, consts.EnginePrefix)
	}
	return name
}

// ConvertedName maps x.srt to x_converted.txt.
func ConvertedName(subtitlePath string) string {
	return strings.TrimSuffix(subtitlePath, filepath.Ext(subtitlePath)) + consts.ConvertedSuffix
}

func escapeMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]{}\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func move(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	} else if _, statErr := os.Stat(from); statErr != nil {
		return err
	}
	// rename fails across filesystems
	if err := copyFile(from, to); err != nil {
		return err
	}
	return os.Remove(from)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|fs.FileMode(0o600))
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return err
}

package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/consts"
	"github.com/xilidan/transcriber/services/session/entity"
)

type Workspace struct {
	uploadsRoot string
	outputRoot  string
	imagesRoot  string
}

func New(uploadsRoot, outputRoot, imagesRoot string) *Workspace {
	return &Workspace{
		uploadsRoot: uploadsRoot,
		outputRoot:  outputRoot,
		imagesRoot:  imagesRoot,
	}
}

// ValidateSessionID rejects ids that are empty or would escape a workspace root.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session_id is required", entity.ErrValidation)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: invalid session_id %q", entity.ErrValidation, id)
	}
	return nil
}

// Paths computes the session directories without touching the disk.
func (w *Workspace) Paths(sessionID string) entity.WorkspacePaths {
	return entity.WorkspacePaths{
		IntakeDir: filepath.Join(w.uploadsRoot, sessionID),
		OutputDir: filepath.Join(w.outputRoot, consts.OutputDirPrefix+sessionID),
		ImageDir:  filepath.Join(w.imagesRoot, sessionID),
	}
}

// Resolve returns the session directories, creating any that are missing.
// Existing directories and their content are left untouched.
func (w *Workspace) Resolve(sessionID string) (entity.WorkspacePaths, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return entity.WorkspacePaths{}, err
	}

	paths := w.Paths(sessionID)
	for _, dir := range []string{paths.IntakeDir, paths.OutputDir, paths.ImageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return entity.WorkspacePaths{}, fmt.Errorf("%w: create %s: %v", entity.ErrWorkspace, dir, err)
		}
	}
	return paths, nil
}

func AudioStem(sessionID string) string {
	return consts.AudioFilePrefix + sessionID
}

func AudioPath(paths entity.WorkspacePaths, sessionID, ext string) string {
	if ext == "" {
		ext = consts.DefaultAudioExt
	}
	return filepath.Join(paths.IntakeDir, AudioStem(sessionID)+ext)
}

func ManifestPath(paths entity.WorkspacePaths, sessionID string) string {
	return filepath.Join(paths.ImageDir, consts.ManifestPrefix+sessionID+consts.ManifestExt)
}

// SaveAudio writes the session's single raw audio file. A previous upload
// with the same extension is overwritten; one with another extension is removed.
func (w *Workspace) SaveAudio(ctx context.Context, session entity.Session, ext string, src io.Reader) (entity.Artifact, error) {
	log := logger.FromContext(ctx)

	target := AudioPath(session.Paths, session.ID, ext)

	entries, err := os.ReadDir(session.Paths.IntakeDir)
	if err != nil {
		return entity.Artifact{}, fmt.Errorf("%w: list %s: %v", entity.ErrWorkspace, session.Paths.IntakeDir, err)
	}
	// session ids are opaque, so match by literal prefix rather than a glob
	prefix := AudioStem(session.ID) + "."
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		p := filepath.Join(session.Paths.IntakeDir, e.Name())
		if p == target {
			continue
		}
		log.Debug("removing stale audio file", "path", p)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return entity.Artifact{}, fmt.Errorf("%w: remove %s: %v", entity.ErrWorkspace, p, err)
		}
	}

	f, err := os.Create(target)
	if err != nil {
		return entity.Artifact{}, fmt.Errorf("%w: create %s: %v", entity.ErrWorkspace, target, err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return entity.Artifact{}, fmt.Errorf("%w: write %s: %v", entity.ErrWorkspace, target, err)
	}

	log.Info("audio file stored", "path", target, "bytes", n)
	return entity.Artifact{Kind: entity.ArtifactRawAudio, Path: target}, nil
}

// SaveImage stores an uploaded image under the session image directory. A
// failed write leaves no partial file behind.
func (w *Workspace) SaveImage(session entity.Session, name string, src io.Reader) (entity.Artifact, error) {
	target := filepath.Join(session.Paths.ImageDir, name)
	f, err := os.Create(target)
	if err != nil {
		return entity.Artifact{}, fmt.Errorf("%w: create %s: %v", entity.ErrWorkspace, target, err)
	}
	_, err = io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return entity.Artifact{}, fmt.Errorf("%w: write %s: %v", entity.ErrWorkspace, target, err)
	}
	return entity.Artifact{Kind: entity.ArtifactImage, Path: target}, nil
}

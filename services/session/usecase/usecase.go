package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/xilidan/transcriber/pkg/gen"
	"github.com/xilidan/transcriber/pkg/keylock"
	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/consts"
	"github.com/xilidan/transcriber/services/session/entity"
	"github.com/xilidan/transcriber/services/session/ledger"
	"github.com/xilidan/transcriber/services/session/workspace"
)

type Usecase interface {
	ProcessAudio(ctx context.Context, req *entity.ProcessAudioRequest, audio io.Reader) (*entity.PipelineResult, error)
	UploadImages(ctx context.Context, sessionID string, images []ImageFile) ([]entity.UploadedImage, error)
	ListImages(ctx context.Context, sessionID string) ([]entity.ImageURLEntry, error)
}

type Transcriber interface {
	Run(ctx context.Context, spec entity.JobSpec) entity.TranscriptionOutcome
}

type ArtifactCollector interface {
	Collect(ctx context.Context, session entity.Session, jobDir, audioStem string) (entity.CollectedArtifacts, error)
}

type KnowledgeIngestor interface {
	Ingest(ctx context.Context, botID, sessionID string, artifacts []entity.Artifact) ([]entity.IngestionResult, error)
}

type CompletionNotifier interface {
	Notify(ctx context.Context, session entity.Session, transcript entity.Artifact, manifest *entity.Artifact) error
}

type ImageFile struct {
	Name    string
	Content io.Reader
}

type Options struct {
	WorkDir           string
	PublicBaseURL     string
	MaxConcurrentJobs int64
}

type Deps struct {
	Workspace   *workspace.Workspace
	Ledger      *ledger.Ledger
	Transcriber Transcriber
	Collector   ArtifactCollector
	Ingestor    KnowledgeIngestor
	Notifier    CompletionNotifier
}

type usecase struct {
	opts     Options
	deps     Deps
	sessions *keylock.Locker
	images   *keylock.Locker
	jobs     *semaphore.Weighted
	ids      gen.IDs
}

func New(opts Options, deps Deps) Usecase {
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = 1
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &usecase{
		opts:     opts,
		deps:     deps,
		sessions: keylock.New(),
		images:   keylock.New(),
		jobs:     semaphore.NewWeighted(opts.MaxConcurrentJobs),
		ids:      gen.UUID(),
	}
}

func validate(req *entity.ProcessAudioRequest) error {
	if err := workspace.ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(req.BotID) == "" {
		return fmt.Errorf("%w: bot_id is required", entity.ErrValidation)
	}
	if req.MaxSpeakers < 1 {
		return fmt.Errorf("%w: max_speakers must be a positive integer", entity.ErrValidation)
	}
	return nil
}

// ProcessAudio runs Intake -> Transcribing -> Collecting -> Ingesting ->
// Notifying in order. The first failure ends the run with a *StageError;
// side effects of earlier stages stay in place. Work is detached from ctx
// cancellation so a disconnecting caller does not abort a running job.
func (u *usecase) ProcessAudio(ctx context.Context, req *entity.ProcessAudioRequest, audio io.Reader) (*entity.PipelineResult, error) {
	if err := validate(req); err != nil {
		return nil, &entity.StageError{Stage: entity.StageIntake, Err: err}
	}

	ctx = logger.WithSession(context.WithoutCancel(ctx), req.SessionID, req.BotID)
	log := logger.FromContext(ctx)

	unlock := u.sessions.Lock(req.SessionID)
	defer unlock()

	result := &entity.PipelineResult{SessionID: req.SessionID}
	enter := func(stage entity.Stage) {
		result.Stages = append(result.Stages, stage)
		log.Info("pipeline stage", slog.String("stage", string(stage)))
	}
	fail := func(stage entity.Stage, err error) (*entity.PipelineResult, error) {
		logger.ErrorErr(ctx, "pipeline failed", err, slog.String("stage", string(stage)))
		return result, &entity.StageError{Stage: stage, Err: err}
	}

	enter(entity.StageIntake)
	paths, err := u.deps.Workspace.Resolve(req.SessionID)
	if err != nil {
		return fail(entity.StageIntake, err)
	}
	session := entity.Session{
		ID:          req.SessionID,
		BotID:       req.BotID,
		MaxSpeakers: req.MaxSpeakers,
		Paths:       paths,
	}
	rawAudio, err := u.deps.Workspace.SaveAudio(ctx, session, req.AudioExt, audio)
	if err != nil {
		return fail(entity.StageIntake, err)
	}

	collected, stage, err := u.transcribe(ctx, session, rawAudio, result, enter)
	if err != nil {
		return fail(stage, err)
	}
	result.Transcript = collected.Transcript
	result.Manifest = collected.Manifest

	enter(entity.StageIngesting)
	ingested, err := u.deps.Ingestor.Ingest(ctx, session.BotID, session.ID, collected.Ingestable())
	result.Ingested = ingested
	if err != nil {
		return fail(entity.StageIngesting, err)
	}

	enter(entity.StageNotifying)
	if err := u.deps.Notifier.Notify(ctx, session, collected.Transcript, collected.Manifest); err != nil {
		return fail(entity.StageNotifying, err)
	}

	enter(entity.StageCompleted)
	log.Info("session is complete",
		slog.String("transcript", collected.Transcript.Path),
		slog.Int("ingested", len(ingested)))
	return result, nil
}

// transcribe holds a job slot from engine start until its outputs have been
// collected out of the job directory.
func (u *usecase) transcribe(ctx context.Context, session entity.Session, audio entity.Artifact, result *entity.PipelineResult, enter func(entity.Stage)) (entity.CollectedArtifacts, entity.Stage, error) {
	if err := u.jobs.Acquire(ctx, 1); err != nil {
		return entity.CollectedArtifacts{}, entity.StageTranscribing, fmt.Errorf("%w: %v", entity.ErrSubprocess, err)
	}
	defer u.jobs.Release(1)

	jobID := u.ids.Next()
	result.JobID = jobID
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).With(slog.String("job_id", jobID)))
	log := logger.FromContext(ctx)

	jobDir := filepath.Join(u.opts.WorkDir, consts.JobDirPrefix+jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return entity.CollectedArtifacts{}, entity.StageTranscribing, fmt.Errorf("%w: create job dir: %v", entity.ErrWorkspace, err)
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			log.Warn("failed to remove job dir", slog.String("error", err.Error()))
		}
	}()

	enter(entity.StageTranscribing)
	outcome := u.deps.Transcriber.Run(ctx, entity.JobSpec{
		ID:          jobID,
		SessionID:   session.ID,
		AudioPath:   audio.Path,
		MaxSpeakers: session.MaxSpeakers,
		WorkDir:     jobDir,
	})
	if !outcome.Succeeded() {
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("%w: exit code %d", entity.ErrSubprocess, outcome.ExitCode)
		}
		return entity.CollectedArtifacts{}, entity.StageTranscribing, err
	}

	enter(entity.StageCollecting)
	stem := strings.TrimSuffix(filepath.Base(audio.Path), filepath.Ext(audio.Path))
	collected, err := u.deps.Collector.Collect(ctx, session, jobDir, stem)
	if err != nil {
		return entity.CollectedArtifacts{}, entity.StageCollecting, err
	}
	return collected, "", nil
}

// UploadImages stores the images and appends their public urls to the
// session ledger in upload order. Either every image lands in the ledger or
// the files written by this call are removed again.
func (u *usecase) UploadImages(ctx context.Context, sessionID string, images []ImageFile) ([]entity.UploadedImage, error) {
	if err := workspace.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", entity.ErrValidation)
	}

	ctx = logger.WithSession(ctx, sessionID, "")
	log := logger.FromContext(ctx)

	paths, err := u.deps.Workspace.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	session := entity.Session{ID: sessionID, Paths: paths}

	// names are minted under the lock so ledger order follows name order
	unlock := u.images.Lock(sessionID)
	defer unlock()

	uploaded := make([]entity.UploadedImage, 0, len(images))
	urls := make([]string, 0, len(images))
	discard := func() {
		for _, img := range uploaded {
			if err := os.Remove(img.Path); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove orphaned image", slog.String("path", img.Path), slog.String("error", err.Error()))
			}
		}
	}
	for _, img := range images {
		name := gen.ULID() + "_" + cleanName(img.Name)
		artifact, err := u.deps.Workspace.SaveImage(session, name, img.Content)
		if err != nil {
			discard()
			return nil, err
		}
		imageURL := u.ImageURL(sessionID, name)
		log.Info("image saved", slog.String("file", name), slog.String("url", imageURL))

		uploaded = append(uploaded, entity.UploadedImage{FileName: name, Path: artifact.Path, URL: imageURL})
		urls = append(urls, imageURL)
	}

	if err := u.deps.Ledger.Append(ctx, sessionID, urls...); err != nil {
		log.Error("failed to write image urls", slog.String("error", err.Error()))
		discard()
		return nil, err
	}
	return uploaded, nil
}

// ListImages returns the session ledger in arrival order.
func (u *usecase) ListImages(ctx context.Context, sessionID string) ([]entity.ImageURLEntry, error) {
	return u.deps.Ledger.Entries(sessionID)
}

// ImageURL follows the public convention <base>/images/<session>/<file>.
func (u *usecase) ImageURL(sessionID, fileName string) string {
	return u.opts.PublicBaseURL + consts.ImagesRoute + "/" + url.PathEscape(sessionID) + "/" + url.PathEscape(fileName)
}

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}

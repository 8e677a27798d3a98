package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xilidan/transcriber/pkg/gen"
	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/entity"
)

type BotRegistry interface {
	VectorStoreID(ctx context.Context, botID string) (string, error)
	ReportUpload(ctx context.Context, report entity.UploadReport) error
}

type KnowledgeBase interface {
	UploadFile(ctx context.Context, name string, content []byte) (string, error)
	AttachToVectorStore(ctx context.Context, vectorStoreID, fileID string) (string, error)
}

type Recorder interface {
	SaveIngestion(ctx context.Context, result *entity.IngestionResult) error
}

type Ingestor struct {
	registry BotRegistry
	kb       KnowledgeBase
	recorder Recorder
	ids      gen.IDs
}

func New(registry BotRegistry, kb KnowledgeBase, recorder Recorder) *Ingestor {
	return &Ingestor{
		registry: registry,
		kb:       kb,
		recorder: recorder,
		ids:      gen.UUID(),
	}
}

// Ingest resolves the bot's vector store and uploads every artifact present
// on disk. Uploads run concurrently and a failed upload never undoes a
// successful one; the successful results are returned alongside the error.
func (i *Ingestor) Ingest(ctx context.Context, botID, sessionID string, artifacts []entity.Artifact) ([]entity.IngestionResult, error) {
	log := logger.FromContext(ctx)

	vectorStoreID, err := i.registry.VectorStoreID(ctx, botID)
	if err != nil {
		log.Error("failed to resolve vector store", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: bot %s: %v", entity.ErrExternalLookup, botID, err)
	}
	if vectorStoreID == "" {
		log.Error("vector store id is missing in bot record")
		return nil, fmt.Errorf("%w: bot %s has no vector store id", entity.ErrExternalLookup, botID)
	}
	log.Info("vector store resolved", slog.String("vector_store_id", vectorStoreID))

	var (
		mu      sync.Mutex
		results []entity.IngestionResult
		errs    []error
		g       errgroup.Group
	)
	for _, artifact := range artifacts {
		info, err := os.Stat(artifact.Path)
		if err != nil || info.IsDir() {
			log.Debug("artifact not on disk, skipping", slog.String("path", artifact.Path))
			continue
		}

		g.Go(func() error {
			result, err := i.upload(ctx, botID, sessionID, vectorStoreID, artifact)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return err
			}
			results = append(results, *result)
			return nil
		})
	}
	// Wait reports only the first failure; the caller gets all of them.
	if err := g.Wait(); err != nil {
		return results, errors.Join(errs...)
	}
	return results, nil
}

func (i *Ingestor) upload(ctx context.Context, botID, sessionID, vectorStoreID string, artifact entity.Artifact) (*entity.IngestionResult, error) {
	name := filepath.Base(artifact.Path)
	log := logger.FromContext(ctx).With(slog.String("file", name))

	content, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", entity.ErrExternalUpload, name, err)
	}

	fileID, err := i.kb.UploadFile(ctx, name, content)
	if err != nil {
		log.Error("file upload failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: upload %s: %v", entity.ErrExternalUpload, name, err)
	}
	log.Info("file uploaded", slog.String("file_id", fileID))

	vsFileID, err := i.kb.AttachToVectorStore(ctx, vectorStoreID, fileID)
	if err != nil {
		log.Error("vector store association failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: attach %s: %v", entity.ErrExternalUpload, name, err)
	}
	log.Info("file associated with vector store", slog.String("vector_store_file_id", vsFileID))

	if err := i.registry.ReportUpload(ctx, entity.UploadReport{
		Name:   name,
		Size:   int64(len(content)),
		FileID: vsFileID,
		BotID:  botID,
	}); err != nil {
		log.Error("failed to report upload to backend", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: report %s: %v", entity.ErrExternalUpload, name, err)
	}

	result := &entity.IngestionResult{
		ID:                i.ids.Next(),
		SessionID:         sessionID,
		BotID:             botID,
		ArtifactKind:      artifact.Kind,
		FileName:          name,
		Size:              int64(len(content)),
		FileID:            fileID,
		VectorStoreID:     vectorStoreID,
		VectorStoreFileID: vsFileID,
		CreatedAt:         time.Now().UTC(),
	}

	if i.recorder != nil {
		if err := i.recorder.SaveIngestion(ctx, result); err != nil {
			log.Error("failed to record ingestion", slog.String("error", err.Error()))
		}
	}

	return result, nil
}

package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/entity"
)

type Sender interface {
	Send(ctx context.Context, payload any) error
}

type File struct {
	Filename string `json:"filename"`
	Contents string `json:"contents"`
}

type Payload struct {
	TranscriptionFile File   `json:"transcription_file"`
	ImageURLFile      *File  `json:"image_url_file"`
	BotID             string `json:"bot_id"`
}

type Notifier struct {
	sender Sender
}

func New(sender Sender) *Notifier {
	return &Notifier{
		sender: sender,
	}
}

// Build reads the artifacts and base64-encodes their contents. A nil or
// missing manifest becomes a null image_url_file.
func Build(session entity.Session, transcript entity.Artifact, manifest *entity.Artifact) (*Payload, error) {
	tf, err := encode(transcript.Path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	payload := &Payload{
		TranscriptionFile: *tf,
		BotID:             session.BotID,
	}

	if manifest != nil {
		mf, err := encode(manifest.Path)
		switch {
		case err == nil && mf.Contents != "":
			payload.ImageURLFile = mf
		case err != nil && !os.IsNotExist(err):
			return nil, fmt.Errorf("read image manifest: %w", err)
		}
	}
	return payload, nil
}

func (n *Notifier) Notify(ctx context.Context, session entity.Session, transcript entity.Artifact, manifest *entity.Artifact) error {
	log := logger.FromContext(ctx)

	payload, err := Build(session, transcript, manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", entity.ErrNotification, err)
	}
	log.Debug("workflow payload built",
		slog.String("transcription_file", payload.TranscriptionFile.Filename),
		slog.Bool("has_image_url_file", payload.ImageURLFile != nil))

	if err := n.sender.Send(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", entity.ErrNotification, err)
	}
	return nil
}

func encode(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &File{
		Filename: filepath.Base(path),
		Contents: base64.StdEncoding.EncodeToString(data),
	}, nil
}

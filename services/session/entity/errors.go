package entity

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrWorkspace        = errors.New("workspace failure")
	ErrSubprocess       = errors.New("transcription engine failed")
	ErrArtifactNotFound = errors.New("subtitle artifact not found")
	ErrExternalLookup   = errors.New("bot registry lookup failed")
	ErrExternalUpload   = errors.New("knowledge base upload failed")
	ErrNotification     = errors.New("workflow notification failed")
)

type Stage string

const (
	StageIntake       Stage = "intake"
	StageTranscribing Stage = "transcribing"
	StageCollecting   Stage = "collecting"
	StageIngesting    Stage = "ingesting"
	StageNotifying    Stage = "notifying"
	StageCompleted    Stage = "completed"
)

// StageError is the terminal Failed(stage, reason) state of a pipeline run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

package entity

import (
	"time"
)

type WorkspacePaths struct {
	IntakeDir string
	OutputDir string
	ImageDir  string
}

// Session is built once per request and passed to every pipeline stage.
type Session struct {
	ID          string
	BotID       string
	MaxSpeakers int
	Paths       WorkspacePaths
}

type ArtifactKind string

const (
	ArtifactRawAudio      ArtifactKind = "raw-audio"
	ArtifactSubtitle      ArtifactKind = "subtitle"
	ArtifactTranscript    ArtifactKind = "transcript"
	ArtifactImage         ArtifactKind = "image"
	ArtifactImageManifest ArtifactKind = "image-manifest"
)

type Artifact struct {
	Kind ArtifactKind
	Path string
}

type CollectedArtifacts struct {
	Relocated  []string
	Subtitle   Artifact
	Transcript Artifact
	// Manifest is nil when no image was uploaded for the session.
	Manifest *Artifact
}

// Ingestable lists the artifacts handed to the knowledge base, transcript first.
func (c CollectedArtifacts) Ingestable() []Artifact {
	artifacts := []Artifact{c.Transcript}
	if c.Manifest != nil {
		artifacts = append(artifacts, *c.Manifest)
	}
	return artifacts
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobSpec struct {
	ID          string
	SessionID   string
	AudioPath   string
	MaxSpeakers int
	WorkDir     string
}

type TranscriptionOutcome struct {
	JobID      string
	Status     JobStatus
	ExitCode   int
	StdoutTail string
	StderrTail string
	Duration   time.Duration
	Err        error
}

func (o TranscriptionOutcome) Succeeded() bool {
	return o.Status == JobSucceeded
}

type BotRecord struct {
	BotID         string
	VectorStoreID string
}

type IngestionResult struct {
	ID                string       `json:"id"`
	SessionID         string       `json:"session_id"`
	BotID             string       `json:"bot_id"`
	ArtifactKind      ArtifactKind `json:"artifact_kind"`
	FileName          string       `json:"file_name"`
	Size              int64        `json:"size"`
	FileID            string       `json:"file_id"`
	VectorStoreID     string       `json:"vector_store_id"`
	VectorStoreFileID string       `json:"vector_store_file_id"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ImageURLEntry is one manifest line.
type ImageURLEntry struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type ProcessAudioRequest struct {
	SessionID   string
	BotID       string
	MaxSpeakers int
	// AudioExt includes the leading dot, e.g. ".wav".
	AudioExt string
}

type PipelineResult struct {
	SessionID  string
	JobID      string
	Transcript Artifact
	Manifest   *Artifact
	Ingested   []IngestionResult
	Stages     []Stage
}

type UploadedImage struct {
	FileName string
	Path     string
	URL      string
}

// UploadReport tells the bot backend about a file attached to its vector store.
type UploadReport struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	FileID string `json:"file_id"`
	BotID  string `json:"bot_id"`
}

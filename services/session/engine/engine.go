package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/consts"
	"github.com/xilidan/transcriber/services/session/entity"
)

type Config struct {
	Binary      string
	ComputeType string
	HFToken     string
	ExtraArgs   []string
	// Env is appended to the process environment of every run.
	Env []string
}

// Engine runs the diarizing transcription engine as a child process.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.ComputeType == "" {
		cfg.ComputeType = "int8"
	}
	cfg.Env = append([]string{"TORCH_DTYPE=float32"}, cfg.Env...)
	return &Engine{cfg: cfg}
}

func (e *Engine) Args(spec entity.JobSpec) []string {
	args := []string{
		spec.AudioPath,
		"--compute_type", e.cfg.ComputeType,
		"--diarize",
		"--max_speakers", strconv.Itoa(spec.MaxSpeakers),
	}
	if e.cfg.HFToken != "" {
		args = append(args, "--hf_token", e.cfg.HFToken)
	}
	args = append(args, "--output_dir", spec.WorkDir)
	return append(args, e.cfg.ExtraArgs...)
}

// ExpectedOutputs lists the files the engine declares for spec, named after
// the audio file stem inside the job directory.
func ExpectedOutputs(spec entity.JobSpec) []string {
	stem := strings.TrimSuffix(filepath.Base(spec.AudioPath), filepath.Ext(spec.AudioPath))
	outputs := make([]string, 0, len(consts.EngineOutputExts))
	for _, ext := range consts.EngineOutputExts {
		outputs = append(outputs, filepath.Join(spec.WorkDir, stem+ext))
	}
	return outputs
}

// Run blocks until the engine exits. The outcome depends only on the exit status.
func (e *Engine) Run(ctx context.Context, spec entity.JobSpec) entity.TranscriptionOutcome {
	log := logger.With(ctx, slog.String("job_id", spec.ID))
	started := time.Now()

	outcome := entity.TranscriptionOutcome{
		JobID:    spec.ID,
		Status:   entity.JobRunning,
		ExitCode: -1,
	}

	// the child runs inside the job dir, so relative paths would resolve against it
	for _, p := range []*string{&spec.AudioPath, &spec.WorkDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return e.fail(outcome, started, fmt.Errorf("resolve %s: %w", *p, err))
		}
		*p = abs
	}

	cmd := exec.CommandContext(ctx, e.cfg.Binary, e.Args(spec)...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), e.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.fail(outcome, started, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.fail(outcome, started, fmt.Errorf("stderr pipe: %w", err))
	}

	log.Info("starting transcription engine",
		slog.String("binary", e.cfg.Binary),
		slog.String("audio", spec.AudioPath),
		slog.Int("max_speakers", spec.MaxSpeakers),
		slog.String("work_dir", spec.WorkDir))

	if err := cmd.Start(); err != nil {
		log.Error("failed to start subprocess", slog.String("error", err.Error()))
		return e.fail(outcome, started, fmt.Errorf("start %s: %w", e.cfg.Binary, err))
	}

	outTail := newTail(consts.StderrTailBytes)
	errTail := newTail(consts.StderrTailBytes)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stream(stdout, outTail, func(line string) {
			log.Debug("engine output", slog.String("line", line))
		})
	}()
	go func() {
		defer wg.Done()
		stream(stderr, errTail, func(line string) {
			log.Warn("engine stderr", slog.String("line", line))
		})
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	outcome.StdoutTail = outTail.String()
	outcome.StderrTail = errTail.String()
	outcome.ExitCode = cmd.ProcessState.ExitCode()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Error("engine exited with error",
				slog.Int("exit_code", outcome.ExitCode),
				slog.String("stderr_tail", outcome.StderrTail))
			return e.fail(outcome, started, fmt.Errorf("exit code %d: %s", outcome.ExitCode, strings.TrimSpace(outcome.StderrTail)))
		}
		return e.fail(outcome, started, waitErr)
	}

	outcome.Status = entity.JobSucceeded
	outcome.Duration = time.Since(started)
	for _, p := range ExpectedOutputs(spec) {
		if _, err := os.Stat(p); err != nil {
			log.Debug("declared engine output not produced", slog.String("path", p))
		}
	}
	log.Info("transcription engine completed", slog.Duration("duration", outcome.Duration))
	return outcome
}

func (e *Engine) fail(outcome entity.TranscriptionOutcome, started time.Time, err error) entity.TranscriptionOutcome {
	outcome.Status = entity.JobFailed
	outcome.Duration = time.Since(started)
	outcome.Err = fmt.Errorf("%w: %v", entity.ErrSubprocess, err)
	return outcome
}

func stream(r io.Reader, tail *tail, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.WriteLine(line)
		if strings.TrimSpace(line) != "" {
			emit(line)
		}
	}
	// drain whatever the scanner refused so the child never blocks on a full pipe
	io.Copy(io.Discard, r)
}

// tail keeps the last max bytes written to it.
type tail struct {
	max int
	buf []byte
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) WriteLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tail) String() string {
	return string(t.buf)
}

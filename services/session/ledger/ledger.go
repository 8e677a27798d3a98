package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xilidan/transcriber/pkg/keylock"
	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/entity"
	"github.com/xilidan/transcriber/services/session/workspace"
)

// Ledger is the append-only image URL manifest of each session. Writers to
// one session are serialized; different sessions never contend.
type Ledger struct {
	ws    *workspace.Workspace
	locks *keylock.Locker
}

func New(ws *workspace.Workspace) *Ledger {
	return &Ledger{
		ws:    ws,
		locks: keylock.New(),
	}
}

func (l *Ledger) Path(sessionID string) string {
	return workspace.ManifestPath(l.ws.Paths(sessionID), sessionID)
}

// Append writes one line per url in the given order.
func (l *Ledger) Append(ctx context.Context, sessionID string, urls ...string) error {
	if err := workspace.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(urls) == 0 {
		return nil
	}

	var b strings.Builder
	for _, u := range urls {
		if strings.ContainsAny(u, "\r\n") {
			return fmt.Errorf("%w: url contains a line break", entity.ErrValidation)
		}
		b.WriteString(u)
		b.WriteByte('\n')
	}

	path := l.Path(sessionID)

	unlock := l.locks.Lock(sessionID)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", entity.ErrWorkspace, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open manifest: %v", entity.ErrWorkspace, err)
	}
	_, err = f.WriteString(b.String())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: append manifest: %v", entity.ErrWorkspace, err)
	}

	logger.FromContext(ctx).Debug("image urls appended",
		"manifest", path,
		"count", len(urls))
	return nil
}

// Read returns the manifest urls in arrival order. A session without a
// manifest yields nil and no error.
func (l *Ledger) Read(sessionID string) ([]string, error) {
	if err := workspace.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := l.contents(sessionID)
	if err != nil || data == nil {
		return nil, err
	}

	var urls []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			urls = append(urls, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", entity.ErrWorkspace, err)
	}
	return urls, nil
}

// contents reads the whole manifest under the session lock, so a concurrent
// Append is seen either entirely or not at all.
func (l *Ledger) contents(sessionID string) ([]byte, error) {
	unlock := l.locks.Lock(sessionID)
	defer unlock()

	data, err := os.ReadFile(l.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", entity.ErrWorkspace, err)
	}
	return data, nil
}

func (l *Ledger) Entries(sessionID string) ([]entity.ImageURLEntry, error) {
	urls, err := l.Read(sessionID)
	if err != nil {
		return nil, err
	}
	entries := make([]entity.ImageURLEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, entity.ImageURLEntry{SessionID: sessionID, URL: u})
	}
	return entries, nil
}

// Snapshot copies the manifest into dir and returns the copy. Readers of the
// copy never race with later appends. A session without a manifest yields nil.
func (l *Ledger) Snapshot(sessionID, dir string) (*entity.Artifact, error) {
	if err := workspace.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := l.contents(sessionID)
	if err != nil || data == nil {
		return nil, err
	}

	target := filepath.Join(dir, filepath.Base(l.Path(sessionID)))
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("%w: snapshot manifest: %v", entity.ErrWorkspace, err)
	}
	return &entity.Artifact{Kind: entity.ArtifactImageManifest, Path: target}, nil
}

package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Presence is a token's standing in the checkpoint state.
type Presence int

// Checkpoint presence values.
const (
	// Unseen means no prior run recorded an outcome for the token.
	Unseen Presence = iota

	// Succeeded means a prior run completed the operation; the token is
	// skipped on resume.
	Succeeded

	// Failed means a prior run recorded a failure. Failed tokens are
	// reported but NOT auto-skipped, so an operator can decide to retry
	// by rerunning with the same input. This asymmetry is intentional.
	Failed
)

// Checkpoint is the durable record of per-token outcomes that makes a batch
// resumable. Each mutation is appended to its file (one token per line) and
// flushed before the next record is processed, so a crash mid-run leaves
// all prior completions intact. Either path may be empty to disable that
// side of the state.
type Checkpoint struct {
	succeeded map[string]struct{}
	failed    map[string]struct{}

	successFile *os.File
	failedFile  *os.File
}

// OpenCheckpoint loads both checkpoint files (missing files are empty sets,
// not errors) and opens them for appending. The in-memory sets are always a
// cache of what is already durable.
func OpenCheckpoint(successPath, failedPath string) (*Checkpoint, error) {
	cp := &Checkpoint{
		succeeded: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}

	if successPath != "" {
		if err := readTokenSet(successPath, cp.succeeded); err != nil {
			return nil, fmt.Errorf("loading success checkpoint: %w", err)
		}
		f, err := openAppend(successPath)
		if err != nil {
			return nil, fmt.Errorf("opening success checkpoint: %w", err)
		}
		cp.successFile = f
	}

	if failedPath != "" {
		if err := readTokenSet(failedPath, cp.failed); err != nil {
			cp.Close()
			return nil, fmt.Errorf("loading failed checkpoint: %w", err)
		}
		f, err := openAppend(failedPath)
		if err != nil {
			cp.Close()
			return nil, fmt.Errorf("opening failed checkpoint: %w", err)
		}
		cp.failedFile = f
	}

	return cp, nil
}

// Contains reports the token's standing from prior runs.
func (c *Checkpoint) Contains(token string) Presence {
	if _, ok := c.succeeded[token]; ok {
		return Succeeded
	}
	if _, ok := c.failed[token]; ok {
		return Failed
	}
	return Unseen
}

// MarkSuccess durably records a completed token.
func (c *Checkpoint) MarkSuccess(token string) error {
	if c.successFile != nil {
		if err := appendLine(c.successFile, token); err != nil {
			return fmt.Errorf("appending success checkpoint: %w", err)
		}
	}
	c.succeeded[token] = struct{}{}
	return nil
}

// MarkFailed durably records a failed token for operator review.
func (c *Checkpoint) MarkFailed(token string) error {
	if c.failedFile != nil {
		if err := appendLine(c.failedFile, token); err != nil {
			return fmt.Errorf("appending failed checkpoint: %w", err)
		}
	}
	c.failed[token] = struct{}{}
	return nil
}

// SucceededCount returns the number of tokens in the succeeded set.
func (c *Checkpoint) SucceededCount() int {
	return len(c.succeeded)
}

// Close releases both checkpoint file handles.
func (c *Checkpoint) Close() error {
	var firstErr error
	if c.successFile != nil {
		if err := c.successFile.Close(); err != nil {
			firstErr = err
		}
		c.successFile = nil
	}
	if c.failedFile != nil {
		if err := c.failedFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.failedFile = nil
	}
	return firstErr
}

// readTokenSet reads one token per line into set. Blank lines are ignored.
func readTokenSet(path string, set map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token != "" {
			set[token] = struct{}{}
		}
	}
	return scanner.Err()
}

// openAppend opens path for appending, creating parent directories first.
func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// appendLine writes one token and its newline in a single unbuffered write.
func appendLine(f *os.File, token string) error {
	_, err := f.WriteString(token + "\n")
	return err
}

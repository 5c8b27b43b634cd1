// Append-only spill files. Parent ids, orphan envelopes, and quarantine
// diagnostics all go through one cached-appender set so a run holds at most
// one open handle per file.
package stitch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// spillEnvelope is a self-contained orphan record: everything needed to emit
// or quarantine the child later without consulting any other state.
type spillEnvelope struct {
	Typename  string          `json:"typename"`
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId"`
	OwnerType OwnerType       `json:"ownerType,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     any             `json:"value,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

type appender struct {
	f *os.File
	w *bufio.Writer
}

// appenderSet lazily opens append-only files and keeps the handles for the
// run's lifetime. Flush must be called before any of the files are read back.
type appenderSet struct {
	files map[string]*appender
}

func newAppenderSet() *appenderSet {
	return &appenderSet{files: make(map[string]*appender)}
}

func (s *appenderSet) appendLine(path string, line []byte) error {
	a, ok := s.files[path]
	if !ok {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		a = &appender{f: f, w: bufio.NewWriter(f)}
		s.files[path] = a
	}
	if _, err := a.w.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("appending newline to %s: %w", path, err)
	}
	return nil
}

func (s *appenderSet) Flush() error {
	for path, a := range s.files {
		if err := a.w.Flush(); err != nil {
			return fmt.Errorf("flushing %s: %w", path, err)
		}
	}
	return nil
}

func (s *appenderSet) Close() error {
	var firstErr error
	for path, a := range s.files {
		if err := a.w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing %s: %w", path, err)
		}
		if err := a.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", path, err)
		}
	}
	s.files = make(map[string]*appender)
	return firstErr
}

// File layout within the run's artifact directory.

func (s *Stitcher) parentBucketPath(bucket int) string {
	return filepath.Join(s.parentsDir, fmt.Sprintf("parents.%04d.txt", bucket))
}

func (s *Stitcher) orphanBucketPath(kind string, bucket int) string {
	return filepath.Join(s.orphansDir, fmt.Sprintf("orphans.%s.%04d.jsonl", kind, bucket))
}

func (s *Stitcher) quarantinePath(kind string) string {
	return filepath.Join(s.quarantineDir, fmt.Sprintf("orphan-%ss.%s.jsonl", kind, s.cfg.Tenant))
}

package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives a completed file and returns where it was placed.
type Sink interface {
	Deliver(data []byte, suggestedName string) (string, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(data []byte, suggestedName string) (string, error)

// Deliver calls f.
func (f SinkFunc) Deliver(data []byte, suggestedName string) (string, error) {
	return f(data, suggestedName)
}

const maxNameAttempts = 1000

// DirSink writes completed files into one directory. An existing file is never
// replaced; a numbered suffix is added instead.
type DirSink struct {
	Dir  string
	Mode os.FileMode
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &DirSink{Dir: dir, Mode: 0o600}, nil
}

// Deliver writes data through a temp file and links it under a free name.
func (s *DirSink) Deliver(data []byte, suggestedName string) (string, error) {
	mode := s.Mode
	if mode == 0 {
		mode = 0o600
	}

	f, err := os.CreateTemp(s.Dir, ".dragnshare-*.part")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	base := safeFilename(suggestedName)
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		target := filepath.Join(s.Dir, numberedName(base, attempt))
		err := os.Link(tmp, target)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %q in %s", base, s.Dir)
}

func safeFilename(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "" || base == "/" || base == "." {
		return "file.bin"
	}
	return base
}

// numberedName turns "report.pdf" into "report (2).pdf" for attempt 2.
func numberedName(base string, attempt int) string {
	if attempt == 0 {
		return base
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
}

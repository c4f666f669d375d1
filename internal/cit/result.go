package cit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// TimestampFormat is the UTC layout of Result.Timestamp.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Result is the structured outcome of one run. It is serialised as the
// JSON result artifact.
type Result struct {
	Image      string `json:"image"`
	Mode       string `json:"mode"`
	Timestamp  string `json:"timestamp"`
	Shell      Status `json:"shell"`
	Port       Status `json:"port"`
	Health     Status `json:"health"`
	Screenshot Status `json:"screenshot"`
	Verify     Status `json:"verify"`
	Result     Status `json:"result"`

	// Err is the failure that ended the run, nil on success.
	Err error `json:"-"`
	// Elapsed is the wall time of the run including teardown.
	Elapsed time.Duration `json:"-"`
}

// NewResult returns a result with every check skipped and the overall
// outcome failed until the run proves otherwise.
func NewResult(image string, now time.Time) *Result {
	return &Result{
		Image:      image,
		Timestamp:  now.UTC().Format(TimestampFormat),
		Shell:      StatusSkip,
		Port:       StatusSkip,
		Health:     StatusSkip,
		Screenshot: StatusSkip,
		Verify:     StatusSkip,
		Result:     StatusFail,
	}
}

// Passed reports whether the run passed.
func (r *Result) Passed() bool {
	return r.Result == StatusPass
}

// Marshal renders the artifact: two-space indented JSON with a trailing
// newline.
func (r *Result) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteResult writes r to path under an advisory lock, replacing any
// previous artifact atomically.
func WriteResult(ctx context.Context, path string, r *Result) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return withFileLock(ctx, path, func() error {
		return atomicWriteFile(path, data, 0o644)
	})
}

// withFileLock acquires an advisory file lock on path+".lock" before running fn.
func withFileLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	fl := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring file lock for %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring file lock for %s", path)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place so readers never observe a partial artifact.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dbuild-result-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	return nil
}

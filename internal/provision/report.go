package provision

import (
	"errors"
	"fmt"
	"io/fs"
	"time"
)

type Stage string

const (
	StageProvision Stage = "provision"
	StageVerify    Stage = "verify"
)

// ToolReport is the outcome for one descriptor.
type ToolReport struct {
	ID        string
	FileName  string
	Path      string
	Bytes     int64
	SHA256    string
	ExitCode  int32
	HelpLines []string
	Duration  time.Duration
	Err       error
}

func (t ToolReport) OK() bool {
	return t.Err == nil
}

// Entry is one item of the target directory listing.
type Entry struct {
	Name       string
	Mode       fs.FileMode
	Size       int64
	Executable bool
}

// Report is the result of one Provision or Verify run.
type Report struct {
	RunID   string
	Stage   Stage
	Dir     string
	Tools   []ToolReport
	Entries []Entry
}

func (r Report) Failed() []ToolReport {
	var out []ToolReport
	for _, t := range r.Tools {
		if !t.OK() {
			out = append(out, t)
		}
	}
	return out
}

// Err joins every per-tool error, each prefixed with its tool id.
func (r Report) Err() error {
	var errs []error
	for _, t := range r.Tools {
		if t.Err != nil {
			errs = append(errs, fmt.Errorf("tool=%s: %w", t.ID, t.Err))
		}
	}
	return errors.Join(errs...)
}

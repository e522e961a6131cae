package provision

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/ctrtools/internal/catalog"
	"github.com/danmuck/ctrtools/internal/fetch"
	"github.com/danmuck/ctrtools/internal/ledger"
	"github.com/danmuck/ctrtools/internal/observability"
	"github.com/danmuck/ctrtools/internal/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidDir       = errors.New("provision: invalid target dir")
	ErrSandboxViolation = errors.New("provision: sandbox violation")
	ErrNotInstalled     = errors.New("provision: tool not installed")
	ErrNotExecutable    = errors.New("provision: tool not executable")
	ErrSmokeCrashed     = errors.New("provision: smoke test crashed")
	ErrSmokeNotRunnable = errors.New("provision: smoke test could not start")
	ErrSmokeTimeout     = errors.New("provision: smoke test timed out")
)

const (
	DefaultHelpLines    = 5
	DefaultSmokeTimeout = 10 * time.Second

	execMode os.FileMode = 0o755
)

// Fetcher downloads one artifact into dir and returns the staged temp file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir, name, wantSHA256 string) (fetch.Result, error)
}

// Ledger receives one record per successfully provisioned tool.
type Ledger interface {
	Put(rec ledger.Record) error
}

// Config wires a Provisioner. Dir must already be home-expanded.
type Config struct {
	Dir          string
	HelpLines    int
	SmokeTimeout time.Duration
	FailFast     bool
	Runner       tools.CommandRunner
	Fetcher      Fetcher
	Ledger       Ledger
	Logger       *zerolog.Logger
	Now          func() time.Time
}

type Provisioner struct {
	dir          string
	helpLines    int
	smokeTimeout time.Duration
	failFast     bool
	runner       tools.CommandRunner
	fetcher      Fetcher
	ledger       Ledger
	logger       zerolog.Logger
	now          func() time.Time
}

func New(cfg Config) (*Provisioner, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: dir is required", ErrInvalidDir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDir, err)
	}

	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = fetch.NewDownloader(fetch.Options{Logger: cfg.Logger})
	}
	helpLines := cfg.HelpLines
	if helpLines <= 0 {
		helpLines = DefaultHelpLines
	}
	smokeTimeout := cfg.SmokeTimeout
	if smokeTimeout <= 0 {
		smokeTimeout = DefaultSmokeTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Provisioner{
		dir:          filepath.Clean(abs),
		helpLines:    helpLines,
		smokeTimeout: smokeTimeout,
		failFast:     cfg.FailFast,
		runner:       runner,
		fetcher:      fetcher,
		ledger:       cfg.Ledger,
		logger:       logger.With().Str("component", "provision").Logger(),
		now:          now,
	}, nil
}

func (p *Provisioner) Dir() string {
	return p.dir
}

// Provision fetches, marks executable, and smoke-tests every descriptor in
// order, then lists the directory. Every tool is attempted unless FailFast is
// set; the returned error joins all per-tool failures.
func (p *Provisioner) Provision(ctx context.Context, descriptors []catalog.Descriptor) (Report, error) {
	report := Report{RunID: uuid.NewString(), Stage: StageProvision, Dir: p.dir}
	logger := p.logger.With().Str("run_id", report.RunID).Logger()

	if err := p.ensureDir(); err != nil {
		return report, err
	}
	logger.Info().Str("dir", p.dir).Int("tools", len(descriptors)).Msg("provision start")

	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tr := p.provisionOne(ctx, logger, report.RunID, d)
		report.Tools = append(report.Tools, tr)
		if tr.Err != nil && p.failFast {
			break
		}
	}

	entries, err := p.List()
	if err != nil {
		return report, err
	}
	report.Entries = entries
	logger.Info().Int("failed", len(report.Failed())).Msg("provision done")
	return report, report.Err()
}

// Verify smoke-tests tools already present in the directory without downloading.
func (p *Provisioner) Verify(ctx context.Context, descriptors []catalog.Descriptor) (Report, error) {
	report := Report{RunID: uuid.NewString(), Stage: StageVerify, Dir: p.dir}
	logger := p.logger.With().Str("run_id", report.RunID).Logger()

	for _, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tr := p.verifyOne(ctx, logger, d)
		report.Tools = append(report.Tools, tr)
		if tr.Err != nil && p.failFast {
			break
		}
	}

	entries, err := p.List()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return report, err
	}
	report.Entries = entries
	return report, report.Err()
}

// List returns the directory contents sorted by name.
func (p *Provisioner) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, Entry{
			Name:       de.Name(),
			Mode:       info.Mode(),
			Size:       info.Size(),
			Executable: info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0,
		})
	}
	return out, nil
}

func (p *Provisioner) provisionOne(ctx context.Context, logger zerolog.Logger, runID string, d catalog.Descriptor) ToolReport {
	started := p.now()
	tr := ToolReport{ID: d.ID, FileName: d.FileName}
	logger = logger.With().Str("tool", d.ID).Logger()
	defer func() {
		tr.Duration = p.now().Sub(started)
		observability.RecordTool(d.ID, string(StageProvision), tr.Duration, tr.Err == nil)
		logResult(logger, tr)
	}()

	dest, err := p.resolvePath(d.FileName)
	if err != nil {
		tr.Err = err
		return tr
	}
	tr.Path = dest

	logger.Info().Str("url", d.URL).Msg("fetch")
	res, err := p.fetcher.Fetch(ctx, d.URL, p.dir, d.FileName, d.SHA256)
	if err != nil {
		tr.Err = err
		return tr
	}
	observability.RecordDownload(d.ID, res.Size)
	tr.Bytes = res.Size

	staged, err := p.stage(d, res.Path)
	if err != nil {
		tr.Err = err
		return tr
	}
	if err := install(staged, dest); err != nil {
		tr.Err = err
		return tr
	}

	sum, err := fileSHA256(dest)
	if err != nil {
		tr.Err = err
		return tr
	}
	tr.SHA256 = sum

	tr.ExitCode, tr.HelpLines, tr.Err = p.smoke(ctx, d, dest)
	if tr.Err != nil {
		return tr
	}

	if p.ledger != nil {
		rec := ledger.Record{
			ToolID:         d.ID,
			URL:            d.URL,
			FileName:       d.FileName,
			Path:           dest,
			Version:        d.Version,
			SHA256:         sum,
			ArtifactSHA256: res.SHA256,
			Size:           fileSize(dest),
			RunID:          runID,
			InstalledAt:    p.now().UTC(),
		}
		if err := p.ledger.Put(rec); err != nil {
			tr.Err = fmt.Errorf("record ledger: %w", err)
		}
	}
	return tr
}

func (p *Provisioner) verifyOne(ctx context.Context, logger zerolog.Logger, d catalog.Descriptor) ToolReport {
	started := p.now()
	tr := ToolReport{ID: d.ID, FileName: d.FileName}
	logger = logger.With().Str("tool", d.ID).Logger()
	defer func() {
		tr.Duration = p.now().Sub(started)
		observability.RecordTool(d.ID, string(StageVerify), tr.Duration, tr.Err == nil)
		logResult(logger, tr)
	}()

	dest, err := p.resolvePath(d.FileName)
	if err != nil {
		tr.Err = err
		return tr
	}
	tr.Path = dest

	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		tr.Err = fmt.Errorf("%w: %s", ErrNotInstalled, dest)
		return tr
	}
	if err != nil {
		tr.Err = err
		return tr
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		tr.Err = fmt.Errorf("%w: %s mode=%s", ErrNotExecutable, dest, info.Mode())
		return tr
	}
	tr.Bytes = info.Size()

	sum, err := fileSHA256(dest)
	if err != nil {
		tr.Err = err
		return tr
	}
	tr.SHA256 = sum

	tr.ExitCode, tr.HelpLines, tr.Err = p.smoke(ctx, d, dest)
	return tr
}

// stage turns a downloaded temp file into the temp file that will be renamed
// into place, extracting the archive member when the descriptor names one.
func (p *Provisioner) stage(d catalog.Descriptor, downloaded string) (string, error) {
	if d.Archive == catalog.ArchiveNone {
		return downloaded, nil
	}
	defer os.Remove(downloaded)
	extracted, _, err := fetch.ExtractMember(downloaded, d.Archive, d.ArchiveMember(), p.dir, d.FileName)
	if err != nil {
		return "", err
	}
	return extracted, nil
}

// smoke runs the tool with its help argument. Any exit status is accepted;
// only failing to start, timing out, or dying by signal are errors.
func (p *Provisioner) smoke(ctx context.Context, d catalog.Descriptor, path string) (int32, []string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.smokeTimeout)
	defer cancel()

	arg := d.SmokeArg()
	p.logger.Debug().Str("tool", d.ID).Str("cmd", path).Str("arg", arg).Msg("smoke exec")
	stdout, stderr, exitCode, err := p.runner.Run(runCtx, path, arg)

	lines := headLines(stdout, p.helpLines)
	if len(lines) == 0 {
		lines = headLines(stderr, p.helpLines)
	}
	if err == nil {
		return exitCode, lines, nil
	}

	switch {
	case errors.Is(err, tools.ErrSignaled):
		return exitCode, lines, fmt.Errorf("%w: %w", ErrSmokeCrashed, commandFailure(path, arg, exitCode, stdout, stderr, err))
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return exitCode, lines, fmt.Errorf("%w after %s: %w", ErrSmokeTimeout, p.smokeTimeout, commandFailure(path, arg, exitCode, stdout, stderr, err))
	case ctx.Err() != nil:
		return exitCode, lines, ctx.Err()
	case errors.Is(err, tools.ErrNotStarted):
		return exitCode, lines, fmt.Errorf("%w: %w", ErrSmokeNotRunnable, commandFailure(path, arg, exitCode, stdout, stderr, err))
	case exitCode > 0:
		p.logger.Debug().Str("tool", d.ID).Int32("exit", exitCode).Msg("smoke exit tolerated")
		return exitCode, lines, nil
	default:
		return exitCode, lines, fmt.Errorf("%w: %w", ErrSmokeNotRunnable, commandFailure(path, arg, exitCode, stdout, stderr, err))
	}
}

func (p *Provisioner) ensureDir() error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDir, err)
	}
	info, err := os.Stat(p.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidDir, p.dir)
	}
	return nil
}

func (p *Provisioner) resolvePath(fileName string) (string, error) {
	name := strings.TrimSpace(fileName)
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: file=%q must be a base name", ErrSandboxViolation, fileName)
	}
	dest := filepath.Join(p.dir, name)
	if !isWithin(dest, p.dir) || dest == p.dir {
		return "", fmt.Errorf("%w: file=%q outside %s", ErrSandboxViolation, fileName, p.dir)
	}
	return dest, nil
}

// install marks staged executable and renames it over dest.
func install(staged, dest string) error {
	if err := os.Chmod(staged, execMode); err != nil {
		_ = os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, dest); err != nil {
		_ = os.Remove(staged)
		return err
	}
	return nil
}

func commandFailure(name, arg string, exitCode int32, stdout, stderr []byte, err error) error {
	return fmt.Errorf(
		"cmd=%s args=%q exit=%d stdout=%q stderr=%q: %w",
		name,
		arg,
		exitCode,
		strings.TrimSpace(string(stdout)),
		strings.TrimSpace(string(stderr)),
		err,
	)
}

func logResult(logger zerolog.Logger, tr ToolReport) {
	if tr.Err != nil {
		logger.Error().Err(tr.Err).Dur("elapsed", tr.Duration).Msg("tool failed")
		return
	}
	logger.Info().
		Str("path", tr.Path).
		Str("sha256", tr.SHA256).
		Int32("exit", tr.ExitCode).
		Dur("elapsed", tr.Duration).
		Msg("tool ready")
}

const (
	maxHelpLineBytes  = 1024 * 1024
	helpPrefixBytes   = 256
	truncatedEllipsis = " ..."
)

// headLines returns the first n non-empty lines of out. A line too long to
// scan is shown as a truncated prefix.
func headLines(out []byte, n int) []string {
	var lines []string
	consumed := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), maxHelpLineBytes)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		consumed += advance
		return advance, token, err
	})
	for len(lines) < n && scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) < n && errors.Is(scanner.Err(), bufio.ErrTooLong) && consumed < len(out) {
		rest := out[consumed:]
		if len(rest) > helpPrefixBytes {
			rest = rest[:helpPrefixBytes]
		}
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[:i]
		}
		lines = append(lines, strings.ToValidUTF8(string(rest), "?")+truncatedEllipsis)
	}
	return lines
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func isWithin(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(os.PathSeparator)) && rel != "..")
}

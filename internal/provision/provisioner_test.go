package provision

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/ctrtools/internal/catalog"
	"github.com/danmuck/ctrtools/internal/fetch"
	"github.com/danmuck/ctrtools/internal/ledger"
	"github.com/danmuck/ctrtools/internal/testutil/testlog"
	"github.com/danmuck/ctrtools/internal/tools"
)

type fakeRunner struct {
	commands [][]string
	results  []fakeRunResult
	block    bool
	onRun    func()
}

type fakeRunResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int32
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := []string{name}
	cmd = append(cmd, args...)
	r.commands = append(r.commands, cmd)
	if r.onRun != nil {
		r.onRun()
	}
	if r.block {
		<-ctx.Done()
		return nil, nil, -1, fmt.Errorf("%w: killed", ctx.Err())
	}
	if len(r.results) > 0 {
		next := r.results[0]
		r.results = r.results[1:]
		return next.stdout, next.stderr, next.exitCode, next.err
	}
	return []byte("usage\n"), nil, 0, nil
}

func helpScript(name string) string {
	return fmt.Sprintf("#!/bin/sh\necho \"%s usage: %s [options]\"\necho\necho \"  --help   show help\"\nexit 1\n", name, name)
}

func zipBytes(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("release/" + name)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// artifactServer serves the three default tool shapes: raw, zip, tar.gz.
func artifactServer(t *testing.T, scripts map[string]string) (*httptest.Server, []catalog.Descriptor) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/raw/ctrtool", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(scripts["ctrtool"]))
	})
	mux.HandleFunc("/latest/makerom.zip", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/assets/makerom.zip", http.StatusFound)
	})
	mux.HandleFunc("/assets/makerom.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(zipBytes(t, "makerom", scripts["makerom"]))
	})
	mux.HandleFunc("/assets/3dstool.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarGzBytes(t, "3dstool", scripts["3dstool"]))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	reg, err := catalog.NewRegistryFrom([]catalog.Descriptor{
		{ID: "ctrtool", URL: srv.URL + "/raw/ctrtool"},
		{ID: "makerom", URL: srv.URL + "/latest/makerom.zip", Archive: catalog.ArchiveZip},
		{ID: "3dstool", URL: srv.URL + "/assets/3dstool.tar.gz", Archive: catalog.ArchiveTarGz},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return srv, reg.List()
}

func defaultScripts() map[string]string {
	return map[string]string{
		"ctrtool": helpScript("ctrtool"),
		"makerom": helpScript("makerom"),
		"3dstool": helpScript("3dstool"),
	}
}

func newTestProvisioner(t *testing.T, srv *httptest.Server, runner tools.CommandRunner, store Ledger) *Provisioner {
	t.Helper()
	p, err := New(Config{
		Dir:          filepath.Join(t.TempDir(), "3ds-tools"),
		SmokeTimeout: 5 * time.Second,
		Runner:       runner,
		Fetcher:      fetch.NewDownloader(fetch.Options{Client: srv.Client()}),
		Ledger:       store,
	})
	if err != nil {
		t.Fatalf("new provisioner: %v", err)
	}
	return p
}

func entryNames(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestProvisionInstallsRunnableTools(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	p := newTestProvisioner(t, srv, tools.ExecRunner{}, store)
	report, err := p.Provision(context.Background(), descriptors)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	if got := strings.Join(entryNames(report.Entries), ","); got != "3dstool,ctrtool,makerom" {
		t.Fatalf("unexpected directory contents: %s", got)
	}
	for _, e := range report.Entries {
		if !e.Executable {
			t.Fatalf("%s not executable: %s", e.Name, e.Mode)
		}
	}
	for _, tr := range report.Tools {
		if tr.ExitCode != 1 {
			t.Fatalf("%s: unexpected exit code %d", tr.ID, tr.ExitCode)
		}
		if len(tr.HelpLines) != 2 || !strings.HasPrefix(tr.HelpLines[0], tr.ID+" usage:") {
			t.Fatalf("%s: unexpected help lines %q", tr.ID, tr.HelpLines)
		}
		rec, err := store.Get(tr.ID)
		if err != nil {
			t.Fatalf("%s: ledger get: %v", tr.ID, err)
		}
		if rec.SHA256 != tr.SHA256 || rec.RunID != report.RunID || rec.Path != tr.Path {
			t.Fatalf("%s: ledger mismatch %+v vs %+v", tr.ID, rec, tr)
		}
	}
	makerom, _ := store.Get("makerom")
	if makerom.ArtifactSHA256 == makerom.SHA256 {
		t.Fatalf("archive digest should differ from installed binary digest")
	}
}

func TestProvisionTwiceIsIdempotent(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	p := newTestProvisioner(t, srv, tools.ExecRunner{}, nil)

	first, err := p.Provision(context.Background(), descriptors)
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	second, err := p.Provision(context.Background(), descriptors)
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if first.RunID == second.RunID {
		t.Fatalf("expected distinct run ids")
	}
	if a, b := strings.Join(entryNames(first.Entries), ","), strings.Join(entryNames(second.Entries), ","); a != b || len(second.Entries) != 3 {
		t.Fatalf("directory changed across runs: %s vs %s", a, b)
	}
}

func TestProvisionContinuesAfterHTTPError(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	for i := range descriptors {
		if descriptors[i].ID == "ctrtool" {
			descriptors[i].URL = srv.URL + "/raw/missing"
		}
	}
	runner := &fakeRunner{}
	p := newTestProvisioner(t, srv, runner, nil)

	report, err := p.Provision(context.Background(), descriptors)
	if !errors.Is(err, fetch.ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "tool=ctrtool") {
		t.Fatalf("error missing tool context: %v", err)
	}
	if len(report.Tools) != 3 || len(report.Failed()) != 1 {
		t.Fatalf("expected all tools attempted with one failure: %+v", report.Tools)
	}
	if got := strings.Join(entryNames(report.Entries), ","); got != "3dstool,makerom" {
		t.Fatalf("unexpected directory contents: %s", got)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected smoke runs only for fetched tools, got %d", len(runner.commands))
	}
}

func TestProvisionFailFastStops(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	descriptors[0].URL = srv.URL + "/nowhere"
	p := newTestProvisioner(t, srv, &fakeRunner{}, nil)
	p.failFast = true

	report, err := p.Provision(context.Background(), descriptors)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(report.Tools) != 1 {
		t.Fatalf("expected stop after first failure, got %d reports", len(report.Tools))
	}
}

func TestProvisionSignalIsCrash(t *testing.T) {
	testlog.Start(t)
	scripts := defaultScripts()
	scripts["ctrtool"] = "#!/bin/sh\nkill -SEGV $$\n"
	srv, descriptors := artifactServer(t, scripts)
	p := newTestProvisioner(t, srv, tools.ExecRunner{}, nil)

	report, err := p.Provision(context.Background(), descriptors)
	if !errors.Is(err, ErrSmokeCrashed) || !errors.Is(err, tools.ErrSignaled) {
		t.Fatalf("expected crash error, got %v", err)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].ID != "ctrtool" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestProvisionChecksumMismatchLeavesNoFile(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	for i := range descriptors {
		if descriptors[i].ID == "ctrtool" {
			descriptors[i].SHA256 = strings.Repeat("0", 64)
		}
	}
	p := newTestProvisioner(t, srv, &fakeRunner{}, nil)

	report, err := p.Provision(context.Background(), descriptors)
	if !errors.Is(err, fetch.ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	for _, e := range report.Entries {
		if e.Name == "ctrtool" || strings.HasPrefix(e.Name, ".") {
			t.Fatalf("unexpected leftover entry %q", e.Name)
		}
	}
}

func TestVerifyMissingAndNotExecutable(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "makerom"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "3dstool"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	runner := &fakeRunner{}
	p, err := New(Config{Dir: dir, Runner: runner})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := p.Verify(context.Background(), catalog.Defaults())
	if !errors.Is(err, ErrNotInstalled) || !errors.Is(err, ErrNotExecutable) {
		t.Fatalf("expected missing and not-executable errors, got %v", err)
	}
	if len(report.Failed()) != 2 {
		t.Fatalf("unexpected failures: %+v", report.Failed())
	}
	if len(runner.commands) != 1 || runner.commands[0][0] != filepath.Join(dir, "3dstool") || runner.commands[0][1] != "--help" {
		t.Fatalf("unexpected smoke commands: %v", runner.commands)
	}
}

func TestSmokeOutputSelection(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{results: []fakeRunResult{
		{stderr: []byte("\nline one\nline two\nline three\n"), exitCode: 2, err: errors.New("exit status 2")},
	}}
	p, err := New(Config{Dir: t.TempDir(), Runner: runner, HelpLines: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	code, lines, err := p.smoke(context.Background(), catalog.Descriptor{ID: "makerom", HelpArg: "-h"}, "/bin/makerom")
	if err != nil {
		t.Fatalf("non-zero exit should be tolerated: %v", err)
	}
	if code != 2 || strings.Join(lines, "|") != "line one|line two" {
		t.Fatalf("unexpected smoke output code=%d lines=%q", code, lines)
	}
	if got := strings.Join(runner.commands[0], " "); got != "/bin/makerom -h" {
		t.Fatalf("unexpected command: %q", got)
	}
}

func TestSmokeNotRunnable(t *testing.T) {
	testlog.Start(t)
	runner := &fakeRunner{results: []fakeRunResult{
		{exitCode: tools.ExitNotRunnable, err: fmt.Errorf("%w: exec format error", tools.ErrNotStarted)},
	}}
	p, err := New(Config{Dir: t.TempDir(), Runner: runner})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := p.smoke(context.Background(), catalog.CTRTool(), "/bin/ctrtool"); !errors.Is(err, ErrSmokeNotRunnable) {
		t.Fatalf("expected ErrSmokeNotRunnable, got %v", err)
	}
}

func TestSmokeToleratesSelfReportedExit127(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "ctrtool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho 'tool usage'\nexit 127\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	p, err := New(Config{Dir: dir, Runner: tools.ExecRunner{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	code, lines, err := p.smoke(context.Background(), catalog.CTRTool(), path)
	if err != nil {
		t.Fatalf("exit 127 after starting should be tolerated: %v", err)
	}
	if code != 127 || strings.Join(lines, "|") != "tool usage" {
		t.Fatalf("unexpected smoke result code=%d lines=%q", code, lines)
	}
}

func TestProvisionStopsWhenCancelled(t *testing.T) {
	testlog.Start(t)
	srv, descriptors := artifactServer(t, defaultScripts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{onRun: cancel}
	p := newTestProvisioner(t, srv, runner, nil)

	report, err := p.Provision(ctx, descriptors)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runner.commands) != 1 || len(report.Tools) != 1 {
		t.Fatalf("expected one attempted tool, got commands=%d tools=%d", len(runner.commands), len(report.Tools))
	}
	if _, statErr := os.Stat(filepath.Join(p.Dir(), descriptors[len(descriptors)-1].FileName)); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("later tool should not be installed: %v", statErr)
	}
}

func TestHeadLinesTruncatesOverlongLine(t *testing.T) {
	out := append([]byte("usage: tool\n"), bytes.Repeat([]byte("x"), maxHelpLineBytes+10)...)
	lines := headLines(out, 3)
	if len(lines) != 2 || lines[0] != "usage: tool" {
		t.Fatalf("unexpected lines: %d %q", len(lines), lines[0])
	}
	if want := strings.Repeat("x", helpPrefixBytes) + truncatedEllipsis; lines[1] != want {
		t.Fatalf("unexpected truncated line: len=%d", len(lines[1]))
	}

	lines = headLines(bytes.Repeat([]byte{0xff}, maxHelpLineBytes+1), 5)
	if len(lines) != 1 || !strings.HasSuffix(lines[0], truncatedEllipsis) {
		t.Fatalf("binary output should yield one truncated line, got %d", len(lines))
	}
}

func TestSmokeTimeout(t *testing.T) {
	testlog.Start(t)
	p, err := New(Config{Dir: t.TempDir(), Runner: &fakeRunner{block: true}, SmokeTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := p.smoke(context.Background(), catalog.MakeROM(), "/bin/makerom"); !errors.Is(err, ErrSmokeTimeout) {
		t.Fatalf("expected ErrSmokeTimeout, got %v", err)
	}
}

func TestNewRejectsEmptyDirAndFileDir(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{Dir: " "}); !errors.Is(err, ErrInvalidDir) {
		t.Fatalf("expected ErrInvalidDir, got %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := New(Config{Dir: file, Runner: &fakeRunner{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.Provision(context.Background(), nil); !errors.Is(err, ErrInvalidDir) {
		t.Fatalf("expected ErrInvalidDir for file target, got %v", err)
	}
}

func TestResolvePathSandbox(t *testing.T) {
	testlog.Start(t)
	p, err := New(Config{Dir: t.TempDir(), Runner: &fakeRunner{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, name := range []string{"", "../escape", "bin/ctrtool", ".."} {
		if _, err := p.resolvePath(name); !errors.Is(err, ErrSandboxViolation) {
			t.Fatalf("%q: expected ErrSandboxViolation, got %v", name, err)
		}
	}
}

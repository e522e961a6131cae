package catalog

import (
	"errors"
	"testing"

	"github.com/danmuck/ctrtools/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestDefaultsRegister(t *testing.T) {
	testlog.Start(t)
	r, err := NewRegistryFrom(Defaults())
	if err != nil {
		t.Fatalf("register defaults: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("unexpected default count: %d", r.Len())
	}

	var ids []string
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]string{"3dstool", "ctrtool", "makerom"}, ids); diff != "" {
		t.Fatalf("unexpected id order (-want +got):\n%s", diff)
	}
	files := r.FileNames()
	for _, name := range []string{"ctrtool", "makerom", "3dstool"} {
		if _, ok := files[name]; !ok {
			t.Fatalf("missing file name %q in %v", name, files)
		}
	}
}

func TestRegisterDuplicateIDAndFile(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	base := Descriptor{ID: "ctrtool", URL: "https://example.com/ctrtool"}
	if err := r.Register(base); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(base); !errors.Is(err, ErrToolExists) {
		t.Fatalf("expected ErrToolExists, got %v", err)
	}
	clash := Descriptor{ID: "ctrtool-alt", URL: "https://example.com/alt", FileName: "ctrtool"}
	if err := r.Register(clash); !errors.Is(err, ErrFileConflict) {
		t.Fatalf("expected ErrFileConflict, got %v", err)
	}
}

func TestRegisterNormalizesDefaults(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	if err := r.Register(Descriptor{ID: " makerom ", URL: " https://example.com/makerom ", Archive: "TGZ", SHA256: "  "}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Resolve("makerom")
	if !ok {
		t.Fatalf("resolve failed")
	}
	want := Descriptor{
		ID:       "makerom",
		Name:     "makerom",
		URL:      "https://example.com/makerom",
		FileName: "makerom",
		Archive:  ArchiveTarGz,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected descriptor (-want +got):\n%s", diff)
	}
	if got.SmokeArg() != "--help" || got.ArchiveMember() != "makerom" {
		t.Fatalf("unexpected derived fields: arg=%q member=%q", got.SmokeArg(), got.ArchiveMember())
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]Descriptor{
		"bad id":          {ID: "CTR Tool", URL: "https://example.com/x"},
		"leading sep":     {ID: ".ctr", URL: "https://example.com/x"},
		"missing url":     {ID: "ctrtool"},
		"ftp url":         {ID: "ctrtool", URL: "ftp://example.com/x"},
		"nested file":     {ID: "ctrtool", URL: "https://example.com/x", FileName: "bin/ctrtool"},
		"dotdot file":     {ID: "ctrtool", URL: "https://example.com/x", FileName: ".."},
		"bad version":     {ID: "ctrtool", URL: "https://example.com/x", Version: "latest"},
		"bad digest":      {ID: "ctrtool", URL: "https://example.com/x", SHA256: "abc"},
		"member no arch":  {ID: "ctrtool", URL: "https://example.com/x", Member: "ctrtool"},
		"member escapes":  {ID: "ctrtool", URL: "https://example.com/x", Archive: ArchiveZip, Member: "../ctrtool"},
		"unknown archive": {ID: "ctrtool", URL: "https://example.com/x", Archive: "rar"},
	}
	for name, d := range cases {
		if err := Validate(d.Normalize()); !errors.Is(err, ErrInvalidDescriptor) {
			t.Fatalf("%s: expected ErrInvalidDescriptor, got %v", name, err)
		}
	}
}

func TestSelectByGlob(t *testing.T) {
	testlog.Start(t)
	r, err := NewRegistryFrom(Defaults())
	if err != nil {
		t.Fatalf("register defaults: %v", err)
	}

	got, err := r.Select([]string{"*tool"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(got) != 2 || got[0].ID != "3dstool" || got[1].ID != "ctrtool" {
		t.Fatalf("unexpected selection: %+v", got)
	}

	all, err := r.Select(nil)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all tools, got %d err=%v", len(all), err)
	}

	if _, err := r.Select([]string{"nothing*"}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
	if _, err := r.Select([]string{"[abc"}); !errors.Is(err, ErrBadPattern) {
		t.Fatalf("expected ErrBadPattern, got %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	if CompareVersions("0.18.4", "v0.18.10") >= 0 {
		t.Fatalf("expected 0.18.4 < 0.18.10")
	}
	if CompareVersions("1.2.0", "v1.2.0") != 0 {
		t.Fatalf("expected prefix-insensitive equality")
	}
	if CanonicalVersion("") != "" {
		t.Fatalf("unset version should stay empty")
	}
	if CanonicalVersion("1.2") != "v1.2.0" {
		t.Fatalf("unexpected canonical version: %q", CanonicalVersion("1.2"))
	}
}

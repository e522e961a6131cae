package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
)

var ErrInvalidDescriptor = errors.New("catalog: invalid descriptor")

const DefaultHelpArg = "--help"

type ArchiveKind string

const (
	ArchiveNone  ArchiveKind = ""
	ArchiveZip   ArchiveKind = "zip"
	ArchiveTarGz ArchiveKind = "tar.gz"
)

// Descriptor names one downloadable tool and where it lands locally.
type Descriptor struct {
	ID       string
	Name     string
	URL      string
	FileName string
	HelpArg  string
	Version  string
	SHA256   string
	Archive  ArchiveKind
	// Member is the path inside Archive to install; empty means FileName.
	Member string
}

// ArchiveMember returns the archive entry that becomes FileName.
func (d Descriptor) ArchiveMember() string {
	if m := strings.TrimSpace(d.Member); m != "" {
		return m
	}
	return d.FileName
}

// SmokeArg returns the argument used for the post-install run.
func (d Descriptor) SmokeArg() string {
	if arg := strings.TrimSpace(d.HelpArg); arg != "" {
		return arg
	}
	return DefaultHelpArg
}

// Normalize trims fields and canonicalizes the archive kind and digest.
func (d Descriptor) Normalize() Descriptor {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.URL = strings.TrimSpace(d.URL)
	d.FileName = strings.TrimSpace(d.FileName)
	d.HelpArg = strings.TrimSpace(d.HelpArg)
	d.Version = strings.TrimSpace(d.Version)
	d.SHA256 = strings.ToLower(strings.TrimSpace(d.SHA256))
	d.Member = strings.TrimSpace(d.Member)
	switch strings.ToLower(strings.TrimSpace(string(d.Archive))) {
	case "", "none", "raw":
		d.Archive = ArchiveNone
	case "zip":
		d.Archive = ArchiveZip
	case "tar.gz", "tgz":
		d.Archive = ArchiveTarGz
	default:
		d.Archive = ArchiveKind(strings.ToLower(strings.TrimSpace(string(d.Archive))))
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.FileName == "" {
		d.FileName = d.ID
	}
	return d
}

// Validate checks a normalized descriptor.
func Validate(d Descriptor) error {
	if !isValidID(d.ID) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidDescriptor, d.ID)
	}
	if err := validateURL(d.URL); err != nil {
		return fmt.Errorf("%w: id=%s: %v", ErrInvalidDescriptor, d.ID, err)
	}
	if !isPlainFileName(d.FileName) {
		return fmt.Errorf("%w: id=%s: file name %q must be a plain base name", ErrInvalidDescriptor, d.ID, d.FileName)
	}
	if d.Version != "" && !semver.IsValid(canonicalVersion(d.Version)) {
		return fmt.Errorf("%w: id=%s: version %q is not semver", ErrInvalidDescriptor, d.ID, d.Version)
	}
	if d.SHA256 != "" && !isHexDigest(d.SHA256) {
		return fmt.Errorf("%w: id=%s: sha256 must be 64 hex characters", ErrInvalidDescriptor, d.ID)
	}
	switch d.Archive {
	case ArchiveNone:
		if d.Member != "" {
			return fmt.Errorf("%w: id=%s: member set without archive", ErrInvalidDescriptor, d.ID)
		}
	case ArchiveZip, ArchiveTarGz:
		if member := d.ArchiveMember(); strings.HasPrefix(member, "/") || containsDotDot(member) {
			return fmt.Errorf("%w: id=%s: archive member %q escapes archive root", ErrInvalidDescriptor, d.ID, member)
		}
	default:
		return fmt.Errorf("%w: id=%s: unsupported archive %q", ErrInvalidDescriptor, d.ID, d.Archive)
	}
	return nil
}

// CanonicalVersion returns v with a leading "v" as semver expects, or "" when unset.
func CanonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	return semver.Canonical(canonicalVersion(v))
}

// CompareVersions orders two descriptor versions; unset versions sort first.
func CompareVersions(a, b string) int {
	return semver.Compare(CanonicalVersion(a), CanonicalVersion(b))
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url parse error: %v", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("url %q must be http(s)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q missing host", raw)
	}
	return nil
}

func isPlainFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func containsDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}

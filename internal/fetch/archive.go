package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/danmuck/ctrtools/internal/catalog"
)

var (
	ErrArchiveMember      = errors.New("fetch: archive member not found")
	ErrUnsupportedArchive = errors.New("fetch: unsupported archive")
)

// ExtractMember copies one regular file out of the archive at archivePath into
// a new temp file under dir. A member without a slash also matches any entry
// with that base name, since release archives often nest a versioned folder.
func ExtractMember(archivePath string, kind catalog.ArchiveKind, member, dir, name string) (string, int64, error) {
	out, err := os.CreateTemp(dir, "."+name+".extract-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := out.Name()

	var n int64
	switch kind {
	case catalog.ArchiveZip:
		n, err = extractZip(archivePath, member, out)
	case catalog.ArchiveTarGz:
		n, err = extractTarGz(archivePath, member, out)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedArchive, kind)
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, err
	}
	return tmpPath, n, nil
}

func memberMatches(entry, member string) bool {
	entry = strings.TrimPrefix(path.Clean(strings.TrimPrefix(entry, "./")), "/")
	member = strings.TrimPrefix(path.Clean(strings.TrimPrefix(member, "./")), "/")
	if entry == member {
		return true
	}
	if !strings.Contains(member, "/") {
		return path.Base(entry) == member
	}
	return false
}

func extractZip(archivePath, member string, dst io.Writer) (int64, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !f.Mode().IsRegular() || !memberMatches(f.Name, member) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(dst, rc)
		rc.Close()
		return n, err
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrArchiveMember, member, path.Base(archivePath))
}

func extractTarGz(archivePath, member string, dst io.Writer) (int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		if !hdr.FileInfo().Mode().IsRegular() || !memberMatches(hdr.Name, member) {
			continue
		}
		return io.Copy(dst, tr)
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrArchiveMember, member, path.Base(archivePath))
}

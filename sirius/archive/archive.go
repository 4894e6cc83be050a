// Package archive unpacks uploaded source archives (zip, tar, tar.gz) into a
// task working directory. Entries that would escape the directory, links,
// and archives that expand past the configured limits are rejected.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsafePath is returned for absolute paths, parent traversal and links.
	ErrUnsafePath = errors.New("unsafe archive entry")
	// ErrTooLarge is returned when the archive exceeds the size or entry limits.
	ErrTooLarge = errors.New("archive exceeds unpack limits")
	// ErrUnsupported is returned for containers other than zip, tar and gzip'd tar.
	ErrUnsupported = errors.New("unsupported archive format")
)

// Limits bounds what one archive may expand to.
type Limits struct {
	MaxBytes int64
	MaxFiles int
}

// Stats describes an unpacked archive.
type Stats struct {
	Files int
	Bytes int64
}

type format int

const (
	formatUnknown format = iota
	formatZip
	formatTar
	formatGzip
)

func detect(header []byte) format {
	switch {
	case bytes.HasPrefix(header, []byte("PK\x03\x04")), bytes.HasPrefix(header, []byte("PK\x05\x06")):
		return formatZip
	case bytes.HasPrefix(header, []byte{0x1f, 0x8b}):
		return formatGzip
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return formatTar
	}
	return formatUnknown
}

// Unpack extracts the archive at src into dest, which is created if needed.
// On error dest may hold a partial tree; the caller owns its removal.
func Unpack(src, dest string, limits Limits) (Stats, error) {
	f, err := os.Open(src)
	if err != nil {
		return Stats{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Stats{}, fmt.Errorf("read archive header: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Stats{}, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Stats{}, fmt.Errorf("create work dir: %w", err)
	}
	u := &unpacker{dest: dest, limits: limits}

	switch detect(header[:n]) {
	case formatZip:
		info, err := f.Stat()
		if err != nil {
			return Stats{}, err
		}
		err = u.zip(f, info.Size())
		return u.stats, err
	case formatGzip:
		gz, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return Stats{}, fmt.Errorf("open gzip stream: %w", err)
		}
		defer gz.Close()
		err = u.tar(gz)
		return u.stats, err
	case formatTar:
		err := u.tar(f)
		return u.stats, err
	default:
		return Stats{}, ErrUnsupported
	}
}

type unpacker struct {
	dest   string
	limits Limits
	stats  Stats
}

// target resolves an entry name inside dest.
func (u *unpacker) target(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) || (len(name) > 1 && name[1] == ':') {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path traversal %q", ErrUnsafePath, name)
		}
	}
	path := filepath.Join(u.dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(u.dest, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal %q", ErrUnsafePath, name)
	}
	return path, nil
}

func (u *unpacker) countFile() error {
	u.stats.Files++
	if u.limits.MaxFiles > 0 && u.stats.Files > u.limits.MaxFiles {
		return fmt.Errorf("%w: more than %d entries", ErrTooLarge, u.limits.MaxFiles)
	}
	return nil
}

// write copies r to path, enforcing the byte budget on actual decompressed
// bytes rather than on declared sizes.
func (u *unpacker) write(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	budget := int64(1<<62 - 1)
	if u.limits.MaxBytes > 0 {
		budget = u.limits.MaxBytes - u.stats.Bytes
	}
	n, err := io.Copy(out, io.LimitReader(r, budget+1))
	u.stats.Bytes += n
	if err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	if n > budget {
		return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, u.limits.MaxBytes)
	}
	return nil
}

func (u *unpacker) zip(r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("read zip: %w", err)
	}
	for _, f := range zr.File {
		path, err := u.target(f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: symlink %q", ErrUnsafePath, f.Name)
		case mode.IsDir():
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("%w: special file %q", ErrUnsafePath, f.Name)
		}
		if err := u.countFile(); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		err = u.write(path, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *unpacker) tar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}
		path, err := u.target(hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := u.countFile(); err != nil {
				return err
			}
			if err := u.write(path, tr); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: link %q", ErrUnsafePath, hdr.Name)
		default:
			return fmt.Errorf("%w: special file %q", ErrUnsafePath, hdr.Name)
		}
	}
}

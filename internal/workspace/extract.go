package workspace

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var ErrConstraintViolation = errors.New("archive violates extraction constraints")

// ArchiveKind identifies an archive format.
type ArchiveKind string

const (
	ArchiveZip ArchiveKind = "zip"
	ArchiveTar ArchiveKind = "tar"
)

// Constraints bound what an archive may expand to.
type Constraints struct {
	MaxBytes   int64
	MaxEntries int
	MaxDepth   int
	Timeout    time.Duration
}

// DefaultConstraints are used when no configuration overrides them.
var DefaultConstraints = Constraints{
	MaxBytes:   512 * 1024 * 1024,
	MaxEntries: 100000,
	MaxDepth:   32,
	Timeout:    5 * time.Minute,
}

// ExtractionResult describes a finished extraction.
type ExtractionResult struct {
	ExtractedFiles int
	Target         string
}

// Extractor unpacks an archive into target.
type Extractor interface {
	Extract(ctx context.Context, kind ArchiveKind, r io.Reader, target string, c Constraints) (ExtractionResult, error)
}

// ArchiveExtractor extracts zip and tar archives. Extraction happens in a
// staging folder next to target that is renamed into place only when every
// entry passed the constraints; on failure target is left untouched.
type ArchiveExtractor struct{}

func (ArchiveExtractor) Extract(ctx context.Context, kind ArchiveKind, r io.Reader, target string, c Constraints) (ExtractionResult, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return ExtractionResult{}, fmt.Errorf("create extraction parent: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("create staging folder: %w", err)
	}
	defer os.RemoveAll(staging)

	w := &entryWriter{ctx: ctx, root: staging, c: c}
	switch kind {
	case ArchiveZip:
		err = w.zip(r)
	case ArchiveTar:
		err = w.tar(r)
	default:
		err = fmt.Errorf("unsupported archive kind %q", kind)
	}
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return ExtractionResult{}, fmt.Errorf("%w: extraction exceeded %s", ErrConstraintViolation, c.Timeout)
		}
		return ExtractionResult{}, err
	}

	if err := os.RemoveAll(target); err != nil {
		return ExtractionResult{}, fmt.Errorf("clear extraction target: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return ExtractionResult{}, fmt.Errorf("move extracted files into place: %w", err)
	}
	return ExtractionResult{ExtractedFiles: w.files, Target: target}, nil
}

type entryWriter struct {
	ctx     context.Context
	root    string
	c       Constraints
	entries int
	files   int
	written int64
}

func (w *entryWriter) zip(r io.Reader) error {
	ra, size, cleanup, err := readerAt(r, w.root)
	if err != nil {
		return err
	}
	defer cleanup()

	zr, err := zip.NewReader(ra, size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	if w.c.MaxEntries > 0 && len(zr.File) > w.c.MaxEntries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrConstraintViolation, len(zr.File), w.c.MaxEntries)
	}
	for _, f := range zr.File {
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			continue
		}
		if err := w.entry(f.Name, f.FileInfo().IsDir(), func() (io.ReadCloser, error) { return f.Open() }); err != nil {
			return err
		}
	}
	return nil
}

func (w *entryWriter) tar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
		if err != nil {
			return fmt.Errorf("read tar archive: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = w.entry(hdr.Name, true, nil)
		case tar.TypeReg:
			err = w.entry(hdr.Name, false, func() (io.ReadCloser, error) { return io.NopCloser(tr), nil })
		default:
			// Links and devices are never extracted.
			continue
		}
		if err != nil {
			return err
		}
	}
}

func (w *entryWriter) entry(name string, dir bool, open func() (io.ReadCloser, error)) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.entries++
	if w.c.MaxEntries > 0 && w.entries > w.c.MaxEntries {
		return fmt.Errorf("%w: more than %d entries", ErrConstraintViolation, w.c.MaxEntries)
	}

	rel, err := safeRelativePath(name, w.c.MaxDepth)
	if err != nil {
		return err
	}
	if rel == "" {
		return nil
	}
	dest := filepath.Join(w.root, rel)

	if dir {
		return os.MkdirAll(dest, 0o750)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("create folder for %s: %w", rel, err)
	}

	src, err := open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", rel, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	n, copyErr := io.Copy(out, w.limit(src))
	closeErr := out.Close()
	w.written += n
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", rel, closeErr)
	}
	w.files++
	return nil
}

// limit caps src at the bytes still allowed and fails once more are read.
func (w *entryWriter) limit(src io.Reader) io.Reader {
	if w.c.MaxBytes <= 0 {
		return &ctxReader{ctx: w.ctx, r: src}
	}
	return &limitedReader{ctx: w.ctx, r: src, remaining: w.c.MaxBytes - w.written, max: w.c.MaxBytes}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type limitedReader struct {
	ctx       context.Context
	r         io.Reader
	remaining int64
	max       int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	if l.remaining <= 0 {
		// Probe for one more byte to tell an exact fit from an overflow.
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			return 0, fmt.Errorf("%w: uncompressed size exceeds %d bytes", ErrConstraintViolation, l.max)
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// safeRelativePath cleans an archive entry name. Absolute names, names
// escaping the root and names nested deeper than maxDepth are rejected.
func safeRelativePath(name string, maxDepth int) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrConstraintViolation, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path %q leaves the target folder", ErrConstraintViolation, name)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	if depth := strings.Count(cleaned, "/") + 1; maxDepth > 0 && depth > maxDepth {
		return "", fmt.Errorf("%w: path %q has depth %d, limit %d", ErrConstraintViolation, name, depth, maxDepth)
	}
	return filepath.FromSlash(cleaned), nil
}

// readerAt returns r as an io.ReaderAt. Files are used directly; other
// readers are spooled to a temp file in dir.
func readerAt(r io.Reader, dir string) (io.ReaderAt, int64, func(), error) {
	if f, ok := r.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return nil, 0, nil, fmt.Errorf("stat archive: %w", err)
		}
		return f, info.Size(), func() {}, nil
	}

	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("spool archive: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("spool archive: %w", err)
	}
	return tmp, size, cleanup, nil
}

// Package workspace prepares the local folder a product runs in: it imports
// the uploaded archives a job needs and extracts them under safety limits.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/artifact"
	"github.com/kiranshivaraju/pds/internal/product"
	"github.com/kiranshivaraju/pds/internal/retry"
	"github.com/kiranshivaraju/pds/pkg/models"
)

var ErrInvalidFileName = errors.New("invalid file name")

const (
	SourceArchiveName = "sourcecode.zip"
	BinaryArchiveName = "binaries.tar"

	maxFileNameLength = 100
)

var fileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateFileName rejects upload names that are too long or contain
// anything but letters, digits, dot, underscore and dash.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFileName)
	}
	if len(name) > maxFileNameLength {
		return fmt.Errorf("%w: %d characters, limit %d", ErrInvalidFileName, len(name), maxFileNameLength)
	}
	if !fileNamePattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q contains characters outside [A-Za-z0-9._-]", ErrInvalidFileName, name)
	}
	return nil
}

// Layout holds the paths of one job workspace.
type Layout struct {
	Root           string
	UploadFolder   string
	SourceFolder   string
	BinaryFolder   string
	ResultFile     string
	MessagesFolder string
	MetaDataFile   string
}

// Preparer builds job workspaces under a root folder.
type Preparer struct {
	root        string
	artifacts   artifact.Store
	catalogue   product.Catalogue
	extractor   Extractor
	reads       *retry.Executor
	constraints Constraints
}

// PreparerOption customizes a Preparer.
type PreparerOption func(*Preparer)

func WithExtractor(e Extractor) PreparerOption {
	return func(p *Preparer) { p.extractor = e }
}

func WithConstraints(c Constraints) PreparerOption {
	return func(p *Preparer) { p.constraints = c }
}

// WithReadRetry sets the executor used for artifact store reads.
func WithReadRetry(e *retry.Executor) PreparerOption {
	return func(p *Preparer) { p.reads = e }
}

// NewPreparer creates a Preparer with workspaces under root.
func NewPreparer(root string, artifacts artifact.Store, catalogue product.Catalogue, opts ...PreparerOption) *Preparer {
	p := &Preparer{
		root:        root,
		artifacts:   artifacts,
		catalogue:   catalogue,
		extractor:   ArchiveExtractor{},
		reads:       NewReadRetryExecutor(5, 0),
		constraints: DefaultConstraints,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewReadRetryExecutor retries every artifact store failure except a missing
// artifact or a canceled context.
func NewReadRetryExecutor(maxRetries int, delay time.Duration) *retry.Executor {
	return retry.NewExecutor(
		retry.WithMaxRetries(maxRetries),
		retry.WithDelay(delay),
		retry.WithRetryable(func(err error) bool {
			return !errors.Is(err, artifact.ErrNotFound) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
	)
}

// Layout returns the folder layout of jobID's workspace.
func (p *Preparer) Layout(jobID uuid.UUID) Layout {
	root := filepath.Join(p.root, jobID.String())
	return Layout{
		Root:           root,
		UploadFolder:   filepath.Join(root, "upload"),
		SourceFolder:   filepath.Join(root, "upload", "unzipped", "sourcecode"),
		BinaryFolder:   filepath.Join(root, "upload", "extracted", "binaries"),
		ResultFile:     filepath.Join(root, "output", "result.txt"),
		MessagesFolder: filepath.Join(root, "output", "messages"),
		MetaDataFile:   filepath.Join(root, "output", "metadata.txt"),
	}
}

// AcceptedData reports which payload kinds a job needs. A product's accepted
// kinds are narrowed to those the upstream model references for the product's
// scan type; without a model nothing is narrowed.
func AcceptedData(setup *models.ProductSetup, cfg *models.JobConfiguration) (source, binary bool) {
	for _, dt := range setup.AcceptedDataTypes {
		switch dt {
		case models.DataTypeSource:
			source = true
		case models.DataTypeBinary:
			binary = true
		}
	}
	if cfg.Model != nil {
		source = source && cfg.Model.References(setup.ScanType, models.DataTypeSource)
		binary = binary && cfg.Model.References(setup.ScanType, models.DataTypeBinary)
	}
	return source, binary
}

// PrepareWorkspace creates the workspace of jobID, imports and extracts the
// archives the product needs and writes metaData to the metadata file. It
// reports whether the product may be launched.
func (p *Preparer) PrepareWorkspace(ctx context.Context, jobID uuid.UUID, cfg *models.JobConfiguration, metaData string) (bool, error) {
	setup, ok := p.catalogue.ProductSetup(cfg.ProductID)
	if !ok {
		return false, fmt.Errorf("product %q is not supported by this server", cfg.ProductID)
	}
	layout := p.Layout(jobID)
	for _, dir := range []string{layout.UploadFolder, layout.MessagesFolder} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return false, fmt.Errorf("create workspace: %w", err)
		}
	}
	if metaData != "" {
		if err := os.WriteFile(layout.MetaDataFile, []byte(metaData), 0o640); err != nil {
			return false, fmt.Errorf("write workspace metadata: %w", err)
		}
	}

	source, binary := AcceptedData(setup, cfg)
	if !source && !binary {
		slog.InfoContext(ctx, "workspace needs no content", "job_id", jobID, "product_id", setup.ID)
		return true, nil
	}

	wanted := map[string]bool{SourceArchiveName: source, BinaryArchiveName: binary}
	if err := p.importArtifacts(ctx, jobID, layout, wanted); err != nil {
		return false, err
	}

	if source {
		if err := p.extract(ctx, ArchiveZip, filepath.Join(layout.UploadFolder, SourceArchiveName), layout.SourceFolder); err != nil {
			return false, err
		}
	}
	if binary {
		if err := p.extract(ctx, ArchiveTar, filepath.Join(layout.UploadFolder, BinaryArchiveName), layout.BinaryFolder); err != nil {
			return false, err
		}
	}

	executable := true
	for _, required := range []struct {
		needed bool
		dir    string
	}{{source, layout.SourceFolder}, {binary, layout.BinaryFolder}} {
		if !required.needed {
			continue
		}
		found, err := hasFiles(required.dir)
		if err != nil {
			return false, fmt.Errorf("inspect extracted content: %w", err)
		}
		if !found {
			executable = false
		}
	}
	// A product accepting NONE runs with whatever content was supplied.
	if acceptsNone(setup) {
		executable = true
	}
	slog.InfoContext(ctx, "workspace prepared",
		"job_id", jobID, "source", source, "binary", binary, "executable", executable)
	return executable, nil
}

func acceptsNone(setup *models.ProductSetup) bool {
	return slices.Contains(setup.AcceptedDataTypes, models.DataTypeNone)
}

// Cleanup removes the workspace of jobID.
func (p *Preparer) Cleanup(jobID uuid.UUID) error {
	return os.RemoveAll(p.Layout(jobID).Root)
}

func (p *Preparer) importArtifacts(ctx context.Context, jobID uuid.UUID, layout Layout, wanted map[string]bool) error {
	names, err := retry.Execute(ctx, p.reads, "list job artifacts", func(ctx context.Context) ([]string, error) {
		return p.artifacts.ListNames(ctx, jobID)
	})
	if err != nil {
		return fmt.Errorf("list artifacts of job %s: %w", jobID, err)
	}

	for _, name := range names {
		if !wanted[name] {
			continue
		}
		dest := filepath.Join(layout.UploadFolder, name)
		err := retry.Run(ctx, p.reads, "import artifact "+name, func(ctx context.Context) error {
			return p.copyArtifact(ctx, jobID, name, dest)
		})
		if err != nil {
			return fmt.Errorf("import %s of job %s: %w", name, jobID, err)
		}
		slog.DebugContext(ctx, "artifact imported", "job_id", jobID, "name", name)
	}
	return nil
}

func (p *Preparer) copyArtifact(ctx context.Context, jobID uuid.UUID, name, dest string) error {
	src, err := p.artifacts.Fetch(ctx, jobID, name)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Preparer) extract(ctx context.Context, kind ArchiveKind, archive, target string) error {
	f, err := os.Open(archive)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(archive), err)
	}
	res, err := p.extractor.Extract(ctx, kind, f, target, p.constraints)
	f.Close()
	if err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
	}
	if err := os.Remove(archive); err != nil {
		return fmt.Errorf("remove extracted archive: %w", err)
	}
	slog.DebugContext(ctx, "archive extracted", "archive", filepath.Base(archive), "files", res.ExtractedFiles)
	return nil
}

// hasFiles reports whether dir holds at least one non-directory entry. A
// missing dir holds nothing.
func hasFiles(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return found, err
}

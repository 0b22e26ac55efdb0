package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pds/internal/artifact"
	"github.com/kiranshivaraju/pds/internal/job"
	pdslog "github.com/kiranshivaraju/pds/internal/log"
	"github.com/kiranshivaraju/pds/internal/product"
	"github.com/kiranshivaraju/pds/internal/stream"
	"github.com/kiranshivaraju/pds/internal/workspace"
	"github.com/kiranshivaraju/pds/pkg/models"
)

// ErrJobTimeout is the cancel cause of a job that ran longer than allowed.
var ErrJobTimeout = errors.New("job exceeded its execution timeout")

const defaultWatchInterval = 500 * time.Millisecond

// Runner executes one claimed job: it prepares the workspace, launches the
// product and records the outcome.
type Runner struct {
	jobs      *job.Service
	tx        *job.TransactionService
	streams   *stream.UpdateService
	preparer  *workspace.Preparer
	catalogue product.Catalogue
	artifacts artifact.Store
	registry  *Registry

	timeout       time.Duration
	watchInterval time.Duration
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithJobTimeout bounds product execution. Zero means no limit.
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithWatchInterval sets how often a running job is checked for cancel and
// refresh requests.
func WithWatchInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.watchInterval = d }
}

// NewRunner creates a Runner. Zero options mean no job timeout.
func NewRunner(
	jobs *job.Service,
	tx *job.TransactionService,
	streams *stream.UpdateService,
	preparer *workspace.Preparer,
	catalogue product.Catalogue,
	artifacts artifact.Store,
	registry *Registry,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		jobs:          jobs,
		tx:            tx,
		streams:       streams,
		preparer:      preparer,
		catalogue:     catalogue,
		artifacts:     artifacts,
		registry:      registry,
		watchInterval: defaultWatchInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes j until it finishes, fails or is canceled. It never returns an
// error; every failure ends up in the job's state and result.
func (r *Runner) Run(ctx context.Context, j *models.Job) {
	ctx = pdslog.WithJob(ctx, j.ID.String())
	// Final writes must survive shutdown of the parent context.
	writeCtx := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := r.registry.Register(j.ID, cancel); err != nil {
		slog.ErrorContext(ctx, "cannot register job", "error", err)
		return
	}
	defer r.registry.Unregister(j.ID)

	// Until the job is RUNNING it still belongs to the queue: give it back
	// instead of leaving it QUEUED.
	if ctx.Err() != nil {
		slog.InfoContext(ctx, "shutting down, releasing claimed job")
		r.release(writeCtx, j.ID)
		return
	}
	if _, err := r.tx.MarkRunning(writeCtx, j.ID); err != nil {
		slog.ErrorContext(ctx, "cannot mark job running, releasing claim", "error", err)
		r.release(writeCtx, j.ID)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "job execution panicked", "panic", rec)
			r.fail(writeCtx, j.ID, fmt.Sprintf("internal error: %v", rec))
		}
		r.cleanup(writeCtx, j.ID)
	}()

	cfg, err := r.jobs.Configuration(j)
	if err != nil {
		r.fail(writeCtx, j.ID, err.Error())
		return
	}
	setup, ok := r.catalogue.ProductSetup(cfg.ProductID)
	if !ok {
		r.fail(writeCtx, j.ID, fmt.Sprintf("product %q is not supported by this server", cfg.ProductID))
		return
	}

	executable, err := r.preparer.PrepareWorkspace(runCtx, j.ID, cfg, j.MetaDataText)
	if err != nil {
		r.finishInterrupted(writeCtx, runCtx, j.ID, fmt.Sprintf("workspace preparation failed: %v", err))
		return
	}
	if !executable {
		r.fail(writeCtx, j.ID, "workspace is not executable: required source or binary content is missing")
		return
	}

	if r.timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, r.timeout, ErrJobTimeout)
		defer stop()
	}

	layout := r.preparer.Layout(j.ID)
	exitErr := r.launch(runCtx, j.ID, setup, cfg, layout)

	r.pushStreams(writeCtx, j.ID, layout)
	r.storeMessages(writeCtx, j.ID, layout)

	if runCtx.Err() != nil {
		r.finishInterrupted(writeCtx, runCtx, j.ID, "product was interrupted")
		return
	}
	result := readFileOrEmpty(layout.ResultFile)
	if exitErr != nil {
		if result == "" {
			result = fmt.Sprintf("product failed: %v", exitErr)
		}
		r.fail(writeCtx, j.ID, result)
		return
	}
	if err := r.tx.MarkDone(writeCtx, j.ID, result); err != nil {
		slog.ErrorContext(ctx, "cannot mark job done", "error", err)
		return
	}
	slog.InfoContext(ctx, "job done")
}

// launch starts the product and watches the job until the process exits.
func (r *Runner) launch(ctx context.Context, id uuid.UUID, setup *models.ProductSetup, cfg *models.JobConfiguration, layout workspace.Layout) error {
	stdout, err := os.Create(outputLog(layout))
	if err != nil {
		return fmt.Errorf("create output log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(errorLog(layout))
	if err != nil {
		return fmt.Errorf("create error log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, setup.Path)
	cmd.Dir = layout.Root
	cmd.Env = productEnv(cfg, layout)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	slog.InfoContext(ctx, "launching product", "product_id", setup.ID, "path", setup.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start product: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(r.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			r.watch(ctx, id, layout)
		}
	}
}

// watch reacts to cancel requests and stream refresh requests of a running job.
func (r *Runner) watch(ctx context.Context, id uuid.UUID, layout workspace.Layout) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "cannot load running job", "error", err)
		return
	}
	if j.State == models.JobStateCancelRequested {
		if outcome := r.registry.TryCancel(ctx, id); outcome == CancelOutcomeCanceledNow {
			slog.InfoContext(ctx, "cancel request observed, stopping product")
		}
		return
	}
	requested, err := r.streams.RefreshRequested(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "cannot check stream refresh request", "error", err)
		return
	}
	if requested {
		r.pushStreams(ctx, id, layout)
	}
}

func (r *Runner) pushStreams(ctx context.Context, id uuid.UUID, layout workspace.Layout) {
	if err := r.streams.UpdateMetaData(ctx, id, readFileOrEmpty(layout.MetaDataFile)); err != nil {
		slog.WarnContext(ctx, "cannot store job meta data", "error", err)
	}
	// Stream content last: its update time answers the refresh request.
	if err := r.streams.UpdateStreamContent(ctx, id, readFileOrEmpty(outputLog(layout)), readFileOrEmpty(errorLog(layout))); err != nil {
		slog.WarnContext(ctx, "cannot store job stream content", "error", err)
	}
}

func (r *Runner) storeMessages(ctx context.Context, id uuid.UUID, layout workspace.Layout) {
	list, err := ReadMessages(layout.MessagesFolder)
	if err != nil {
		slog.WarnContext(ctx, "cannot read product messages", "error", err)
	}
	if len(list.Messages) == 0 {
		return
	}
	if err := r.tx.UpdateMessages(ctx, id, list); err != nil {
		slog.WarnContext(ctx, "cannot store job messages", "error", err)
	}
}

// finishInterrupted records why runCtx stopped the job.
func (r *Runner) finishInterrupted(writeCtx, runCtx context.Context, id uuid.UUID, reason string) {
	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, ErrCancelRequested):
		if err := r.tx.MarkCanceled(writeCtx, id); err != nil {
			slog.WarnContext(writeCtx, "cannot mark job canceled, forcing", "error", err)
			if err := r.tx.ForceCancel(writeCtx, id); err != nil {
				slog.ErrorContext(writeCtx, "cannot force cancel job", "error", err)
				return
			}
		}
		slog.InfoContext(writeCtx, "job canceled")
	case errors.Is(cause, ErrJobTimeout):
		r.fail(writeCtx, id, fmt.Sprintf("%s after %s", ErrJobTimeout, r.timeout))
	case cause != nil:
		r.fail(writeCtx, id, fmt.Sprintf("%s: %v", reason, cause))
	default:
		r.fail(writeCtx, id, reason)
	}
}

func (r *Runner) release(ctx context.Context, id uuid.UUID) {
	if err := r.tx.ReleaseClaim(ctx, id); err != nil {
		slog.ErrorContext(ctx, "cannot release job claim", "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, id uuid.UUID, result string) {
	slog.WarnContext(ctx, "job failed", "reason", result)
	if err := r.tx.MarkFailed(ctx, id, result); err != nil {
		slog.ErrorContext(ctx, "cannot mark job failed", "error", err)
	}
}

func (r *Runner) cleanup(ctx context.Context, id uuid.UUID) {
	if err := r.preparer.Cleanup(id); err != nil {
		slog.WarnContext(ctx, "cannot remove workspace", "error", err)
	}
	if err := r.artifacts.DeleteAll(ctx, id); err != nil {
		slog.WarnContext(ctx, "cannot remove stored artifacts", "error", err)
	}
}

// ReadMessages loads the JSON message files a product wrote into dir, in
// file name order. Unreadable files are skipped and reported in the error.
func ReadMessages(dir string) (models.MessageList, error) {
	list := models.MessageList{Messages: []models.Message{}}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return list, nil
	}
	if err != nil {
		return list, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			errs = append(errs, fmt.Errorf("message file %s: %w", name, err))
			continue
		}
		if msg.Type == "" {
			msg.Type = models.MessageTypeInfo
		}
		list.Messages = append(list.Messages, msg)
	}
	return list, errors.Join(errs...)
}

func productEnv(cfg *models.JobConfiguration, layout workspace.Layout) []string {
	env := os.Environ()
	env = append(env,
		"PDS_JOB_WORKSPACE_LOCATION="+layout.Root,
		"PDS_JOB_SOURCECODE_UNZIPPED_FOLDER="+layout.SourceFolder,
		"PDS_JOB_EXTRACTED_BINARIES_FOLDER="+layout.BinaryFolder,
		"PDS_JOB_RESULT_FILE="+layout.ResultFile,
		"PDS_JOB_USER_MESSAGES_FOLDER="+layout.MessagesFolder,
		"PDS_JOB_METADATA_FILE="+layout.MetaDataFile,
	)
	for _, p := range cfg.Parameters {
		env = append(env, ParameterEnvName(p.Key)+"="+p.Value)
	}
	return env
}

// ParameterEnvName converts a parameter key like "pds.scan.target" into the
// environment variable name PDS_SCAN_TARGET.
func ParameterEnvName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func outputLog(l workspace.Layout) string { return filepath.Join(l.Root, "output", "system-out.log") }
func errorLog(l workspace.Layout) string  { return filepath.Join(l.Root, "output", "system-err.log") }

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

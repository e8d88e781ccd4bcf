// Package harness orchestrates one registration job end to end: decode the
// composite argument, load the stack, align it with the fixed parameter
// set, persist the aligned TIFF with idempotent overwrite, capture the
// execution log, and finish through a guaranteed shutdown sequence.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"dhmreg/internal/raster"
	"dhmreg/internal/register"
	"dhmreg/internal/storage"
)

// jobSpecDelimiter joins the three path fields of the composite argument.
// Paths must not contain it.
const jobSpecDelimiter = "?"

// sinkSentinel is what lands at the log path when the sink itself is gone,
// so the audit trail at least names the condition.
const sinkSentinel = "ERROR: log sink unavailable; execution log could not be captured\n"

// Job is one unit of work. Immutable once decoded.
type Job struct {
	InputPath  string
	OutputPath string
	LogPath    string
}

// ParseJobSpec decodes the single composite argument
// "<inputPath>?<outputPath>?<logPath>". Exactly three fields are required;
// fields are taken verbatim, with no trimming and no defaulting.
func ParseJobSpec(raw string) (Job, error) {
	parts := strings.Split(raw, jobSpecDelimiter)
	if len(parts) != 3 {
		return Job{}, errors.Wrapf(ErrMalformedArguments,
			"expected 3 fields separated by %q, got %d", jobSpecDelimiter, len(parts))
	}
	return Job{InputPath: parts[0], OutputPath: parts[1], LogPath: parts[2]}, nil
}

// Loader opens the source image with no implicit rescale.
type Loader interface {
	Load(path string) (*raster.Stack, error)
}

// Aligner is the external alignment collaborator: it replaces the stack's
// frames in place with an aligned set of identical bit depth and frame
// count, or fails.
type Aligner interface {
	Align(ctx context.Context, s *raster.Stack, p register.Params) error
}

// LogSink is the process-wide log capability the harness reads from. It
// never writes into the sink.
type LogSink interface {
	Available() bool
	ExtractAll() (string, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(path string) (*raster.Stack, error)

// Load implements Loader.
func (f LoaderFunc) Load(path string) (*raster.Stack, error) { return f(path) }

// Outcome is the terminal result of one job, consumed by the shutdown
// sequence to decide exit signaling.
type Outcome struct {
	Success    bool
	Err        error
	OutputPath string
	LogPath    string
}

// ExitCode maps the outcome onto the process exit status.
func (o Outcome) ExitCode() int {
	if o.Success {
		return 0
	}
	return 1
}

// Options configures a Harness. Zero-value fields get production defaults;
// tests substitute fakes for the loader, aligner and sink.
type Options struct {
	Loader    Loader
	Aligner   Aligner
	Sink      LogSink
	Store     *storage.Store
	Log       *slog.Logger
	Encode    func(*raster.Stack, string) error
	Terminate func(Outcome)
}

// Harness runs exactly one job per instance.
type Harness struct {
	loader    Loader
	aligner   Aligner
	sink      LogSink
	store     *storage.Store
	log       *slog.Logger
	encode    func(*raster.Stack, string) error
	terminate func(Outcome)

	stack        *raster.Stack
	shutdownOnce sync.Once
}

// New builds a harness. The alignment parameter set is not configurable:
// every job runs with register.DefaultParams.
func New(opts Options) *Harness {
	h := &Harness{
		loader:    opts.Loader,
		aligner:   opts.Aligner,
		sink:      opts.Sink,
		store:     opts.Store,
		log:       opts.Log,
		encode:    opts.Encode,
		terminate: opts.Terminate,
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.loader == nil {
		h.loader = LoaderFunc(raster.Load)
	}
	if h.aligner == nil {
		h.aligner = register.NewStackAligner(h.log)
	}
	if h.encode == nil {
		h.encode = raster.EncodeTIFF
	}
	if h.terminate == nil {
		h.terminate = func(Outcome) {}
	}
	return h
}

// Run executes one job and always finishes through the shutdown sequence,
// whatever branch the job takes.
func (h *Harness) Run(ctx context.Context, rawSpec string) (out Outcome) {
	defer func() { h.shutdown(out) }()
	out = h.execute(ctx, rawSpec)
	return out
}

func (h *Harness) execute(ctx context.Context, rawSpec string) Outcome {
	job, err := ParseJobSpec(rawSpec)
	if err != nil {
		// No paths are known, so no artifacts can be written.
		h.log.Error("argument decode failed", "error", err)
		return Outcome{Err: err}
	}

	runID := uuid.NewString()
	if err := h.store.RecordRunStarted(storage.RunRecord{
		ID:         runID,
		InputPath:  job.InputPath,
		OutputPath: job.OutputPath,
		LogPath:    job.LogPath,
	}); err != nil {
		h.log.Warn("run history unavailable", "error", err)
	}

	h.log.Info("job started", "input", job.InputPath, "output", job.OutputPath, "log", job.LogPath)

	stack, err := h.loader.Load(job.InputPath)
	if err != nil {
		return h.fail(runID, job, 0, 0, errors.Wrapf(ErrInputUnreadable, "%s: %v", job.InputPath, err))
	}
	h.stack = stack
	depth := stack.Depth
	frames := stack.FrameCount()
	h.log.Info("stack loaded", "frames", frames, "bit_depth", depth,
		"width", stack.Width, "height", stack.Height)

	params := register.DefaultParams()
	h.log.Info(params.Describe())
	if err := h.aligner.Align(ctx, stack, params); err != nil {
		return h.fail(runID, job, frames, depth, errors.Wrapf(ErrAlignmentFailed, "%v", err))
	}
	if stack.Depth != depth || stack.FrameCount() != frames {
		return h.fail(runID, job, frames, depth, errors.Wrapf(ErrAlignmentFailed,
			"aligner violated artifact contract: bit depth %d->%d, frames %d->%d",
			depth, stack.Depth, frames, stack.FrameCount()))
	}

	// The aligned stack is fully in memory, so deleting a pre-existing
	// output is safe even when the output path equals the input path.
	if err := removeIfExists(job.OutputPath); err != nil {
		return h.fail(runID, job, frames, depth, errors.Wrapf(ErrOutputWriteFailed,
			"delete stale output %s: %v", job.OutputPath, err))
	}
	if err := h.encode(stack, job.OutputPath); err != nil {
		return h.fail(runID, job, frames, depth, errors.Wrapf(ErrOutputWriteFailed, "%v", err))
	}
	h.log.Info("aligned stack written", "path", job.OutputPath)

	if err := h.captureLog(job.LogPath); err != nil {
		h.record(runID, "failed", err, frames, depth)
		return Outcome{Err: err, OutputPath: job.OutputPath, LogPath: job.LogPath}
	}

	h.record(runID, "done", nil, frames, depth)
	return Outcome{Success: true, OutputPath: job.OutputPath, LogPath: job.LogPath}
}

// fail routes a stage failure through log capture so a log artifact exists
// where possible, then records the run and hands the outcome to shutdown.
func (h *Harness) fail(runID string, job Job, frames int, depth uint, err error) Outcome {
	h.log.Error("job failed", "error", err)
	if job.LogPath != "" {
		if cerr := h.captureLog(job.LogPath); cerr != nil {
			h.log.Error("log capture failed", "error", cerr)
		}
	}
	h.record(runID, "failed", err, frames, depth)
	return Outcome{Err: err, LogPath: job.LogPath}
}

// captureLog persists the sink's accumulated text verbatim to path,
// overwriting prior content. An unavailable sink is unrecoverable: the
// only audit trail would be lost, so the condition is surfaced to the
// user and a sentinel marker is left in place of the log.
func (h *Harness) captureLog(path string) error {
	if h.sink == nil || !h.sink.Available() {
		h.escalateMissingSink(path)
		return ErrLogSinkUnavailable
	}
	text, err := h.sink.ExtractAll()
	if err != nil {
		h.escalateMissingSink(path)
		return errors.Wrapf(ErrLogSinkUnavailable, "extract log text: %v", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return errors.Wrapf(ErrOutputWriteFailed, "persist log to %s: %v", path, err)
	}
	return nil
}

func (h *Harness) escalateMissingSink(path string) {
	fmt.Fprintln(os.Stderr, "ERROR: log sink unavailable; the execution log cannot be captured")
	if path != "" {
		_ = os.WriteFile(path, []byte(sinkSentinel), 0o644)
	}
}

func (h *Harness) record(runID, status string, err error, frames int, depth uint) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if rerr := h.store.RecordRunFinished(runID, status, msg, frames, int(depth)); rerr != nil {
		h.log.Warn("run history update failed", "error", rerr)
	}
}

// shutdown runs the fixed release sequence exactly once per job and then
// issues the process-termination request. No other component touches
// process lifecycle.
func (h *Harness) shutdown(out Outcome) {
	h.shutdownOnce.Do(func() {
		if h.stack != nil {
			h.stack.Release()
			h.stack = nil
		}
		if err := h.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing run history: %v\n", err)
		}
		h.terminate(out)
	})
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Package executor drives one execution request end to end: resolve the
// environment, materialize a sandbox, relay live output as typed events,
// detect missing dependencies, and guarantee teardown on every exit path.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/runbox/internal/depdetect"
	"github.com/michaelbrown/runbox/internal/registry"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

const (
	workDir      = "/workspace"
	stdinFile    = ".stdin"
	maxCodeBytes = 1 << 20
	maxFiles     = 5

	// Only the tail of the output is kept for dependency detection; the
	// relevant traceback is always at the end.
	maxDetectBytes = 64 << 10
)

// Engine is the sandbox-manager surface the orchestrator drives.
// *sandbox.Manager satisfies it; tests use a fake.
type Engine interface {
	Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error)
	CopyFiles(ctx context.Context, h *sandbox.Handle, files []sandbox.File) error
	Run(ctx context.Context, h *sandbox.Handle) (<-chan sandbox.Chunk, <-chan sandbox.Result, error)
	Cancel(h *sandbox.Handle)
	Destroy(h *sandbox.Handle) error
}

// RequestFile is one extra file staged next to the entry file.
type RequestFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Request is one execution submission. Immutable once accepted.
type Request struct {
	Language           string        `json:"language"`
	Code               string        `json:"code"`
	Stdin              string        `json:"stdin,omitempty"`
	Files              []RequestFile `json:"files,omitempty"`
	PreinstallPackages []string      `json:"preinstall_packages,omitempty"`
}

// Defaults carries the resource policy applied to every sandbox.
type Defaults struct {
	MemoryBytes    int64
	CPUQuota       int64
	CPUPeriod      int64
	PidsLimit      int64
	Timeout        time.Duration
	InstallTimeout time.Duration
	// MaxConcurrent bounds simultaneously live sandboxes; zero means
	// unbounded.
	MaxConcurrent int64
}

// Orchestrator runs requests. Safe for concurrent use; every Execute call is
// an independent pipeline.
type Orchestrator struct {
	reg      *registry.Registry
	engine   Engine
	log      *zap.Logger
	defaults Defaults
	sem      *semaphore.Weighted
}

// New creates an orchestrator.
func New(reg *registry.Registry, engine Engine, log *zap.Logger, defaults Defaults) *Orchestrator {
	o := &Orchestrator{reg: reg, engine: engine, log: log, defaults: defaults}
	if defaults.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(defaults.MaxConcurrent)
	}
	return o
}

// Execute drives req to completion. The returned channel delivers events in
// emission order and closes after the terminal complete event. Cancelling ctx
// kills the running process and still yields a tagged complete event.
func (o *Orchestrator) Execute(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		o.execute(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) execute(ctx context.Context, req Request, out chan<- Event) {
	start := time.Now()
	emit := func(e Event) {
		e.Timestamp = time.Now().UTC()
		out <- e
	}
	fail := func(tag, msg string) {
		emit(statusEvent(msg))
		emit(completeEvent(false, time.Since(start), tag))
	}

	desc, err := o.reg.Resolve(req.Language)
	if err != nil {
		fail(TagValidation, fmt.Sprintf("unsupported language: %q", req.Language))
		return
	}
	if msg := validate(req, desc); msg != "" {
		fail(TagValidation, msg)
		return
	}

	// Markup environments render instead of executing; no sandbox at all.
	if desc.Preview {
		emit(Event{Kind: KindPreview, Content: req.Code})
		emit(completeEvent(true, time.Since(start), ""))
		return
	}

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			fail(TagCancelled, "cancelled while waiting for a sandbox slot")
			return
		}
		defer o.sem.Release(1)
	}

	if len(req.PreinstallPackages) > 0 {
		if ok, tag := o.runInstall(ctx, desc, req.PreinstallPackages, emit); !ok {
			emit(completeEvent(false, time.Since(start), tag))
			return
		}
	}

	o.runUserCode(ctx, desc, req, start, emit)
}

func validate(req Request, desc registry.Descriptor) string {
	if strings.TrimSpace(req.Code) == "" {
		return "code cannot be empty"
	}
	if len(req.Code) > maxCodeBytes {
		return "code is too large (max 1 MiB)"
	}
	if len(req.Files) > maxFiles {
		return fmt.Sprintf("too many files (max %d)", maxFiles)
	}
	if desc.ID == "java" && !strings.Contains(req.Code, "public class") {
		return "java code must contain a public class"
	}
	if desc.ID == "shell" && !safeShellCommand(req.Code) {
		return "command rejected by safety screen"
	}
	if len(req.PreinstallPackages) > 0 {
		if !desc.SupportsInstall {
			return fmt.Sprintf("language %q does not support package installation", desc.ID)
		}
		for _, p := range req.PreinstallPackages {
			if !validPackageName(p) {
				return fmt.Sprintf("invalid package name: %q", p)
			}
		}
	}
	return ""
}

// runInstall executes the descriptor's install command in a short-lived,
// network-enabled sandbox. The run sandbox is created afterwards with the
// descriptor's own network policy; the two lifecycles never overlap. On
// failure the returned tag classifies the terminal complete event.
func (o *Orchestrator) runInstall(ctx context.Context, desc registry.Descriptor, packages []string, emit func(Event)) (bool, string) {
	installCmd := desc.BuildInstallCommand(packages)
	emit(Event{Kind: KindInstallStart, Content: installCmd})

	spec := sandbox.Spec{
		Image:          desc.Image,
		Cmd:            []string{"sh", "-c", installCmd},
		WorkDir:        workDir,
		NetworkEnabled: true,
		Limits: sandbox.Limits{
			MemoryBytes: o.defaults.MemoryBytes,
			CPUQuota:    o.defaults.CPUQuota,
			CPUPeriod:   o.defaults.CPUPeriod,
			PidsLimit:   o.defaults.PidsLimit,
			Timeout:     o.defaults.InstallTimeout,
		},
	}

	h, err := o.engine.Create(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			emit(Event{Kind: KindInstallResult, Success: boolp(false), Content: "install cancelled"})
			return false, TagCancelled
		}
		o.log.Error("creating install sandbox", zap.Error(err))
		emit(Event{Kind: KindInstallResult, Success: boolp(false), Content: err.Error()})
		return false, TagProvisioning
	}
	defer o.engine.Destroy(h)

	chunks, results, err := o.engine.Run(ctx, h)
	if err != nil {
		if ctx.Err() != nil {
			emit(Event{Kind: KindInstallResult, Success: boolp(false), Content: "install cancelled"})
			return false, TagCancelled
		}
		emit(Event{Kind: KindInstallResult, Success: boolp(false), Content: err.Error()})
		return false, TagProvisioning
	}

	var output strings.Builder
	for c := range chunks {
		appendTail(&output, c.Data)
	}
	res := <-results

	emit(Event{Kind: KindInstallResult, Success: boolp(res.Success()), Content: output.String()})
	if !res.Success() {
		o.log.Warn("package install failed",
			zap.String("language", desc.ID),
			zap.Strings("packages", packages),
			zap.Int("exit_code", res.ExitCode))
	}
	return res.Success(), resultTag(res)
}

func (o *Orchestrator) runUserCode(ctx context.Context, desc registry.Descriptor, req Request, start time.Time, emit func(Event)) {
	emit(statusEvent("Preparing sandbox..."))

	spec := sandbox.Spec{
		Image:          desc.Image,
		Cmd:            buildCommand(desc, req),
		WorkDir:        workDir,
		NetworkEnabled: desc.NetworkEnabled,
		Limits: sandbox.Limits{
			MemoryBytes: o.defaults.MemoryBytes,
			CPUQuota:    o.defaults.CPUQuota,
			CPUPeriod:   o.defaults.CPUPeriod,
			PidsLimit:   o.defaults.PidsLimit,
			Timeout:     o.defaults.Timeout,
		},
	}

	h, err := o.engine.Create(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			emit(statusEvent("execution cancelled"))
			emit(completeEvent(false, time.Since(start), TagCancelled))
			return
		}
		o.log.Error("creating sandbox", zap.String("language", desc.ID), zap.Error(err))
		emit(statusEvent("failed to provision sandbox: " + err.Error()))
		emit(completeEvent(false, time.Since(start), TagProvisioning))
		return
	}
	defer o.engine.Destroy(h)

	if err := o.engine.CopyFiles(ctx, h, stageFiles(desc, req)); err != nil {
		emit(statusEvent("failed to stage files: " + err.Error()))
		emit(completeEvent(false, time.Since(start), TagProvisioning))
		return
	}

	emit(statusEvent("Running..."))

	chunks, results, err := o.engine.Run(ctx, h)
	if err != nil {
		emit(statusEvent("failed to start sandbox: " + err.Error()))
		emit(completeEvent(false, time.Since(start), TagProvisioning))
		return
	}

	var captured strings.Builder
	for c := range chunks {
		kind := KindStdout
		if c.Stream == sandbox.StreamStderr {
			kind = KindStderr
		}
		emit(Event{Kind: kind, Content: string(c.Data)})
		appendTail(&captured, c.Data)
	}
	res := <-results

	if res.ExitCode != 0 && !res.TimedOut && !res.Cancelled && desc.SupportsInstall {
		if s, ok := depdetect.Detect(captured.String(), desc.ID); ok {
			emit(Event{
				Kind:           KindDependencyMissing,
				Content:        "Missing dependency detected: " + s.PackageName,
				PackageName:    s.PackageName,
				PackageManager: s.PackageManager,
				InstallCommand: s.InstallCommand,
			})
		}
	}

	switch {
	case res.TimedOut:
		emit(statusEvent(fmt.Sprintf("execution timed out after %s", spec.Limits.Timeout)))
	case res.OOMKilled:
		emit(statusEvent("execution killed: memory limit exceeded"))
	case res.Cancelled:
		emit(statusEvent("execution cancelled"))
	case res.Err != nil:
		emit(statusEvent("execution error: " + res.Err.Error()))
	}

	emit(completeEvent(res.Success(), time.Since(start), resultTag(res)))

	o.log.Info("execution finished",
		zap.String("language", desc.ID),
		zap.String("sandbox_id", h.ID),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("success", res.Success()),
		zap.Duration("elapsed", time.Since(start)))
}

func resultTag(res sandbox.Result) string {
	switch {
	case res.TimedOut:
		return TagTimedOut
	case res.OOMKilled:
		return TagOutOfMemory
	case res.Cancelled:
		return TagCancelled
	default:
		return ""
	}
}

// stageFiles assembles the entry file, extra files, and the optional stdin
// file written into the sandbox working directory.
func stageFiles(desc registry.Descriptor, req Request) []sandbox.File {
	files := []sandbox.File{
		{Name: desc.EntryFileName(req.Code), Content: []byte(req.Code)},
	}
	for _, f := range req.Files {
		name := sanitizeFileName(f.Name)
		if name == "" {
			continue
		}
		files = append(files, sandbox.File{Name: name, Content: []byte(f.Content)})
	}
	if req.Stdin != "" {
		files = append(files, sandbox.File{Name: stdinFile, Content: []byte(req.Stdin)})
	}
	return files
}

// buildCommand expands the descriptor template and, when stdin was supplied,
// redirects the staged stdin file into the process.
func buildCommand(desc registry.Descriptor, req Request) []string {
	cmd := desc.BuildCommand(req.Code)
	if req.Stdin == "" || desc.ID == "shell" {
		return cmd
	}
	if len(cmd) == 3 && cmd[0] == "sh" && cmd[1] == "-c" {
		return []string{"sh", "-c", cmd[2] + " < " + stdinFile}
	}
	return []string{"sh", "-c", strings.Join(cmd, " ") + " < " + stdinFile}
}

// appendTail keeps at most maxDetectBytes of trailing output.
func appendTail(b *strings.Builder, data []byte) {
	if b.Len()+len(data) <= maxDetectBytes {
		b.Write(data)
		return
	}
	s := b.String() + string(data)
	if len(s) > maxDetectBytes {
		s = s[len(s)-maxDetectBytes:]
	}
	b.Reset()
	b.WriteString(s)
}

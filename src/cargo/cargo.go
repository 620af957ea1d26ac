// Package cargo drives cargo build invocations with profiling flags applied,
// and digests the JSON message stream cargo emits back into build results.
package cargo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/please-build/pogo/src/cli"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/metrics"
	"github.com/please-build/pogo/src/process"
	"github.com/please-build/pogo/src/targets"
	"github.com/please-build/pogo/src/toolchain"
)

var log = logger.Log

// A Builder runs cargo builds for a particular workspace and toolchain.
type Builder struct {
	executor  *process.Executor
	config    *core.Configuration
	toolchain *toolchain.Toolchain
}

// NewBuilder returns a Builder using the given toolchain.
func NewBuilder(executor *process.Executor, config *core.Configuration, tc *toolchain.Toolchain) *Builder {
	return &Builder{
		executor:  executor,
		config:    config,
		toolchain: tc,
	}
}

// A BuildFailed is returned when cargo exits unsuccessfully. It carries the tail of
// the compiler diagnostics so the cause survives into logs and error chains.
type BuildFailed struct {
	ExitCode int
	Output   string
}

// Error implements the error interface.
func (err *BuildFailed) Error() string {
	if err.Output == "" {
		return fmt.Sprintf("cargo build failed with exit code %d", err.ExitCode)
	}
	return fmt.Sprintf("cargo build failed with exit code %d:\n%s", err.ExitCode, err.Output)
}

// Build compiles the given targets with the given extra rustc flags overlaid onto
// RUSTFLAGS, filling in each target's output path from cargo's messages.
// Compiler diagnostics are echoed through to stderr as cargo reports them.
func (builder *Builder) Build(ctx context.Context, dir string, list []*targets.Target, rustFlags, userArgs []string) error {
	configArgs, err := builder.config.BuildArgs()
	if err != nil {
		return err
	}
	filtered := FilterArgs(append(configArgs, userArgs...))
	argv := []string{builder.toolchain.Cargo, "build"}
	if builder.config.Build.Release {
		argv = append(argv, "--release")
	}
	argv = append(argv, "--message-format=json-diagnostic-rendered-ansi")
	if !filtered.ContainsTarget {
		// Building for an explicit target stops cargo applying RUSTFLAGS to build
		// scripts, which must not be instrumented; they run during the build itself.
		argv = append(argv, "--target", builder.toolchain.Host)
	}
	for _, target := range list {
		argv = append(argv, target.SelectionArgs()...)
	}
	argv = append(argv, filtered.Args...)

	flags := append(append([]string{}, builder.config.Toolchain.DefaultFlags...), rustFlags...)
	env := BuildEnv(flags)
	log.Notice("Building %s", strings.Join(targets.Names(list), ", "))
	log.Debug("Running %s", shellescape.QuoteCommand(argv))
	start := time.Now()
	stdout, combined, err := builder.executor.ExecWithTimeoutStreaming(ctx, dir, env, time.Duration(builder.config.Build.Timeout), os.Stderr, argv)
	metrics.RecordTool("cargo", err == nil, time.Since(start))
	// Diagnostics come back on the message stream, so replay them even (especially)
	// when the build failed.
	diagnostics, parseErr := builder.parseMessages(stdout, list)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("cargo build timed out after %s", time.Duration(builder.config.Build.Timeout))
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &BuildFailed{ExitCode: exitCode, Output: failureOutput(diagnostics, combined)}
	} else if parseErr != nil {
		return parseErr
	}
	for _, target := range list {
		if target.OutputPath == "" {
			return fmt.Errorf("cargo reported no executable for %s", target)
		}
	}
	return nil
}

// A message is one record from cargo's JSON message stream. Only the fields we
// consume are mapped; cargo emits a good deal more.
type message struct {
	Reason string `json:"reason"`
	Target struct {
		Name string   `json:"name"`
		Kind []string `json:"kind"`
	} `json:"target"`
	Executable string `json:"executable"`
	Message    struct {
		Rendered string `json:"rendered"`
	} `json:"message"`
}

// parseMessages decodes the message stream from a build, printing rendered compiler
// diagnostics and recording executable paths onto the targets they belong to.
// It returns the accumulated diagnostics with any colour codes removed.
func (builder *Builder) parseMessages(stdout []byte, list []*targets.Target) (string, error) {
	var diagnostics bytes.Buffer
	decoder := json.NewDecoder(bytes.NewReader(stdout))
	for {
		msg := message{}
		if err := decoder.Decode(&msg); err == io.EOF {
			break
		} else if err != nil {
			return diagnostics.String(), fmt.Errorf("failed to parse cargo build message: %s", err)
		}
		switch msg.Reason {
		case "compiler-artifact":
			if msg.Executable == "" {
				continue // Libraries and suchlike; not interesting here.
			}
			for _, target := range list {
				if target.Name == msg.Target.Name && cli.ContainsString(string(target.Kind), msg.Target.Kind) {
					log.Debug("Built %s at %s", target, msg.Executable)
					target.OutputPath = msg.Executable
				}
			}
		case "compiler-message":
			if rendered := msg.Message.Rendered; rendered != "" {
				diagnostics.WriteString(cli.StripAnsi.ReplaceAllString(rendered, ""))
				builder.printDiagnostic(rendered)
			}
		}
	}
	return diagnostics.String(), nil
}

// printDiagnostic echoes one rendered compiler diagnostic to stderr, stripping
// colour codes when stderr isn't a terminal to interpret them.
func (builder *Builder) printDiagnostic(rendered string) {
	if !cli.ShowColouredOutput {
		rendered = cli.StripAnsi.ReplaceAllString(rendered, "")
	}
	fmt.Fprint(os.Stderr, rendered)
}

// failureOutput chooses the most useful text to embed in a BuildFailed error: the
// compiler's rendered diagnostics when there are any, otherwise whatever cargo
// printed that wasn't part of the JSON message stream.
func failureOutput(diagnostics string, combined []byte) string {
	if diagnostics != "" {
		return process.OutputTail([]byte(diagnostics))
	}
	lines := []string{}
	for _, line := range strings.Split(string(combined), "\n") {
		if !strings.HasPrefix(line, "{") {
			lines = append(lines, line)
		}
	}
	return process.OutputTail([]byte(strings.Join(lines, "\n")))
}

// FilteredArgs are user-supplied cargo arguments after removing the ones that
// conflict with flags we pass ourselves.
type FilteredArgs struct {
	Args           []string
	ContainsTarget bool
}

// FilterArgs strips the arguments pogo must control from a user-supplied argument
// list, warning about the ones it discards. A --target argument is kept but noted,
// since passing one suppresses our default of building for the host triple.
func FilterArgs(args []string) FilteredArgs {
	filtered := FilteredArgs{Args: make([]string, 0, len(args))}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--release":
			log.Warning("Ignoring --release; it is passed automatically")
		case arg == "--message-format":
			log.Warning("Ignoring --message-format; the JSON message stream is required")
			i++ // Its value is a separate argument, skip that too.
		case strings.HasPrefix(arg, "--message-format="):
			log.Warning("Ignoring --message-format; the JSON message stream is required")
		case arg == "--target" || strings.HasPrefix(arg, "--target="):
			filtered.ContainsTarget = true
			filtered.Args = append(filtered.Args, arg)
		default:
			filtered.Args = append(filtered.Args, arg)
		}
	}
	return filtered
}

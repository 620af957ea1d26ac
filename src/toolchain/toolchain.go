// Package toolchain locates the Rust toolchain and the LLVM tools that the
// optimization workflows drive.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"

	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/process"
)

var log = logger.Log

// probeTimeout is how long we allow the quick rustc interrogation commands to run for.
const probeTimeout = 10 * time.Second

// A Toolchain describes the located Rust toolchain and its associated LLVM tools.
// The optional tool paths are empty when the tool couldn't be found; they only
// become an error when a command actually needs them.
type Toolchain struct {
	Cargo        string
	Rustc        string
	RustcVersion semver.Version
	Host         string
	Sysroot      string
	LLVMProfdata string
	LLVMBolt     string
	MergeFdata   string
}

// A NotFound error is returned when a required tool can't be located.
type NotFound struct {
	Tool string
	Hint string
}

// Error implements the error interface.
func (err *NotFound) Error() string {
	if err.Hint != "" {
		return fmt.Sprintf("%s not found; %s", err.Tool, err.Hint)
	}
	return fmt.Sprintf("%s not found", err.Tool)
}

// Discover locates the toolchain, interrogating rustc for its version, host triple
// and sysroot. Required tools (cargo, rustc) cause an error if missing; the LLVM
// tools are resolved opportunistically.
func Discover(ctx context.Context, e *process.Executor, config *core.Configuration) (*Toolchain, error) {
	cargo, err := findTool(config.Toolchain.Cargo, "CARGO", "cargo", "install Rust via rustup (https://rustup.rs)")
	if err != nil {
		return nil, err
	}
	rustc, err := findTool(config.Toolchain.Rustc, "RUSTC", "rustc", "install Rust via rustup (https://rustup.rs)")
	if err != nil {
		return nil, err
	}
	t := &Toolchain{
		Cargo: cargo,
		Rustc: rustc,
	}
	if err := t.interrogateRustc(ctx, e); err != nil {
		return nil, err
	}
	t.LLVMProfdata = t.findLLVMTool(config, "llvm-profdata")
	t.LLVMBolt = t.findLLVMTool(config, "llvm-bolt")
	t.MergeFdata = t.findLLVMTool(config, "merge-fdata")
	log.Debug("Discovered toolchain: rustc %s (%s), profdata %q, bolt %q", t.RustcVersion, t.Host, t.LLVMProfdata, t.LLVMBolt)
	return t, nil
}

// RequireProfdata returns the path to llvm-profdata or a NotFound error with an
// installation hint if it wasn't located.
func (t *Toolchain) RequireProfdata() (string, error) {
	if t.LLVMProfdata == "" {
		return "", &NotFound{
			Tool: "llvm-profdata",
			Hint: "try installing it with `rustup component add llvm-tools-preview`",
		}
	}
	return t.LLVMProfdata, nil
}

// RequireBolt returns the paths to llvm-bolt and merge-fdata or a NotFound error
// if either is missing.
func (t *Toolchain) RequireBolt() (string, string, error) {
	if t.LLVMBolt == "" {
		return "", "", &NotFound{
			Tool: "llvm-bolt",
			Hint: "install a build of LLVM that includes BOLT and put it on your PATH or set llvmbin in .pogoconfig",
		}
	}
	if t.MergeFdata == "" {
		return "", "", &NotFound{
			Tool: "merge-fdata",
			Hint: "merge-fdata ships with BOLT-enabled LLVM builds; it should be next to llvm-bolt",
		}
	}
	return t.LLVMBolt, t.MergeFdata, nil
}

// interrogateRustc asks rustc for its version, host triple and sysroot.
func (t *Toolchain) interrogateRustc(ctx context.Context, e *process.Executor) error {
	out, combined, err := e.ExecWithTimeout(ctx, "", nil, probeTimeout, false, false, []string{t.Rustc, "--version", "--verbose"})
	if err != nil {
		return fmt.Errorf("failed to interrogate rustc: %s\n%s", err, combined)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if release, ok := trimPrefix(line, "release: "); ok {
			v, err := semver.NewVersion(release)
			if err != nil {
				return fmt.Errorf("can't parse rustc version %q: %s", release, err)
			}
			t.RustcVersion = *v
		} else if host, ok := trimPrefix(line, "host: "); ok {
			t.Host = host
		}
	}
	if t.Host == "" {
		return fmt.Errorf("rustc did not report a host triple; its output may have changed format")
	}
	out, combined, err = e.ExecWithTimeout(ctx, "", nil, probeTimeout, false, false, []string{t.Rustc, "--print", "sysroot"})
	if err != nil {
		return fmt.Errorf("failed to find rustc sysroot: %s\n%s", err, combined)
	}
	t.Sysroot = strings.TrimSpace(string(out))
	return nil
}

// findLLVMTool resolves one of the LLVM tools, preferring an explicitly configured
// directory, then the tools shipped in the rustc sysroot, then the PATH.
func (t *Toolchain) findLLVMTool(config *core.Configuration, name string) string {
	if config.Toolchain.LLVMBin != "" {
		if tool := path.Join(config.Toolchain.LLVMBin, name); fs.IsExecutable(tool) {
			return tool
		}
		log.Warning("%s not found in configured llvmbin directory %s", name, config.Toolchain.LLVMBin)
	}
	if t.Sysroot != "" && t.Host != "" {
		if tool := path.Join(t.Sysroot, "lib", "rustlib", t.Host, "bin", name); fs.IsExecutable(tool) {
			return tool
		}
	}
	if tool, err := exec.LookPath(name); err == nil {
		return tool
	}
	return ""
}

// findTool resolves a required tool from an explicit config path, an environment
// variable or the PATH, in that order.
func findTool(configured, envVar, name, hint string) (string, error) {
	if configured != "" {
		if fs.IsExecutable(configured) {
			return configured, nil
		}
		return "", &NotFound{Tool: name, Hint: fmt.Sprintf("configured path %s is not an executable", configured)}
	}
	if env := os.Getenv(envVar); env != "" {
		if fs.IsExecutable(env) {
			return env, nil
		}
		return "", &NotFound{Tool: name, Hint: fmt.Sprintf("$%s points to %s which is not an executable", envVar, env)}
	}
	if tool, err := exec.LookPath(name); err == nil {
		return tool, nil
	}
	return "", &NotFound{Tool: name, Hint: hint}
}

func trimPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(s, prefix)), true
	}
	return "", false
}

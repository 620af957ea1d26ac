// Package output renders human-readable reports about a workspace's
// optimization state.
package output

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/please-build/pogo/src/bolt"
	"github.com/please-build/pogo/src/cli"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/profile"
	"github.com/please-build/pogo/src/targets"
	"github.com/please-build/pogo/src/toolchain"
)

// Info prints the workspace report to stdout.
func Info(config *core.Configuration, tc *toolchain.Toolchain, metadata *targets.Metadata, workspaceRoot string) error {
	return Report(os.Stdout, config, tc, metadata, workspaceRoot)
}

// Report writes a summary of the toolchain, the workspace's executable targets
// and the state of any optimization sessions. It never changes anything.
func Report(w io.Writer, config *core.Configuration, tc *toolchain.Toolchain, metadata *targets.Metadata, workspaceRoot string) error {
	reportToolchain(w, tc)
	reportTargets(w, metadata)
	if err := reportPGO(w, config, workspaceRoot, metadata.TargetDirectory); err != nil {
		return err
	}
	return reportBolt(w, config, workspaceRoot, metadata.TargetDirectory)
}

func reportToolchain(w io.Writer, tc *toolchain.Toolchain) {
	cli.Fprintf(w, "${BOLD_WHITE}Toolchain${RESET}\n")
	cli.Fprintf(w, "  cargo:         %s\n", tc.Cargo)
	cli.Fprintf(w, "  rustc:         %s %s (%s)\n", tc.Rustc, tc.RustcVersion, tc.Host)
	cli.Fprintf(w, "  sysroot:       %s\n", tc.Sysroot)
	cli.Fprintf(w, "  llvm-profdata: %s\n", orMissing(tc.LLVMProfdata))
	cli.Fprintf(w, "  llvm-bolt:     %s\n", orMissing(tc.LLVMBolt))
	cli.Fprintf(w, "  merge-fdata:   %s\n", orMissing(tc.MergeFdata))
}

func reportTargets(w io.Writer, metadata *targets.Metadata) {
	cli.Fprintf(w, "\n${BOLD_WHITE}Targets${RESET}\n")
	list := metadata.Executables()
	if len(list) == 0 {
		cli.Fprintf(w, "  none; this workspace builds no executables\n")
		return
	}
	for _, target := range list {
		cli.Fprintf(w, "  %s (package %s)\n", target, target.Package)
	}
}

func reportPGO(w io.Writer, config *core.Configuration, workspaceRoot, targetDir string) error {
	cli.Fprintf(w, "\n${BOLD_WHITE}PGO${RESET}\n")
	session, err := profile.Latest(profile.Root(config, workspaceRoot, targetDir), core.PGOSession)
	if err != nil {
		return err
	} else if session == nil {
		cli.Fprintf(w, "  no session; run `pogo instrument` to start one\n")
		return nil
	}
	raws, err := profile.RawProfiles(session)
	if err != nil {
		return err
	}
	cli.Fprintf(w, "  session:      %s, created %s\n", path.Base(session.Dir), humanize.Time(session.Created))
	cli.Fprintf(w, "  phase:        %s\n", session.Phase)
	cli.Fprintf(w, "  raw profiles: %s\n", describeRaws(raws))
	if session.AtLeast(core.Merged) {
		cli.Fprintf(w, "  merged:       %s\n", describeMerged(profile.MergedProfilePath(session)))
	}
	cli.Fprintf(w, "  next:         %s\n", pgoHint(session, len(raws), len(profile.UnmergedRaws(session, raws))))
	return nil
}

func reportBolt(w io.Writer, config *core.Configuration, workspaceRoot, targetDir string) error {
	cli.Fprintf(w, "\n${BOLD_WHITE}BOLT${RESET}\n")
	session, err := profile.Latest(profile.BoltRoot(config, workspaceRoot, targetDir), core.BoltSession)
	if err != nil {
		return err
	} else if session == nil {
		if bolt.Supported() != nil {
			cli.Fprintf(w, "  not supported on %s/%s\n", runtime.GOOS, runtime.GOARCH)
		} else {
			cli.Fprintf(w, "  no session; run `pogo bolt instrument` to start one\n")
		}
		return nil
	}
	cli.Fprintf(w, "  session: %s, created %s\n", path.Base(session.Dir), humanize.Time(session.Created))
	for _, artifact := range session.Artifacts {
		status, err := artifactStatus(session, artifact)
		if err != nil {
			return err
		}
		cli.Fprintf(w, "  %s: %s\n", artifact.Name, status)
	}
	return nil
}

// pgoHint says what to do next to move a PGO session forward.
func pgoHint(session *core.Session, raws, unmerged int) string {
	switch {
	case session.AtLeast(core.Merged) && unmerged > 0:
		return fmt.Sprintf("%d raw profile(s) are newer than the merge; run `pogo optimize` to pick them up", unmerged)
	case session.Phase == core.Applied:
		return "nothing; the optimized build is current"
	case session.Phase == core.Merged:
		return "run `pogo optimize` to finish applying the merged profile"
	case session.Phase == core.Uninitialized:
		return "the instrumented build didn't complete; run `pogo instrument` again"
	case raws == 0:
		return "run the instrumented binaries under a representative workload, then `pogo optimize`"
	default:
		return "run `pogo optimize` to merge and apply the collected profiles"
	}
}

// artifactStatus describes how far through the BOLT workflow one binary is.
func artifactStatus(session *core.Session, artifact *core.Artifact) (string, error) {
	switch artifact.Phase {
	case core.Optimized:
		return "optimized, " + describeFile(artifact.Optimized), nil
	case core.Collected:
		return "profiles collected; run `pogo bolt optimize` to finish", nil
	case core.Instrumented:
		files, err := bolt.ProfileFiles(session, artifact)
		if err != nil {
			return "", err
		} else if len(files) == 0 {
			return fmt.Sprintf("instrumented; run %s under a representative workload", artifact.Instrumented), nil
		}
		return fmt.Sprintf("instrumented, %d profile(s) collected; run `pogo bolt optimize`", len(files)), nil
	}
	return "not instrumented; run `pogo bolt instrument` again", nil
}

// describeRaws summarises a session's raw profiles in one line.
func describeRaws(raws []profile.RawProfile) string {
	if len(raws) == 0 {
		return "none"
	}
	var total int64
	newest := raws[0].Modified
	for _, raw := range raws {
		total += raw.Size
		if raw.Modified.After(newest) {
			newest = raw.Modified
		}
	}
	return fmt.Sprintf("%d (%s, newest written %s)", len(raws), humanize.Bytes(uint64(total)), humanize.Time(newest))
}

// describeFile is a path with its size, or a note that it's gone.
func describeFile(filename string) string {
	info, err := os.Lstat(filename)
	if err != nil {
		return filename + " (missing)"
	}
	return fmt.Sprintf("%s (%s)", filename, humanize.Bytes(uint64(info.Size())))
}

// describeMerged is like describeFile but adds when the merge happened. Merged
// profiles are written in one atomic step, so the file's time is the merge time.
func describeMerged(filename string) string {
	info, err := os.Lstat(filename)
	if err != nil {
		return filename + " (missing)"
	}
	return fmt.Sprintf("%s (%s, merged %s)", filename, humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
}

func orMissing(tool string) string {
	if tool == "" {
		return "not found"
	}
	return tool
}

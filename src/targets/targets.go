// Package targets resolves the buildable targets of a cargo workspace.
// Targets are enumerated from `cargo metadata` and matched against whatever
// names the user asked for on the command line.
package targets

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/please-build/pogo/src/cli"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/process"
)

var log = logger.Log

// maxSuggestionDistance is the maximum edit distance we'll suggest an alternative
// target name at.
const maxSuggestionDistance = 5

// metadataTimeout bounds how long we'll wait for cargo to describe the workspace.
// It doesn't resolve dependencies so this should be generous enough for anything.
const metadataTimeout = 1 * time.Minute

// A Kind is the cargo target kind of a buildable target.
type Kind string

const (
	// Binary is a plain binary target, i.e. src/main.rs or a [[bin]] section.
	Binary Kind = "bin"
	// Example is an example built as an executable.
	Example Kind = "example"
	// Test is an integration test binary.
	Test Kind = "test"
	// Bench is a benchmark binary.
	Bench Kind = "bench"
)

// kindOrder ranks the kinds so same-named targets within one package (eg. a bin
// and a bench both called widget) still sort in a fixed order.
var kindOrder = map[Kind]int{Binary: 0, Example: 1, Test: 2, Bench: 3}

// A Target is a single buildable target of the workspace that produces an executable.
type Target struct {
	Name    string
	Kind    Kind
	Package string
	// OutputPath is the path of the built executable. It's only set once a build has
	// actually produced one; resolution alone doesn't know it.
	OutputPath string
}

// String implements the fmt.Stringer interface.
func (target *Target) String() string {
	if target.Kind == Binary {
		return target.Name
	}
	return fmt.Sprintf("%s %s", target.Kind, target.Name)
}

// SelectionArgs returns the cargo arguments that select this target for a build.
func (target *Target) SelectionArgs() []string {
	return []string{"--" + string(target.Kind), target.Name}
}

// Metadata is the subset of `cargo metadata` output that we make use of.
type Metadata struct {
	Packages        []Package `json:"packages"`
	TargetDirectory string    `json:"target_directory"`
	WorkspaceRoot   string    `json:"workspace_root"`
}

// A Package is one member package of the workspace.
type Package struct {
	Name    string          `json:"name"`
	Targets []packageTarget `json:"targets"`
}

// A packageTarget mirrors cargo's own target records, which describe libraries
// and build scripts as well as the executable targets we care about.
type packageTarget struct {
	Name       string   `json:"name"`
	Kind       []string `json:"kind"`
	CrateTypes []string `json:"crate_types"`
}

// Query interrogates cargo for the metadata of the workspace containing the given
// directory. It doesn't resolve dependencies, so it is reasonably fast and works offline.
func Query(ctx context.Context, executor *process.Executor, cargo, dir string) (*Metadata, error) {
	log.Debug("Reading workspace metadata in %s", dir)
	stdout, combined, err := executor.ExecWithTimeout(ctx, dir, nil, metadataTimeout, false, false, []string{
		cargo, "metadata", "--format-version", "1", "--no-deps",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace metadata: %s\n%s", err, process.OutputTail(combined))
	}
	metadata := &Metadata{}
	if err := json.Unmarshal(stdout, metadata); err != nil {
		return nil, fmt.Errorf("failed to parse cargo metadata output: %s", err)
	}
	return metadata, nil
}

// Executables returns all the targets of the workspace that build a runnable
// executable, ordered by package, then name, then kind. The order is a pure
// function of the metadata so repeated resolutions always agree.
func (metadata *Metadata) Executables() []*Target {
	targets := []*Target{}
	for _, pkg := range metadata.Packages {
		for _, target := range pkg.Targets {
			if kind, ok := executableKind(target); ok {
				targets = append(targets, &Target{
					Name:    target.Name,
					Kind:    kind,
					Package: pkg.Name,
				})
			}
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Package != targets[j].Package {
			return targets[i].Package < targets[j].Package
		} else if targets[i].Name != targets[j].Name {
			return targets[i].Name < targets[j].Name
		}
		return kindOrder[targets[i].Kind] < kindOrder[targets[j].Kind]
	})
	return targets
}

// executableKind classifies one of cargo's target records, returning false for
// things that don't build an executable (libraries, build scripts, etc).
func executableKind(target packageTarget) (Kind, bool) {
	for _, kind := range target.Kind {
		switch Kind(kind) {
		case Binary:
			return Binary, true
		case Example:
			// Examples aren't necessarily executable; they can be built
			// as libraries by overriding crate-type.
			if cli.ContainsString("bin", target.CrateTypes) {
				return Example, true
			}
			return "", false
		case Test:
			return Test, true
		case Bench:
			return Bench, true
		}
	}
	return "", false
}

// Names returns the names of the given targets in order.
func Names(targets []*Target) []string {
	names := make([]string, len(targets))
	for i, target := range targets {
		names[i] = target.Name
	}
	return names
}

// A NoTargetsMatched is returned when target resolution comes up empty, either
// because the user named a target that doesn't exist or because the workspace
// has nothing buildable at all.
type NoTargetsMatched struct {
	Name      string
	Available []string
}

// Error implements the error interface.
func (err *NoTargetsMatched) Error() string {
	if err.Name == "" {
		return "found no buildable binary targets in this workspace"
	}
	return fmt.Sprintf("no buildable target matches %q%s", err.Name, cli.PrettyPrintSuggestion(err.Name, err.Available, maxSuggestionDistance))
}

// Match filters the available targets down to the requested names. An empty
// request selects all the plain binary targets; named requests can select any
// executable kind, so examples and test binaries are reachable explicitly.
func Match(available []*Target, requested []string) ([]*Target, error) {
	if len(requested) == 0 {
		binaries := make([]*Target, 0, len(available))
		for _, target := range available {
			if target.Kind == Binary {
				binaries = append(binaries, target)
			}
		}
		if len(binaries) == 0 {
			return nil, &NoTargetsMatched{Available: Names(available)}
		}
		return binaries, nil
	}
	names := Names(available)
	matched := make([]*Target, 0, len(requested))
	seen := map[*Target]struct{}{}
	var merr *multierror.Error
	for _, name := range requested {
		found := false
		for _, target := range available {
			if target.Name == name {
				found = true
				if _, present := seen[target]; !present {
					seen[target] = struct{}{}
					matched = append(matched, target)
				}
			}
		}
		if !found {
			merr = multierror.Append(merr, &NoTargetsMatched{Name: name, Available: names})
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}
	return matched, nil
}

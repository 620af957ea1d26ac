// Utilities for reading the pogo config files.

package core

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"time"

	"github.com/google/shlex"
	"github.com/please-build/gcfg"

	"github.com/please-build/pogo/src/cli"
	"github.com/please-build/pogo/src/fs"
)

// ConfigFileName is the file name for the typical repo config - this is normally checked in.
const ConfigFileName string = ".pogoconfig"

// ArchConfigFileName is an architecture-specific config file which overrides the repo one.
// Also normally checked in if needed.
var ArchConfigFileName = fmt.Sprintf(".pogoconfig_%s_%s", runtime.GOOS, runtime.GOARCH)

// LocalConfigFileName is the file name for the local repo config - this is not normally
// checked in and used to override settings on the local machine.
const LocalConfigFileName string = ".pogoconfig.local"

// MachineConfigFileName is the file name for the machine-level config - can use this to
// override things for a particular machine (eg. CI agents with different toolchain locations).
const MachineConfigFileName = "/etc/pogoconfig"

func readConfigFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil // It's not an error to not have the file at all.
	} else if err != nil {
		return err
	}
	log.Debug("Read config from %s", filename)
	return nil
}

// ReadDefaultConfigFiles reads the config files from the default locations, in order.
// Values are filled in by defaults initially and then overridden by each file in turn.
func ReadDefaultConfigFiles(root string) (*Configuration, error) {
	return ReadDefaultConfigFilesWithProfiles(root, nil)
}

// ReadDefaultConfigFilesWithProfiles is like ReadDefaultConfigFiles but also reads
// profile-specific files, eg. .pogoconfig.ci for the profile "ci". Profiles are
// read last so they win over everything else.
func ReadDefaultConfigFilesWithProfiles(root string, profiles []string) (*Configuration, error) {
	filenames := []string{
		MachineConfigFileName,
		path.Join(root, ConfigFileName),
		path.Join(root, ArchConfigFileName),
		path.Join(root, LocalConfigFileName),
	}
	for _, profile := range profiles {
		filenames = append(filenames, path.Join(root, ConfigFileName+"."+profile))
	}
	return ReadConfigFiles(filenames)
}

// ReadConfigFiles reads the config from the given locations, in order.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readConfigFile(config, filename); err != nil {
			return config, err
		}
	}
	config.Toolchain.Cargo = fs.ExpandHomePath(config.Toolchain.Cargo)
	config.Toolchain.Rustc = fs.ExpandHomePath(config.Toolchain.Rustc)
	config.Toolchain.LLVMBin = fs.ExpandHomePath(config.Toolchain.LLVMBin)
	config.Profile.Dir = fs.ExpandHomePath(config.Profile.Dir)
	if config.Bolt.Jobs < 0 {
		return config, fmt.Errorf("Bolt jobs must be a non-negative number")
	}
	return config, nil
}

// DefaultConfiguration returns a configuration with the default values filled in.
func DefaultConfiguration() *Configuration {
	config := Configuration{}
	config.Build.Release = true
	config.Profile.MergeTimeout = cli.Duration(10 * time.Minute)
	config.Bolt.Timeout = cli.Duration(30 * time.Minute)
	config.Bolt.Xattrs = true
	config.Metrics.PushTimeout = cli.Duration(500 * time.Millisecond)
	return &config
}

// A Configuration contains all the settings that can be configured about pogo.
// These are parsed from .pogoconfig files in gcfg format.
type Configuration struct {
	Toolchain struct {
		Cargo        string   `help:"Path to the cargo binary. Defaults to $CARGO or cargo from the PATH."`
		Rustc        string   `help:"Path to the rustc binary. Defaults to $RUSTC or rustc from the PATH."`
		LLVMBin      string   `help:"Directory containing the LLVM tools (llvm-profdata, llvm-bolt, merge-fdata). Overrides discovery via the rustc sysroot and the PATH."`
		DefaultFlags []string `help:"Extra flags passed to rustc on every pogo build, before any profiling flags."`
	} `help:"Settings controlling where pogo finds the Rust toolchain and the LLVM tools it drives."`
	Build struct {
		Release   bool         `help:"Whether to build with the release cargo profile. On by default; there is rarely a reason to profile debug builds."`
		Timeout   cli.Duration `help:"Timeout for cargo build invocations. Zero (the default) means no limit."`
		ExtraArgs string       `help:"Extra arguments passed verbatim to every cargo build invocation, eg. --locked."`
	} `help:"Settings controlling how pogo invokes cargo."`
	Profile struct {
		Dir          string       `help:"Directory that profile sessions are stored in. Defaults to pgo-profiles under the cargo target directory."`
		MergeTimeout cli.Duration `help:"Timeout for merging raw profiles with llvm-profdata. Defaults to 10 minutes."`
	} `help:"Settings controlling PGO profile collection and storage."`
	Bolt struct {
		Dir            string       `help:"Directory that BOLT sessions are stored in. Defaults to pgo-bolt under the cargo target directory."`
		InstrumentArgs string       `help:"Extra arguments passed to llvm-bolt when instrumenting a binary."`
		OptimizeArgs   string       `help:"Arguments passed to llvm-bolt when optimizing a binary. Overrides the default optimization flag set entirely."`
		Timeout        cli.Duration `help:"Timeout for each llvm-bolt invocation. Defaults to 30 minutes."`
		Jobs           int          `help:"Number of binaries to instrument or optimize in parallel. Defaults to the number of CPUs."`
		Xattrs         bool         `help:"True to record binary hashes as extended attributes where the filesystem supports them. On by default."`
	} `help:"Settings controlling the BOLT post-link optimization pipeline."`
	Metrics struct {
		PushGatewayURL cli.URL      `help:"Optional URL of a Prometheus pushgateway to report metrics about pogo runs to."`
		PushTimeout    cli.Duration `help:"Timeout for pushing metrics. Defaults to 500ms."`
	} `help:"Settings controlling metrics reporting."`
}

// BuildArgs returns the extra arguments to pass to cargo build invocations.
func (config *Configuration) BuildArgs() ([]string, error) {
	if config.Build.ExtraArgs == "" {
		return nil, nil
	}
	args, err := shlex.Split(config.Build.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse build extraargs: %s", err)
	}
	return args, nil
}

// BoltArgs returns the extra llvm-bolt arguments for the given config value.
func (config *Configuration) BoltArgs(in string) ([]string, error) {
	if in == "" {
		return nil, nil
	}
	args, err := shlex.Split(in)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse bolt args: %s", err)
	}
	return args, nil
}

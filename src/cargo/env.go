package cargo

import (
	"os"
	"strings"
)

// rustFlagsVar is the environment variable cargo reads extra rustc flags from.
const rustFlagsVar = "RUSTFLAGS"

// BuildEnv returns the environment for a build with the given rustc flags merged
// into RUSTFLAGS. Any flags the caller already has set are preserved ahead of ours,
// so the profiling flags always win where they conflict.
func BuildEnv(flags []string) []string {
	env := os.Environ()
	if len(flags) == 0 {
		return env
	}
	joined := strings.Join(flags, " ")
	for i, v := range env {
		if strings.HasPrefix(v, rustFlagsVar+"=") {
			env[i] = v + " " + joined
			return env
		}
	}
	return append(env, rustFlagsVar+"="+joined)
}

// InstrumentFlags returns the rustc flags that make binaries write raw profile
// data into the given directory as they run.
func InstrumentFlags(profileDir string) []string {
	return []string{"-Cprofile-generate=" + profileDir}
}

// UseFlags returns the rustc flags that apply a merged profile to a build.
// The warning suppression matters; without it rustc complains about every
// function the workload never reached.
func UseFlags(mergedProfile string) []string {
	return []string{
		"-Cprofile-use=" + mergedProfile,
		"-Cllvm-args=-pgo-warn-missing-function",
	}
}

// RelocationFlags returns the rustc flags that keep relocations in the linked
// binary. The BOLT rewriter refuses binaries linked without them.
func RelocationFlags() []string {
	return []string{"-Clink-args=-Wl,-q"}
}

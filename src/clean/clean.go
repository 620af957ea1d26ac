// Package clean removes the on-disk state that optimization sessions
// accumulate. Nothing else ever deletes session data; cleanup is always this
// explicit.
package clean

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/please-build/pogo/src/cli"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
	"github.com/please-build/pogo/src/profile"
)

var log = logger.Log

// Clean removes the PGO and BOLT session directories for the workspace.
// Unless force is set it describes what it's about to remove and asks first.
func Clean(config *core.Configuration, workspaceRoot, targetDir string, force bool) error {
	dirs := sessionDirs(config, workspaceRoot, targetDir)
	if len(dirs) == 0 {
		log.Notice("Nothing to clean")
		return nil
	}
	var total uint64
	for _, dir := range dirs {
		size := dirSize(dir)
		total += size
		fmt.Printf("%s (%s)\n", dir, humanize.Bytes(size))
	}
	if !force {
		if !cli.IsATerminal(os.Stdin) {
			return fmt.Errorf("can't confirm removal when not attached to a terminal; pass --force to skip the prompt")
		}
		if !cli.PromptYN(fmt.Sprintf("Remove these directories (%s in total)?", humanize.Bytes(total)), false) {
			return fmt.Errorf("not removing anything")
		}
	}
	for _, dir := range dirs {
		log.Info("Removing %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %s", dir, err)
		}
	}
	log.Notice("Removed %s of session data", humanize.Bytes(total))
	return nil
}

// sessionDirs returns the session roots that actually exist for the workspace.
func sessionDirs(config *core.Configuration, workspaceRoot, targetDir string) []string {
	dirs := []string{}
	for _, dir := range []string{
		profile.Root(config, workspaceRoot, targetDir),
		profile.BoltRoot(config, workspaceRoot, targetDir),
	} {
		if fs.PathExists(dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// dirSize totals the sizes of the files under dir. The number informs the
// prompt, so a failure partway just means a smaller total.
func dirSize(dir string) uint64 {
	var total uint64
	fs.Walk(dir, func(name string, isDir bool) error {
		if !isDir {
			if info, err := os.Lstat(name); err == nil {
				total += uint64(info.Size())
			}
		}
		return nil
	})
	return total
}

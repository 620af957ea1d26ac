// Package pogoinit writes the initial configuration for a repo.
package pogoinit

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/please-build/pogo/src/cli"
	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
)

var log = logger.Log

// configTemplate is what `pogo init` writes. Everything is commented out; the
// defaults discover the toolchain automatically and store sessions under
// cargo's target directory, so an empty file is a perfectly good config.
const configTemplate = `; pogo config file
; All settings are optional. Uncomment and edit the ones you need.

; [toolchain]
; cargo = /path/to/cargo
; rustc = /path/to/rustc
; llvmbin = /path/to/llvm/bin
; defaultflags = -Ccodegen-units=1

; [build]
; release = true
; timeout = 30m
; extraargs = --locked

; [profile]
; dir = pgo-profiles
; mergetimeout = 10m

; [bolt]
; instrumentargs =
; optimizeargs =
; timeout = 30m
; jobs = 4
; xattrs = true

; [metrics]
; pushgatewayurl = http://pushgateway.example.com:9091
`

// InitConfig writes a commented config template into the given directory.
// An existing config is only overwritten after an interactive confirmation.
func InitConfig(dir string) error {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("can't determine absolute directory: %s", err)
	}
	filename := path.Join(dir, core.ConfigFileName)
	if fs.FileExists(filename) {
		if !cli.IsATerminal(os.Stdin) || !cli.PromptYN(fmt.Sprintf("%s already exists. Overwrite it?", filename), false) {
			return fmt.Errorf("%s already exists", filename)
		}
	}
	if err := fs.WriteFile(strings.NewReader(configTemplate), filename, 0644); err != nil {
		return fmt.Errorf("failed to write config template: %s", err)
	}
	fmt.Printf("Wrote config template to %s; you're ready to run `pogo instrument`.\n", filename)
	if !fs.FileExists(path.Join(dir, core.ManifestFileName)) {
		log.Warning("There's no %s here; pogo expects to run inside a cargo project.", core.ManifestFileName)
	}
	return nil
}

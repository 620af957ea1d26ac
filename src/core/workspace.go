package core

import (
	"os"
	"path"
	"strings"

	"github.com/pkg/xattr"

	"github.com/please-build/pogo/src/fs"
)

// ManifestFileName is the name of the cargo manifest that identifies a crate root.
const ManifestFileName = "Cargo.toml"

// previousOpFileName is where we record the last operation run, relative to the
// profile root. It doubles as the probe file for xattr support.
const previousOpFileName = ".previous_op"

// FindWorkspaceRoot locates the nearest enclosing directory containing a Cargo.toml,
// starting from the current directory. It returns an empty string if there isn't one.
func FindWorkspaceRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Couldn't determine working directory: %s", err)
	}
	for dir != "" {
		if fs.FileExists(path.Join(dir, ManifestFileName)) {
			return dir
		}
		dir, _ = path.Split(dir)
		dir = strings.TrimRight(dir, "/")
	}
	return ""
}

// MustFindWorkspaceRoot is like FindWorkspaceRoot but dies if no manifest is found.
func MustFindWorkspaceRoot() string {
	if root := FindWorkspaceRoot(); root != "" {
		return root
	}
	log.Fatalf("Couldn't locate a Cargo.toml in this or any parent directory. Are you sure you're inside a cargo project?")
	return ""
}

// StoreCurrentOperation stores the operation currently being performed in a file
// that can later be replayed by `pogo op`. It doesn't error out if it fails since
// nothing critical depends on it.
func StoreCurrentOperation(dir string) {
	filename := path.Join(dir, previousOpFileName)
	if err := fs.EnsureDir(filename); err != nil {
		log.Warning("Couldn't create directory for %s: %s", filename, err)
		return
	}
	op := strings.Join(os.Args[1:], " ")
	if err := os.WriteFile(filename, []byte(op+"\n"), 0644); err != nil {
		log.Warning("Couldn't store current operation: %s", err)
	}
}

// ReadPreviousOperationOrDie reads the previously performed operation from the
// given profile root. Dies if unsuccessful.
func ReadPreviousOperationOrDie(dir string) []string {
	contents, err := os.ReadFile(path.Join(dir, previousOpFileName))
	if err != nil || len(contents) == 0 {
		log.Fatalf("Couldn't read any previous operation. Have you run pogo here before?")
	}
	return strings.Split(strings.TrimSpace(string(contents)), " ")
}

// CheckXattrsSupported probes whether the filesystem holding the given directory
// supports extended attributes, and if not flips the config to use fallback files.
// We only probe once per run; filesystems don't tend to change their minds.
func CheckXattrsSupported(config *Configuration, dir string) {
	if !config.Bolt.Xattrs {
		return
	}
	filename := path.Join(dir, previousOpFileName)
	if !fs.FileExists(filename) {
		if err := fs.EnsureDir(filename); err != nil {
			return
		}
		if err := os.WriteFile(filename, nil, 0644); err != nil {
			return
		}
	}
	if err := xattr.Set(filename, "user.pogo_probe", []byte("ok")); err != nil {
		log.Warning("xattrs are not supported on this filesystem, using fallbacks")
		config.Bolt.Xattrs = false
	}
}

package profile

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/djherbis/atime"

	"github.com/please-build/pogo/src/core"
	"github.com/please-build/pogo/src/fs"
)

// rawProfileSuffix is the file extension the profiling runtime gives raw profiles.
const rawProfileSuffix = ".profraw"

// A RawProfile is one raw profile file written by an instrumented binary.
type RawProfile struct {
	// Path is the absolute path of the file.
	Path string
	// Name is its path relative to the session directory; this is what gets
	// recorded in the session so it stays stable if the tree moves.
	Name     string
	Size     int64
	Modified time.Time
	Accessed time.Time
}

// RawProfiles lists the raw profiles a session has collected, sorted by name.
func RawProfiles(session *core.Session) ([]RawProfile, error) {
	dir := RawDir(session)
	raws := []RawProfile{}
	if !fs.PathExists(dir) {
		return raws, nil
	}
	err := fs.Walk(dir, func(name string, isDir bool) error {
		if isDir || !strings.HasSuffix(name, rawProfileSuffix) {
			return nil
		}
		info, err := os.Lstat(name)
		if err != nil {
			return err
		}
		raw := RawProfile{
			Path:     name,
			Name:     strings.TrimPrefix(name, session.Dir+"/"),
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		raw.Accessed = atime.Get(info)
		raws = append(raws, raw)
		return nil
	})
	sort.Slice(raws, func(i, j int) bool { return raws[i].Name < raws[j].Name })
	return raws, err
}

// UnmergedRaws returns the raw profiles that weren't inputs to the session's last
// merge. A non-empty result on a merged session means the workload has run again
// since, so the merged profile is stale.
func UnmergedRaws(session *core.Session, raws []RawProfile) []RawProfile {
	merged := make(map[string]struct{}, len(session.MergedFrom))
	for _, name := range session.MergedFrom {
		merged[name] = struct{}{}
	}
	unmerged := []RawProfile{}
	for _, raw := range raws {
		if _, present := merged[raw.Name]; !present {
			unmerged = append(unmerged, raw)
		}
	}
	return unmerged
}

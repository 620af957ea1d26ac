package profile

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/please-build/pogo/src/core"
)

// settleDelay is how long we wait after the last filesystem event before deciding
// a new raw profile has finished being written.
const settleDelay = 500 * time.Millisecond

// WaitForProfiles blocks until the session has at least one raw profile, or the
// given context expires. It returns immediately if data is already present.
func WaitForProfiles(ctx context.Context, session *core.Session) error {
	if raws, err := RawProfiles(session); err != nil {
		return err
	} else if len(raws) > 0 {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(RawDir(session)); err != nil {
		return err
	}
	// Check again now the watch is in place; the first file may have raced us.
	if raws, err := RawProfiles(session); err != nil {
		return err
	} else if len(raws) > 0 {
		return nil
	}
	log.Notice("Waiting for profile data to appear in %s...", RawDir(session))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if !isRawProfileEvent(event) {
				continue
			}
			log.Debug("Saw new profile %s", event.Name)
			// Give the writer a moment to finish flushing it; events arrive
			// from the instant the file is created.
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case event = <-watcher.Events:
					// Still being written, keep waiting.
				case <-time.After(settleDelay):
					return nil
				}
			}
		case err := <-watcher.Errors:
			return err
		}
	}
}

// isRawProfileEvent returns true if the given event describes a raw profile being
// created or written.
func isRawProfileEvent(event fsnotify.Event) bool {
	return strings.HasSuffix(event.Name, rawProfileSuffix) && event.Op&(fsnotify.Create|fsnotify.Write) != 0
}

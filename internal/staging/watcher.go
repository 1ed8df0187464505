package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/pkg/logger"
	csync "github.com/hbomb79/Clipsync/pkg/sync"
	"github.com/rjeczalik/notify"
)

var log = logger.Get("Watcher")

type (
	WatchState int32

	// Dispatcher receives the path of each completed artifact found in
	// the staging directory. It returns false if it refuses the path, in
	// which case the watcher forgets it.
	Dispatcher interface {
		Dispatch(path string) bool
	}

	Config struct {
		// The directory the watcher should monitor for completed artifacts.
		Path string

		// Only files with this extension are considered artifacts.
		Extension string

		// The watcher relies on OS notifications, but a 'force' scan
		// can be performed on a regular interval to protect against the
		// notifications being dropped. Zero disables the periodic scan.
		ForceSyncSeconds int
	}

	// Watcher observes a single staging directory and dispatches every
	// completed artifact exactly once. Downloads are renamed in to place
	// atomically, so only the final name is ever considered; in-progress
	// '.part' files are discarded by the extension filter.
	Watcher struct {
		config     Config
		dispatcher Dispatcher
		dispatched csync.ClaimSet[string]
		state      atomic.Int32
	}
)

const (
	Idle WatchState = iota
	EventReceived
	Filtered
	Dispatched
)

const eventBufferSize = 64

// New creates a watcher for the directory in the config. The directory
// must already exist.
func New(config Config, dispatcher Dispatcher) (*Watcher, error) {
	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("staging path '%s' could not be resolved: %w", config.Path, err)
	}

	if info, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("staging path '%s' could not be accessed: %w", abs, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("staging path '%s' is not a directory", abs)
	}

	if config.Extension == "" {
		config.Extension = download.DefaultExtension
	}
	config.Path = abs

	return &Watcher{config: config, dispatcher: dispatcher}, nil
}

// Run watches the staging directory until the context is cancelled. An
// initial scan picks up any artifacts left behind by a previous process.
// Cancelling the context stops new dispatches only; jobs that have already
// been dispatched are unaffected.
func (watcher *Watcher) Run(ctx context.Context) error {
	events := make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(watcher.config.Path, events, notify.Create, notify.Rename); err != nil {
		return fmt.Errorf("failed to watch staging directory %s: %w", watcher.config.Path, err)
	}
	defer notify.Stop(events)

	log.Emit(logger.NEW, "Watching %s for completed *%s artifacts\n", watcher.config.Path, watcher.config.Extension)
	watcher.Scan()

	var forceSync <-chan time.Time
	if watcher.config.ForceSyncSeconds > 0 {
		ticker := time.NewTicker(time.Duration(watcher.config.ForceSyncSeconds) * time.Second)
		defer ticker.Stop()
		forceSync = ticker.C
	}

	for {
		select {
		case ev := <-events:
			watcher.handleEvent(ev.Path())
		case <-forceSync:
			watcher.Scan()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Stopped watching %s\n", watcher.config.Path)
			return nil
		}
	}
}

// Scan lists the staging directory and dispatches every completed
// artifact which is not already dispatched. It returns the number of
// new dispatches.
func (watcher *Watcher) Scan() int {
	entries, err := os.ReadDir(watcher.config.Path)
	if err != nil {
		log.Emit(logger.ERROR, "Scan of %s failed: %v\n", watcher.config.Path, err)
		return 0
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if watcher.handleEvent(filepath.Join(watcher.config.Path, entry.Name())) {
			count++
		}
	}

	log.Emit(logger.DEBUG, "Scan of %s dispatched %d artifact(s)\n", watcher.config.Path, count)
	return count
}

// Release forgets a dispatched path. It must be called once the job for
// the path has terminated so that a new file at the same path can be
// dispatched again.
func (watcher *Watcher) Release(path string) {
	watcher.dispatched.Release(path)
}

// IsDispatched reports whether the path currently has a job in flight.
func (watcher *Watcher) IsDispatched(path string) bool {
	return watcher.dispatched.Contains(path)
}

func (watcher *Watcher) State() WatchState { return WatchState(watcher.state.Load()) }

func (watcher *Watcher) Path() string { return watcher.config.Path }

func (watcher *Watcher) handleEvent(path string) bool {
	watcher.setState(EventReceived)
	defer watcher.setState(Idle)

	if !watcher.accepts(path) {
		log.Emit(logger.VERBOSE, "Ignoring staging event for %s\n", path)
		return false
	}
	watcher.setState(Filtered)

	if !watcher.dispatched.Claim(path) {
		log.Emit(logger.VERBOSE, "Ignoring duplicate staging event for %s\n", path)
		return false
	}

	if !watcher.dispatcher.Dispatch(path) {
		watcher.dispatched.Release(path)
		return false
	}

	watcher.setState(Dispatched)
	log.Emit(logger.INFO, "Dispatched upload job for %s\n", path)
	return true
}

// accepts filters out in-progress downloads, foreign files and paths
// which no longer exist (such as the source of a rename).
func (watcher *Watcher) accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(name, download.PartSuffix) || strings.HasPrefix(name, ".") {
		return false
	}

	if filepath.Ext(name) != watcher.config.Extension {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to stat staging event path %s: %v\n", path, err)
		}

		return false
	}

	return info.Mode().IsRegular()
}

func (watcher *Watcher) setState(state WatchState) {
	watcher.state.Store(int32(state))
}

func (s WatchState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case EventReceived:
		return "EVENT_RECEIVED"
	case Filtered:
		return "FILTERED"
	case Dispatched:
		return "DISPATCHED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int32(s))
	}
}

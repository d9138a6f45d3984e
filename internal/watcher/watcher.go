// Package watcher implements the Filesystem Watcher contract from
// spec.md section 4.2: two interchangeable implementations (push via
// fsnotify, pull via periodic polling) emitting FileArrival events with
// at-least-once delivery semantics for paths matching a configured
// pattern under a watched directory.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileArrival is one observed, stable (non-partially-written) file.
type FileArrival struct {
	Path         string
	DiscoveredAt time.Time
}

// Watcher emits FileArrival events on Events() until ctx is cancelled or
// Close is called.
type Watcher interface {
	Events() <-chan FileArrival
	Errors() <-chan error
	Close() error
}

// Matcher reports whether a path should be watched at all (e.g. a glob
// over the configured subband filename grammar). A nil Matcher matches
// every path.
type Matcher func(path string) bool

// Push is an fsnotify-backed watcher: it reacts to filesystem events
// directly rather than polling, at the cost of needing a settle delay
// to dodge partial-write races on file creation.
type Push struct {
	watcher     *fsnotify.Watcher
	matcher     Matcher
	settleDelay time.Duration
	log         *zap.SugaredLogger

	events chan FileArrival
	errs   chan error
	done   chan struct{}
}

// NewPush starts a push watcher rooted at dir. settleDelay bounds how
// long the watcher waits after a create/write event before emitting the
// arrival, giving writers a chance to finish.
func NewPush(dir string, matcher Matcher, settleDelay time.Duration, log *zap.SugaredLogger) (*Push, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}
	if matcher == nil {
		matcher = func(string) bool { return true }
	}
	p := &Push{
		watcher:     fw,
		matcher:     matcher,
		settleDelay: settleDelay,
		log:         log,
		events:      make(chan FileArrival, 256),
		errs:        make(chan error, 16),
		done:        make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *Push) run() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !p.matcher(ev.Name) {
				continue
			}
			go p.emitAfterSettle(ev.Name)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			select {
			case p.errs <- err:
			default:
				p.log.Warnw("dropped fsnotify error, channel full", "error", err)
			}
		case <-p.done:
			return
		}
	}
}

// emitAfterSettle waits settleDelay then confirms the file's size is
// unchanged before emitting, approximating the pull watcher's debounce
// for the push path.
func (p *Push) emitAfterSettle(path string) {
	before, err := os.Stat(path)
	if err != nil {
		return // file vanished before settling; a later event will catch it if it reappears
	}
	select {
	case <-time.After(p.settleDelay):
	case <-p.done:
		return
	}
	after, err := os.Stat(path)
	if err != nil || after.Size() != before.Size() {
		return // still being written; the next Write event will retry
	}
	select {
	case p.events <- FileArrival{Path: path, DiscoveredAt: time.Now()}:
	case <-p.done:
	}
}

func (p *Push) Events() <-chan FileArrival { return p.events }
func (p *Push) Errors() <-chan error       { return p.errs }

// Close stops the watcher and releases the underlying fsnotify handle.
func (p *Push) Close() error {
	close(p.done)
	return p.watcher.Close()
}

// Pull is a periodic polling watcher: the same file must be observed
// twice with unchanged size before emission, avoiding partial-write
// races without relying on OS-level notification support.
type Pull struct {
	dir      string
	matcher  Matcher
	interval time.Duration
	log      *zap.SugaredLogger

	events chan FileArrival
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPull starts a pull watcher polling dir every interval.
func NewPull(ctx context.Context, dir string, matcher Matcher, interval time.Duration, log *zap.SugaredLogger) *Pull {
	if matcher == nil {
		matcher = func(string) bool { return true }
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &Pull{
		dir:      dir,
		matcher:  matcher,
		interval: interval,
		log:      log,
		events:   make(chan FileArrival, 256),
		errs:     make(chan error, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.run(runCtx)
	return p
}

func (p *Pull) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	lastSize := make(map[string]int64)
	emitted := make(map[string]bool)

	scan := func() {
		entries, err := os.ReadDir(p.dir)
		if err != nil {
			select {
			case p.errs <- fmt.Errorf("poll directory %s: %w", p.dir, err):
			default:
			}
			return
		}
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(p.dir, e.Name())
			if !p.matcher(path) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			seen[path] = true
			if emitted[path] {
				continue
			}
			size := info.Size()
			prev, known := lastSize[path]
			lastSize[path] = size
			if known && prev == size {
				emitted[path] = true
				select {
				case p.events <- FileArrival{Path: path, DiscoveredAt: time.Now()}:
				case <-ctx.Done():
					return
				}
			}
		}
		for path := range lastSize {
			if !seen[path] {
				delete(lastSize, path)
				delete(emitted, path)
			}
		}
	}

	scan()
	for {
		select {
		case <-ticker.C:
			scan()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pull) Events() <-chan FileArrival { return p.events }
func (p *Pull) Errors() <-chan error       { return p.errs }

// Close stops polling.
func (p *Pull) Close() error {
	p.cancel()
	<-p.done
	return nil
}

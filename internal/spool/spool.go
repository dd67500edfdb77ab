// Package spool is a speech provider fed through the filesystem: a recognizer
// drops JSON message files into {dir}/{source}/ and each file is ingested
// once, then removed.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/coachline/internal/session"
	"github.com/snarg/coachline/internal/transcript"
)

// OfflineMarker is the file name a recognizer writes to signal that its
// stream has ended unexpectedly.
const OfflineMarker = "offline"

// ErrOffline is reported to the sink when the offline marker appears.
var ErrOffline = errors.New("recognizer reported offline")

type Options struct {
	Dir      string
	Debounce time.Duration // coalesce Create+Write bursts; default 100ms
	Log      zerolog.Logger
}

// Provider implements session.Provider over a spool directory.
type Provider struct {
	dir      string
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	sources map[transcript.Source]*sourceWatch

	filesProcessed atomic.Int64
	filesRejected  atomic.Int64
}

var _ session.Provider = (*Provider)(nil)

func New(opts Options) *Provider {
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	return &Provider{
		dir:      opts.Dir,
		debounce: opts.Debounce,
		log:      opts.Log.With().Str("component", "spool").Logger(),
		sources:  make(map[transcript.Source]*sourceWatch),
	}
}

type sourceWatch struct {
	p       *Provider
	source  transcript.Source
	dir     string
	sink    session.Sink
	watcher *fsnotify.Watcher
	done    chan struct{}

	// Debounce: any burst of events schedules one ordered drain of the
	// directory, so files are ingested in name order.
	debounceMu sync.Mutex
	timer      *time.Timer
	stopped    bool
	drainMu    sync.Mutex
}

// Start watches {dir}/{source}, creating it if needed, and drains any files
// already present in name order.
func (p *Provider) Start(ctx context.Context, source transcript.Source, sink session.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sources[source]; ok {
		return nil
	}

	dir := filepath.Join(p.dir, string(source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	// A marker left over from an earlier run does not apply to this stream.
	_ = os.Remove(filepath.Join(dir, OfflineMarker))

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &sourceWatch{
		p:       p,
		source:  source,
		dir:     dir,
		sink:    sink,
		watcher: w,
		done:    make(chan struct{}),
	}
	p.sources[source] = sw

	go sw.watchLoop()
	sw.schedule()

	p.log.Info().Str("source", string(source)).Str("watch_dir", dir).Msg("spool watcher started")
	return nil
}

// Stop closes the source's watcher and waits for an in-flight drain, which
// gives up at the next message. Unprocessed files are left on disk.
func (p *Provider) Stop(source transcript.Source) {
	p.mu.Lock()
	sw, ok := p.sources[source]
	delete(p.sources, source)
	p.mu.Unlock()
	if !ok {
		return
	}
	sw.stop()
	p.log.Info().
		Str("source", string(source)).
		Int64("files_processed", p.filesProcessed.Load()).
		Int64("files_rejected", p.filesRejected.Load()).
		Msg("spool watcher stopped")
}

// Close stops every source.
func (p *Provider) Close() {
	for _, src := range transcript.Sources {
		p.Stop(src)
	}
}

func (sw *sourceWatch) stop() {
	sw.debounceMu.Lock()
	sw.stopped = true
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.debounceMu.Unlock()
	sw.watcher.Close()
	<-sw.done
	// Wait out a drain already in flight.
	sw.drainMu.Lock()
	sw.drainMu.Unlock()
}

func (sw *sourceWatch) watchLoop() {
	defer close(sw.done)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !wanted(event.Name) {
				continue
			}
			sw.schedule()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.p.log.Error().Err(err).Str("source", string(sw.source)).Msg("fsnotify error")
		}
	}
}

func wanted(path string) bool {
	base := filepath.Base(path)
	return base == OfflineMarker || strings.HasSuffix(strings.ToLower(base), ".json")
}

// schedule (re)arms the debounce timer so files are fully written before
// they are read.
func (sw *sourceWatch) schedule() {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()
	if sw.stopped {
		return
	}
	if sw.timer != nil {
		sw.timer.Reset(sw.p.debounce)
		return
	}
	sw.timer = time.AfterFunc(sw.p.debounce, sw.drain)
}

// drain ingests every pending file in name order.
func (sw *sourceWatch) drain() {
	sw.drainMu.Lock()
	defer sw.drainMu.Unlock()

	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		sw.p.log.Warn().Err(err).Str("source", string(sw.source)).Msg("failed to list spool dir")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && wanted(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if sw.isStopped() {
			return
		}
		sw.process(filepath.Join(sw.dir, name))
	}
}

func (sw *sourceWatch) isStopped() bool {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()
	return sw.stopped
}

func (sw *sourceWatch) process(path string) {
	if filepath.Base(path) == OfflineMarker {
		if _, err := os.Stat(path); err != nil {
			return
		}
		_ = os.Remove(path)
		sw.p.log.Warn().Str("source", string(sw.source)).Msg("recognizer reported offline")
		sw.sink.Disconnected(sw.source, ErrOffline)
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			sw.p.log.Warn().Err(err).Str("path", path).Msg("failed to read spool file")
		}
		return
	}
	msgs, err := transcript.DecodeMessages(data)
	if err != nil {
		sw.p.filesRejected.Add(1)
		sw.p.log.Warn().Err(err).Str("path", path).Msg("rejecting spool file")
		sw.quarantine(path)
		return
	}

	arrived := time.Now()
	for _, m := range msgs {
		// A stopped source leaves the rest of the file on disk.
		if sw.isStopped() {
			return
		}
		if m.IsLevel() {
			sw.sink.Level(sw.source, *m.Level)
			continue
		}
		sw.sink.Transcript(m.RawEvent(sw.source, arrived))
	}
	if err := os.Remove(path); err != nil {
		sw.p.log.Warn().Err(err).Str("path", path).Msg("failed to remove spool file")
	}
	sw.p.filesProcessed.Add(1)
}

// quarantine renames an unparseable file so it is not picked up again.
func (sw *sourceWatch) quarantine(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil {
		sw.p.log.Warn().Err(err).Str("path", path).Msg("failed to quarantine spool file")
	}
}

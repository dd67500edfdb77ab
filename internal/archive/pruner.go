package archive

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes local session documents older than the retention period.
// Only the local store is pruned; S3 lifecycle rules cover the bucket.
type Pruner struct {
	root      string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewPruner prunes the store's directory every interval. retention <= 0
// disables pruning.
func NewPruner(store *LocalStore, retention, interval time.Duration, log zerolog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		root:      store.dir,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		log:       log.With().Str("component", "archive-pruner").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	go p.loop()
}

// Stop ends the loop and waits for an in-progress prune.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pruner) loop() {
	defer close(p.done)
	// Run once on startup to clear any backlog from downtime
	p.Prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune()
		case <-p.stop:
			return
		}
	}
}

// Prune removes expired documents and any date directories left empty, and
// returns the number of documents removed.
func (p *Pruner) Prune() int {
	if p.retention <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.retention)

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	var dirs []string

	filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != p.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{path: path, modTime: info.ModTime()})
		return nil
	})

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	pruned := 0
	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			break
		}
		if err := os.Remove(f.path); err != nil {
			p.log.Warn().Err(err).Str("path", f.path).Msg("prune failed")
			continue
		}
		pruned++
	}

	// Deepest first so parents empty out after their children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if remaining, err := os.ReadDir(d); err == nil && len(remaining) == 0 {
			os.Remove(d)
		}
	}

	if pruned > 0 {
		p.log.Info().Int("pruned", pruned).Dur("retention", p.retention).Msg("archive prune complete")
	}
	return pruned
}

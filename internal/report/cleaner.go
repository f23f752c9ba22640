package report

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/interview-practice-lab/internal/logging"
)

// Cleaner removes reports older than Retention and keeps at most MaxFiles
// (0 means unlimited), oldest first.
type Cleaner struct {
	Dir       string
	Retention time.Duration
	MaxFiles  int
	Clock     clock.WithTicker
}

func (c *Cleaner) clock() clock.WithTicker {
	if c.Clock == nil {
		return clock.RealClock{}
	}
	return c.Clock
}

// Start runs Sweep every interval until ctx is done. Caller must call
// wg.Add(1) first; the goroutine calls wg.Done on exit.
func (c *Cleaner) Start(ctx context.Context, wg *sync.WaitGroup, interval time.Duration) {
	ticker := c.clock().NewTicker(interval)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if n, err := c.Sweep(); err != nil {
					logging.Debugw("report: cleanup failed", "dir", c.Dir, "err", err)
				} else if n > 0 {
					logging.Infow("report: cleanup removed reports", "dir", c.Dir, "removed", n)
				}
			}
		}
	}()
}

// Sweep applies the retention rules once and returns how many reports it
// removed.
func (c *Cleaner) Sweep() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return 0, err
	}
	type reportFile struct {
		path string
		mod  time.Time
	}
	var files []reportFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, reportFile{path: filepath.Join(c.Dir, name), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	removed := 0
	keep := files[:0]
	if c.Retention > 0 {
		cutoff := c.clock().Now().Add(-c.Retention)
		for _, f := range files {
			if f.mod.Before(cutoff) {
				if os.Remove(f.path) == nil {
					removed++
				}
				continue
			}
			keep = append(keep, f)
		}
	} else {
		keep = files
	}
	if c.MaxFiles > 0 && len(keep) > c.MaxFiles {
		for _, f := range keep[:len(keep)-c.MaxFiles] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

package beads

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beadworks/mayor/internal/eventbus"
)

// watchDebounce coalesces bursts of file events into one board update.
const watchDebounce = 500 * time.Millisecond

// Watcher observes the bead directory with fsnotify and emits board:update
// events when bead files change outside this process (a human editing YAML,
// another mayor instance committing, a git pull).
type Watcher struct {
	store *Store
	bus   *eventbus.Bus
	fsw   *fsnotify.Watcher
}

// NewWatcher creates a watcher over the store's metadata directory.
func NewWatcher(store *Store, bus *eventbus.Bus) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(store.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{store: store, bus: bus, fsw: fsw}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[BeadWatcher] watch error: %v", err)
		case <-fire:
			w.emitBoard()
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) emitBoard() {
	stats, err := w.store.Stats()
	if err != nil {
		log.Printf("[BeadWatcher] stats after file change: %v", err)
		return
	}
	w.bus.Emit(eventbus.EventBoardUpdate, stats)
}

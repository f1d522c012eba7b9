// Package watch monitors the attachments directory for settled writes and
// requests an on-demand sync pass when new receipt files land.
//
// A burst of writes (a camera roll import, a scanner dumping pages)
// coalesces into one request: the debounce timer restarts on every event
// and fires only after the directory goes quiet.
package watch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last write before a sync
// request fires.
const DefaultDebounce = 2 * time.Second

// attachment extensions worth reacting to
var watchedExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".pdf":  true,
}

// Watcher monitors an attachments directory and emits debounced sync
// requests.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
	logger   *log.Logger

	requests chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a Watcher for dir. A non-positive debounce takes the
// default; a nil logger gets a stderr default.
func New(dir string, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:  fsw,
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is created if missing.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create attachments directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and blocks until the event loop exits.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	close(w.requests)
	return nil
}

// Requests returns the channel that receives one signal per settled burst
// of attachment writes. Closed when the watcher stops.
func (w *Watcher) Requests() <-chan struct{} {
	return w.requests
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Restart the quiet-period timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			fire = nil
			w.logger.Printf("attachments settled, requesting sync")
			select {
			case w.requests <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}

// relevant filters to create/write events on attachment files.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	return watchedExts[ext]
}

package contextcache

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// bootstrapDoc is the on-disk shape of the bootstrap document.
type bootstrapDoc struct {
	// Defaults apply to any user without an explicit entry.
	Defaults map[Segment]json.RawMessage `json:"defaults"`
	// Users maps user ids to per-segment payloads.
	Users map[string]map[Segment]json.RawMessage `json:"users"`
}

// Bootstrap holds last-resort context segments loaded from a JSON file.
//
// The file is watched; edits are picked up without a restart so support
// staff can ship corrected defaults to a device in the field.
type Bootstrap struct {
	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher

	mu  sync.RWMutex
	doc bootstrapDoc
}

// LoadBootstrap reads the bootstrap document and starts watching it for
// changes. The file must exist and parse; a device with a corrupt
// bootstrap document should fail loudly at startup, not at first miss.
func LoadBootstrap(path string, logger *log.Logger) (*Bootstrap, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[contextcache] ", log.LstdFlags)
	}

	b := &Bootstrap{path: path, logger: logger}
	if err := b.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch bootstrap document: %w", err)
	}
	b.watcher = watcher

	go b.watch()
	return b, nil
}

// Segment returns the bootstrap payload for a user and segment,
// preferring a per-user entry over the defaults.
func (b *Bootstrap) Segment(userID string, segment Segment) (json.RawMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if user, ok := b.doc.Users[userID]; ok {
		if payload, ok := user[segment]; ok {
			return payload, true
		}
	}
	payload, ok := b.doc.Defaults[segment]
	return payload, ok
}

// Close stops the file watcher.
func (b *Bootstrap) Close() error {
	if b.watcher == nil {
		return nil
	}
	return b.watcher.Close()
}

func (b *Bootstrap) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap document: %w", err)
	}

	var doc bootstrapDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse bootstrap document %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.doc = doc
	b.mu.Unlock()
	return nil
}

func (b *Bootstrap) watch() {
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := b.reload(); err != nil {
				// Keep serving the previous document on a bad edit.
				b.logger.Printf("Bootstrap reload failed, keeping previous document: %v", err)
				continue
			}
			b.logger.Printf("Reloaded bootstrap document %s", b.path)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Printf("Bootstrap watcher error: %v", err)
		}
	}
}

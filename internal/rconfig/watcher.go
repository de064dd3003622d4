// Package rconfig implements the hot-reload facility (component I): a
// fsnotify watch on a JSON sidecar file carrying a narrow, safe-to-change
// slice of manager tunables. The latest parsed values are kept in an
// atomic snapshot readable through Current, and each update is handed to
// an onApply callback, which the facade wires to the Manager's setters.
package rconfig

import (
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Tunables is the subset of Config that may change on a live Manager
// without touching ceilings or swap policy, which are fixed at
// construction.
type Tunables struct {
	PreemptiveLoad            bool    `json:"preemptive_load"`
	SwapOutFraction           float64 `json:"swap_out_fraction"`
	SwapInFraction            float64 `json:"swap_in_fraction"`
	PreemptiveTurnoffFraction float64 `json:"preemptive_turnoff_fraction"`
}

// Watcher watches a single JSON file and republishes its parsed contents
// through Current whenever it changes.
type Watcher struct {
	path    string
	current atomic.Pointer[Tunables]

	w       *fsnotify.Watcher
	onApply func(Tunables)
	errC    chan error
}

// New creates a Watcher over path, seeding Current from its present
// contents (or zero-value Tunables if they cannot be read or parsed), and
// begins watching for changes. path must already exist: if it does not,
// adding the watch fails and New returns that error. onApply, if non-nil, is called with every
// successfully parsed update (typically wired to a Manager's live tunable
// setters).
func New(path string, onApply func(Tunables)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &Watcher{path: path, w: fw, onApply: onApply, errC: make(chan error, 1)}

	if t, err := load(path); err == nil {
		cw.current.Store(t)
	} else {
		cw.current.Store(&Tunables{})
	}

	if err := fw.Add(path); err != nil {
		_ = fw.Close()

		return nil, err
	}

	go cw.loop()

	return cw, nil
}

func load(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Tunables
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

func (cw *Watcher) loop() {
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			t, err := load(cw.path)
			if err != nil {
				select {
				case cw.errC <- err:
				default:
				}

				continue
			}

			cw.current.Store(t)

			if cw.onApply != nil {
				cw.onApply(*t)
			}
		case _, ok := <-cw.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently applied Tunables.
func (cw *Watcher) Current() Tunables { return *cw.current.Load() }

// Errors surfaces parse/read errors encountered while reloading.
func (cw *Watcher) Errors() <-chan error { return cw.errC }

// Close stops watching.
func (cw *Watcher) Close() error { return cw.w.Close() }

// Package state merges bookmark fragments released by successful drains into
// one state document and writes it out once per flush cycle.
package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tidewater/internal/jsoncodec"
	"tidewater/internal/logging"
	"tidewater/internal/telemetry"
)

type Options struct {
	// Path is the state file, overwritten on every emit. Empty means Out.
	Path string
	// Out receives one JSON line per emit when Path is empty (stdout by default).
	Out io.Writer
}

type staged struct {
	stream   string
	fragment map[string]any
}

// Reconciler owns the global state. It is only touched between parallel
// drain phases, so it carries no lock.
type Reconciler struct {
	opts    Options
	global  map[string]any
	staged  []staged
	emitted int
	dirty   bool
}

func New(opts Options) *Reconciler {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Reconciler{opts: opts, global: map[string]any{}}
}

// Stage queues a fragment for the next Merge. An empty stream name stages a
// root-level fragment.
func (r *Reconciler) Stage(stream string, fragment map[string]any) {
	if fragment == nil {
		return
	}
	r.staged = append(r.staged, staged{stream: stream, fragment: fragment})
}

// Pending reports how many fragments wait for Merge.
func (r *Reconciler) Pending() int { return len(r.staged) }

// Dirty reports whether the state changed since the last Emit.
func (r *Reconciler) Dirty() bool { return r.dirty || len(r.staged) > 0 }

// Emitted reports how many snapshots were written.
func (r *Reconciler) Emitted() int { return r.emitted }

// Merge folds every staged fragment into the global state, in staging order.
func (r *Reconciler) Merge() {
	if len(r.staged) > 0 {
		r.dirty = true
	}
	for _, s := range r.staged {
		if s.stream == "" {
			DeepMerge(r.global, s.fragment)
			continue
		}
		bookmarks, ok := r.global["bookmarks"].(map[string]any)
		if !ok {
			bookmarks = map[string]any{}
			r.global["bookmarks"] = bookmarks
		}
		dst, ok := bookmarks[s.stream].(map[string]any)
		if !ok {
			dst = map[string]any{}
			bookmarks[s.stream] = dst
		}
		DeepMerge(dst, s.fragment)
	}
	r.staged = nil
}

// Snapshot returns a deep copy of the global state.
func (r *Reconciler) Snapshot() map[string]any {
	return deepCopy(r.global).(map[string]any)
}

// Emit writes the global state as one JSON line.
func (r *Reconciler) Emit() error {
	raw, err := jsoncodec.Marshal(r.global)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	raw = append(raw, '\n')
	if r.opts.Path != "" {
		if err := writeFileAtomic(r.opts.Path, raw); err != nil {
			return fmt.Errorf("state: write %s: %w", r.opts.Path, err)
		}
	} else if _, err := r.opts.Out.Write(raw); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	r.emitted++
	r.dirty = false
	telemetry.StateEmits.Inc()
	logging.L().Debug("state emitted", "bytes", len(raw), "emits", r.emitted)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package resume

import "fmt"

// Tracker accumulates the output offset and persists a checkpoint after
// every delivered segment. A Tracker without a store only counts bytes.
type Tracker struct {
	store  Store
	last   Checkpoint
	skipTo string
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Load restores the stored checkpoint, if any. A restored checkpoint puts
// the tracker in skip mode until its pathname is matched.
func (t *Tracker) Load() (Checkpoint, bool, error) {
	if t.store == nil {
		return Checkpoint{}, false, nil
	}
	cp, ok, err := t.store.Load()
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok {
		t.last = cp
		t.skipTo = cp.Pathname
	}
	return cp, ok, nil
}

// Skipping reports whether items are still being skipped up to the restored
// checkpoint pathname.
func (t *Tracker) Skipping() bool { return t.skipTo != "" }

// SkipTo returns the pathname skip mode is looking for.
func (t *Tracker) SkipTo() string { return t.skipTo }

// Match checks pathname against the restored checkpoint and leaves skip mode
// when they are equal.
func (t *Tracker) Match(pathname string) bool {
	if t.skipTo != "" && t.skipTo == pathname {
		t.skipTo = ""
		return true
	}
	return false
}

// StopSkipping leaves skip mode without a match.
func (t *Tracker) StopSkipping() { t.skipTo = "" }

// Delivered records that n more bytes of the segment identified by pathname
// are in the output, and persists the new checkpoint.
func (t *Tracker) Delivered(pathname string, n int64) (Checkpoint, error) {
	t.last = Checkpoint{Pathname: pathname, Offset: t.last.Offset + n}
	if t.store != nil {
		if err := t.store.Save(t.last); err != nil {
			return t.last, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return t.last, nil
}

// Complete removes the stored checkpoint after a successful download.
func (t *Tracker) Complete() error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Remove(); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

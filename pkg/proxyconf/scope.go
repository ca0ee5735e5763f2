package proxyconf

import (
	"github.com/function61/certkeeper/pkg/ckdomain"
)

// scoped acquisition of config swaps. the scope ends with exactly one of Release(),
// Commit() or Keep(); later calls are no-ops so "defer scope.Release()" is always safe.
type Swap struct {
	switcher *Switcher
	done     bool
}

// opens a scope without touching anything
func (s *Switcher) Scope() *Swap {
	return &Swap{switcher: s}
}

// opens a scope and swaps to variant. on error (e.g. ConfigMissing) nothing was
// mutated and no scope is returned.
func (s *Switcher) Swap(variant ckdomain.Variant) (*Swap, error) {
	scope := s.Scope()

	if err := scope.To(variant); err != nil {
		return nil, err
	}

	return scope, nil
}

func (w *Swap) To(variant ckdomain.Variant) error {
	return w.switcher.SwapTo(variant)
}

// restores the pre-swap config
func (w *Swap) Release() error {
	if w == nil || w.done {
		return nil
	}
	w.done = true

	_, err := w.switcher.RestoreIfBackedUp()
	return err
}

// ends the scope with variant as the final active config
func (w *Swap) Commit(variant ckdomain.Variant) error {
	if w == nil || w.done {
		return nil
	}
	w.done = true

	return w.switcher.Promote(variant)
}

// ends the scope keeping the current active config, dropping the marker
func (w *Swap) Keep() error {
	if w == nil || w.done {
		return nil
	}
	w.done = true

	return w.switcher.DiscardBackup()
}

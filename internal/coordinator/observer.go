package coordinator

import (
	"sync"

	"github.com/mkerrow/strata/internal/txn"
)

// Commit describes one committed write turn to observers and to
// Perform completions.
type Commit struct {
	// Store is the attach configuration of the store that committed.
	Store StoreConfig
	// Seq is the coordinator-wide commit sequence.
	Seq int64
	// Changes is the turn's net change set.
	Changes *txn.ChangeSet
}

// Observer receives committed change sets. Delivery happens on the
// committing store's writer goroutine, after the commit and before the
// submitting caller is released, in commit-sequence order.
//
// An observer must not call PerformSync against the store that is
// notifying it; that would wait on the goroutine it is running on.
// Async Perform and reads are fine.
type Observer interface {
	StoreDidCommit(c Commit)
}

type observerList struct {
	mu   sync.RWMutex
	list []Observer
}

func (ol *observerList) add(o Observer) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.list = append(ol.list, o)
}

func (ol *observerList) remove(o Observer) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	for i, have := range ol.list {
		if have == o {
			ol.list = append(ol.list[:i], ol.list[i+1:]...)
			return
		}
	}
}

func (ol *observerList) notify(c Commit) {
	ol.mu.RLock()
	observers := make([]Observer, len(ol.list))
	copy(observers, ol.list)
	ol.mu.RUnlock()
	for _, o := range observers {
		o.StoreDidCommit(c)
	}
}

package coordinator

import "fmt"

// StoreState is the lifecycle position of one store under a coordinator.
//
// The legal transitions are
//
//	Unattached -> Attaching -> Attached
//	Attaching  -> Migrating -> Attaching      (stale file, policy permitting)
//	Attached   -> Checkpointing -> Attached
//	Attached   -> Erasing -> Unattached
//	Attached   -> Unattached                  (detach)
//
// Everything else is refused with ErrInvalidState.
type StoreState int

const (
	StateUnattached StoreState = iota
	StateAttaching
	StateMigrating
	StateAttached
	StateCheckpointing
	StateErasing
)

var storeStateNames = map[StoreState]string{
	StateUnattached:    "unattached",
	StateAttaching:     "attaching",
	StateMigrating:     "migrating",
	StateAttached:      "attached",
	StateCheckpointing: "checkpointing",
	StateErasing:       "erasing",
}

func (s StoreState) String() string {
	if name, ok := storeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StoreState(%d)", int(s))
}

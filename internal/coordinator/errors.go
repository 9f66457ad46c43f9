package coordinator

import "errors"

var (
	// ErrStoreMissing reports an attach of a nonexistent file under a
	// policy that refuses to create one.
	ErrStoreMissing = errors.New("store file missing")

	// ErrMigrationRequired reports a stale store under a policy that
	// refuses to migrate it.
	ErrMigrationRequired = errors.New("store requires migration")

	// ErrStoreIdentityConflict reports a path already claimed by an
	// attachment in this process, or a stamped configuration label that
	// disagrees with the attach request.
	ErrStoreIdentityConflict = errors.New("store identity conflict")

	// ErrInvalidState reports an operation against a store whose
	// lifecycle state does not admit it.
	ErrInvalidState = errors.New("invalid store state")

	// ErrEntityNotRouted reports an entity whose configuration label no
	// attached store serves.
	ErrEntityNotRouted = errors.New("entity not routed to any attached store")

	// ErrAmbiguousStore reports an entity served by more than one
	// attached store, with no explicit store to disambiguate.
	ErrAmbiguousStore = errors.New("entity routed to more than one attached store")

	// ErrClosed reports use of a coordinator after Close.
	ErrClosed = errors.New("coordinator closed")
)

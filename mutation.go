package feedsync

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// optimistic mutation protocol:
//  1. snapshot every cache key the mutation will touch
//  2. apply provisional state locally so the ui reflects the action
//     with zero latency
//  3. commit to the server. the only suspension point, single-shot,
//     never retried here
//  4. on success fold the authoritative result into the store
//  5. on failure restore every touched key to its snapshot
//  6. always mark server-derived aggregates stale
//
// rollback restores the snapshotted values by reference. cached values
// are never mutated in place (store contract), so the restored
// references are exactly, deeply, the pre-operation state.

type OperationState string

const (
	OperationStatePending    OperationState = "pending"
	OperationStateCommitted  OperationState = "committed"
	OperationStateRolledBack OperationState = "rolled-back"
)

type keySnapshot struct {
	value any
	ok    bool
}

type pendingOperation struct {
	operationId Id
	keys        []CacheKey
	snapshots   map[CacheKey]keySnapshot
	state       OperationState
}

type Mutation[R any] struct {
	// every cache key the mutation may write. snapshotted for rollback.
	Keys []CacheKey
	// writes the provisional state. must be idempotent: applying twice
	// for the same temporary id is a no-op.
	Apply func(store *Store)
	// the single suspension point. one non-cancellable call.
	Commit func() (R, error)
	// folds the server-confirmed result into the store
	Reconcile func(store *Store, result R)
	// aggregates that cannot be locally patched correctly.
	// marked stale on success and on failure.
	Invalidate []CacheKey
}

type MutationCoordinator struct {
	store *Store

	stateLock  sync.Mutex
	operations map[Id]*pendingOperation

	committedCount  int
	rolledBackCount int
}

func NewMutationCoordinator(store *Store) *MutationCoordinator {
	return &MutationCoordinator{
		store:      store,
		operations: map[Id]*pendingOperation{},
	}
}

// operations currently in flight. an operation never outlives its
// commit call: it resolves to committed or rolled back, then leaves.
func (self *MutationCoordinator) PendingOperationCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.operations)
}

func (self *MutationCoordinator) Counts() (committedCount int, rolledBackCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.committedCount, self.rolledBackCount
}

func RunMutation[R any](self *MutationCoordinator, mutation *Mutation[R]) (R, error) {
	operation := &pendingOperation{
		operationId: NewId(),
		keys:        mutation.Keys,
		snapshots:   map[CacheKey]keySnapshot{},
		state:       OperationStatePending,
	}

	// snapshot
	for _, key := range mutation.Keys {
		value, ok := self.store.Read(key)
		operation.snapshots[key] = keySnapshot{
			value: value,
			ok:    ok,
		}
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.operations[operation.operationId] = operation
	}()

	// local apply
	if mutation.Apply != nil {
		mutation.Apply(self.store)
	}

	// commit
	result, err := mutation.Commit()

	if err == nil {
		if mutation.Reconcile != nil {
			mutation.Reconcile(self.store, result)
		}
		self.resolve(operation, OperationStateCommitted)
	} else {
		glog.Infof("[mutation]%s rollback: %s\n", operation.operationId, err)
		self.rollback(operation)
		self.resolve(operation, OperationStateRolledBack)
	}

	for _, key := range mutation.Invalidate {
		self.store.Invalidate(key)
	}

	if err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}

func (self *MutationCoordinator) rollback(operation *pendingOperation) {
	for _, key := range maps.Keys(operation.snapshots) {
		snapshot := operation.snapshots[key]
		if snapshot.ok {
			self.store.Write(key, snapshot.value)
		} else {
			self.store.Remove(key)
		}
	}
}

func (self *MutationCoordinator) resolve(operation *pendingOperation, state OperationState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operation.state = state
	// commit clears the snapshots
	operation.snapshots = nil
	delete(self.operations, operation.operationId)
	switch state {
	case OperationStateCommitted:
		self.committedCount += 1
	case OperationStateRolledBack:
		self.rolledBackCount += 1
	}
}

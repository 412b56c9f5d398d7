package txn

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
	"github.com/adofsauron/monetdb-dev/src/settings"
)

// TransactionManager orchestrates snapshot assignment, serializes
// commit attempts, applies or discards staged catalog versions, and
// surfaces the error taxonomy.
//
// Statements of different transactions run freely in parallel; the
// commit path is the one strictly serialized critical section, so the
// order transactions pass through it is the commit order the
// first-committer-wins rule refers to.
type TransactionManager struct {
	mu     sync.Mutex
	active map[catalog.TxID]*Transaction
	nextID catalog.TxID

	// commitMu serializes commit attempts end to end: validation,
	// publication and window recording happen under it.
	commitMu sync.Mutex

	store     *catalog.CatalogStore
	graph     *catalog.DependencyGraph
	locks     *ObjectLockTable
	validator *CommitValidator
	journal   *Journal
	snapshots catalog.CatalogSnapshotStore

	logger *zap.SugaredLogger
}

func NewTransactionManager(store *catalog.CatalogStore, graph *catalog.DependencyGraph, logger *zap.SugaredLogger) *TransactionManager {
	return &TransactionManager{
		active:    make(map[catalog.TxID]*Transaction),
		store:     store,
		graph:     graph,
		locks:     NewObjectLockTable(logger),
		validator: NewCommitValidator(graph, logger),
		logger:    logger,
	}
}

// WithJournal attaches a commit journal.
func (tm *TransactionManager) WithJournal(journal *Journal) *TransactionManager {
	tm.journal = journal
	return tm
}

// WithSnapshotStore attaches catalog persistence; every successful
// commit rewrites the on-disk snapshot.
func (tm *TransactionManager) WithSnapshotStore(store catalog.CatalogSnapshotStore) *TransactionManager {
	tm.snapshots = store
	return tm
}

func (tm *TransactionManager) Store() *catalog.CatalogStore {
	return tm.store
}

func (tm *TransactionManager) Graph() *catalog.DependencyGraph {
	return tm.graph
}

func (tm *TransactionManager) Locks() *ObjectLockTable {
	return tm.locks
}

// Begin starts a transaction pinned to the current catalog version.
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.nextID++
	t := &Transaction{
		ID:       tm.nextID,
		Snapshot: tm.store.CurrentVersion(),
		Status:   StatusActive,
	}
	tm.active[t.ID] = t

	if settings.GetSettings().Debug && tm.logger != nil {
		tm.logger.Infof("Transaction %d started at catalog version %d", t.ID, t.Snapshot)
	}
	return t
}

// Commit validates the transaction against everything committed since
// its snapshot and either publishes its staged changes as a new
// catalog version or aborts it. An aborted transaction keeps its
// session state until the client issues an explicit rollback.
func (tm *TransactionManager) Commit(t *Transaction) error {
	tm.mu.Lock()
	if t.Status != StatusActive {
		tm.mu.Unlock()
		return fmt.Errorf("transaction %d: %w", t.ID, ErrNotActive)
	}
	t.Status = StatusValidating
	tm.mu.Unlock()

	tm.commitMu.Lock()
	defer tm.commitMu.Unlock()

	if err := tm.validator.Validate(t); err != nil {
		tm.abort(t)
		if jerr := tm.journal.Append(t.ID, "abort", 0, err.Error()); jerr != nil && tm.logger != nil {
			tm.logger.Errorf("Failed to journal abort of transaction %d: %v", t.ID, jerr)
		}
		return err
	}

	commitSeq := tm.store.Publish(t.ID, t.Pending)
	tm.applyGraphChanges(t)
	tm.validator.Record(t, commitSeq)
	tm.validator.Prune(tm.oldestActiveSnapshot(t.ID))

	tm.mu.Lock()
	t.Status = StatusCommitted
	delete(tm.active, t.ID)
	tm.mu.Unlock()
	tm.locks.ReleaseAll(t.ID)

	if err := tm.journal.Append(t.ID, "commit", commitSeq, ""); err != nil && tm.logger != nil {
		tm.logger.Errorf("Failed to journal commit of transaction %d: %v", t.ID, err)
	}
	if tm.snapshots != nil {
		if err := tm.snapshots.SaveSnapshot(tm.store); err != nil && tm.logger != nil {
			tm.logger.Errorf("Failed to persist catalog snapshot after commit %d: %v", commitSeq, err)
		}
	}

	if settings.GetSettings().Debug && tm.logger != nil {
		tm.logger.Infof("Transaction %d committed as catalog version %d", t.ID, commitSeq)
	}
	return nil
}

// Rollback discards the transaction's accumulated effect and releases
// its locks. It also closes out a transaction the validator aborted.
func (tm *TransactionManager) Rollback(t *Transaction) error {
	tm.mu.Lock()
	switch t.Status {
	case StatusActive:
		t.Status = StatusAborted
	case StatusAborted:
		// Explicit rollback after a commit abort closes the
		// transaction out. The abort keeps it registered until then,
		// so a transaction already rolled back is gone from the
		// registry and gets refused.
		if _, ok := tm.active[t.ID]; !ok {
			tm.mu.Unlock()
			return fmt.Errorf("transaction %d: %w", t.ID, ErrNotActive)
		}
	default:
		tm.mu.Unlock()
		return fmt.Errorf("transaction %d: %w", t.ID, ErrNotActive)
	}
	delete(tm.active, t.ID)
	tm.mu.Unlock()

	tm.discard(t)
	tm.locks.ReleaseAll(t.ID)
	return nil
}

// abort moves a transaction that lost commit validation to aborted.
// Its pending versions are discarded and its locks released; the
// session still owes a rollback to close the transaction state.
func (tm *TransactionManager) abort(t *Transaction) {
	tm.mu.Lock()
	t.Status = StatusAborted
	tm.mu.Unlock()

	tm.discard(t)
	tm.locks.ReleaseAll(t.ID)
}

func (tm *TransactionManager) discard(t *Transaction) {
	t.Pending = nil
	t.PendingRows = nil
}

// applyGraphChanges installs the dependency edges of committed creates
// and removes the edges of committed drops. Runs inside the commit
// critical section.
func (tm *TransactionManager) applyGraphChanges(t *Transaction) {
	for _, ch := range t.Pending {
		switch ch.Op {
		case catalog.OpCreate:
			for _, e := range ch.Edges {
				tm.graph.AddEdge(e)
			}
		case catalog.OpDrop:
			tm.graph.RemoveDependent(ch.Object.ID)
		}
	}
}

// oldestActiveSnapshot returns the snapshot floor for window pruning,
// ignoring the transaction currently committing.
func (tm *TransactionManager) oldestActiveSnapshot(committing catalog.TxID) uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	oldest := tm.store.CurrentVersion()
	for id, t := range tm.active {
		if id == committing {
			continue
		}
		if t.Snapshot < oldest {
			oldest = t.Snapshot
		}
	}
	return oldest
}

// ActiveCount reports how many transactions are currently open.
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// Close flushes and closes the attached journal.
func (tm *TransactionManager) Close() error {
	var errs error
	if err := tm.journal.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	return errs
}

package txn

import (
	"fmt"

	"github.com/tidwall/btree"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

// footprint is one transaction's effect reduced to the sets the
// conflict checks run on. Both sides of every check are footprints, so
// each check is a single symmetric predicate on a pair of set bundles
// rather than an order-sensitive sequence.
type footprint struct {
	id        catalog.TxID
	commitSeq uint64

	used    *btree.Set[catalog.ObjectID]
	changed *btree.Set[catalog.ObjectID]

	// touches is the union of structural and data writes, before
	// dependency expansion.
	touches *btree.Set[catalog.ObjectID]

	dataWriteTables     *btree.Set[catalog.ObjectID]
	constraintAddTables *btree.Set[catalog.ObjectID]
	dependentBases      *btree.Set[catalog.ObjectID]
	alteredBases        *btree.Set[catalog.ObjectID]
	partitionChildren   *btree.Set[catalog.ObjectID]
}

// conflictCheck reports the conflict between two footprints, or nil.
// Checks are composable: the statement-admission gate and the commit
// gate each carry their own list, and new conflict classes slot into
// either without touching the other.
type conflictCheck func(t, u *footprint) error

// checkFootprintOverlap is the generic rule: either side's changes
// touching the other side's footprint is a conflict, whichever
// transaction committed first.
func checkFootprintOverlap(t, u *footprint) error {
	if setsIntersect(t.used, u.changed) || setsIntersect(t.changed, u.used) {
		return fmt.Errorf("objects changed by transaction %d overlap objects used by transaction %d", u.id, t.id)
	}
	return nil
}

// checkConstraintData rejects any concurrent add-constraint and data
// mutation on the same table, in either temporal order, without
// validating the data against the new constraint. Conservative on
// purpose.
func checkConstraintData(t, u *footprint) error {
	if setsIntersect(t.constraintAddTables, u.dataWriteTables) ||
		setsIntersect(u.constraintAddTables, t.dataWriteTables) {
		return fmt.Errorf("transaction %d added a constraint on a table transaction %d wrote rows into", u.id, t.id)
	}
	return nil
}

// checkDependencyBreak rejects dropping, renaming or moving an object
// concurrently with the creation of a new view, function or trigger
// that references it. Dependent-created-then-base-altered and
// base-altered-then-dependent-created both conflict.
func checkDependencyBreak(t, u *footprint) error {
	if setsIntersect(t.alteredBases, u.dependentBases) ||
		setsIntersect(u.alteredBases, t.dependentBases) {
		return fmt.Errorf("transaction %d altered an object a dependent created by transaction %d references", u.id, t.id)
	}
	return nil
}

// checkPartitionLinkage rejects linking a table as a partition
// concurrently with any structural or data change to that table.
func checkPartitionLinkage(t, u *footprint) error {
	if setsIntersect(t.partitionChildren, u.touches) ||
		setsIntersect(u.partitionChildren, t.touches) {
		return fmt.Errorf("transaction %d linked as a partition a table transaction %d changed", u.id, t.id)
	}
	return nil
}

var commitChecks = []conflictCheck{
	checkFootprintOverlap,
	checkConstraintData,
	checkDependencyBreak,
	checkPartitionLinkage,
}

// CommitValidator keeps the index of transactions committed since any
// active snapshot and decides commit or abort for each committer. The
// transaction manager invokes it only inside the commit critical
// section, so the window needs no locking of its own.
type CommitValidator struct {
	graph  *catalog.DependencyGraph
	window []*footprint
	logger *zap.SugaredLogger
}

func NewCommitValidator(graph *catalog.DependencyGraph, logger *zap.SugaredLogger) *CommitValidator {
	return &CommitValidator{
		graph:  graph,
		logger: logger,
	}
}

// Validate checks the committing transaction against every transaction
// that committed after its snapshot. A nil result admits the commit;
// otherwise the caller gets the aggregated conflict reasons wrapped in
// a commit-abort verdict.
func (v *CommitValidator) Validate(t *Transaction) error {
	fp := v.footprintOf(t)

	var reasons error
	for _, u := range v.window {
		if u.commitSeq <= t.Snapshot {
			// Committed before the snapshot was taken; already visible.
			continue
		}
		for _, check := range commitChecks {
			if err := check(fp, u); err != nil {
				reasons = multierr.Append(reasons, err)
			}
		}
	}

	if reasons != nil {
		if v.logger != nil {
			v.logger.Infof("Transaction %d failed commit validation: %v", t.ID, reasons)
		}
		return NewCommitAborted(reasons)
	}
	return nil
}

// Record adds a successfully committed transaction to the window so
// later committers validate against it.
func (v *CommitValidator) Record(t *Transaction, commitSeq uint64) {
	fp := v.footprintOf(t)
	fp.commitSeq = commitSeq
	v.window = append(v.window, fp)
}

// Prune drops window entries every active snapshot can already see.
func (v *CommitValidator) Prune(oldestActiveSnapshot uint64) {
	kept := v.window[:0]
	for _, fp := range v.window {
		if fp.commitSeq > oldestActiveSnapshot {
			kept = append(kept, fp)
		}
	}
	v.window = kept
}

// WindowSize is exposed for tests and introspection.
func (v *CommitValidator) WindowSize() int {
	return len(v.window)
}

// footprintOf reduces a transaction to its conflict footprint,
// expanding the changed set over the dependency graph: anything that
// depends on a changed object is itself touched, and a dropped or
// renamed object drags in everything it resolves through.
func (v *CommitValidator) footprintOf(t *Transaction) *footprint {
	var touches btree.Set[catalog.ObjectID]
	setUnion(&touches, &t.StructWriteSet, &t.DataWriteSet)

	var changed btree.Set[catalog.ObjectID]
	setUnion(&changed, &touches, v.graph.Dependents(&touches))
	if t.Dropped.Len() > 0 {
		setUnion(&changed, v.graph.Dependents(&t.Dropped), v.graph.DependsOn(&t.Dropped))
	}

	return &footprint{
		id:                  t.ID,
		used:                t.Used(),
		changed:             &changed,
		touches:             &touches,
		dataWriteTables:     &t.DataWriteSet,
		constraintAddTables: &t.ConstraintAddTables,
		dependentBases:      &t.DependentBases,
		alteredBases:        &t.AlteredBases,
		partitionChildren:   &t.PartitionChildren,
	}
}

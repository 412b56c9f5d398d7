package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

func newTestValidator() (*CommitValidator, *catalog.DependencyGraph) {
	graph := catalog.NewDependencyGraph(zap.NewNop().Sugar())
	return NewCommitValidator(graph, zap.NewNop().Sugar()), graph
}

func txWith(id catalog.TxID, snapshot uint64) *Transaction {
	return &Transaction{ID: id, Snapshot: snapshot, Status: StatusActive}
}

func TestValidatePassesWithoutOverlap(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.RecordStructuralWrite(1)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.RecordStructuralWrite(2)
	require.NoError(t, v.Validate(tx))
}

func TestValidateDetectsReadWriteOverlap(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.RecordStructuralWrite(7)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.RecordRead(7)
	err := v.Validate(tx)
	require.Error(t, err)
	require.True(t, IsCommitAborted(err))
	require.EqualError(t, err, "transaction is aborted because of concurrency conflicts, will ROLLBACK instead")
}

func TestValidateDetectsWriteReadOverlap(t *testing.T) {
	v, _ := newTestValidator()

	// The committed transaction only read the object; the committer
	// changed it. The predicate is symmetric, so this direction
	// conflicts too.
	u := txWith(1, 0)
	u.RecordRead(7)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.RecordStructuralWrite(7)
	require.True(t, IsCommitAborted(v.Validate(tx)))
}

func TestValidateIgnoresCommitsBeforeSnapshot(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.RecordStructuralWrite(7)
	v.Record(u, 3)

	// A transaction whose snapshot already includes commit 3 cannot
	// conflict with it.
	tx := txWith(2, 3)
	tx.RecordRead(7)
	require.NoError(t, v.Validate(tx))

	earlier := txWith(3, 2)
	earlier.RecordRead(7)
	require.True(t, IsCommitAborted(v.Validate(earlier)))
}

func TestValidateExpandsOverDependents(t *testing.T) {
	v, graph := newTestValidator()

	// view 10 depends on table 1; the committed transaction touched
	// only the view, the committer only the table. The reverse-edge
	// expansion of the table's change reaches the view.
	graph.AddEdge(catalog.DependencyEdge{From: 10, To: 1, Kind: catalog.EdgeViewUsesTable})

	u := txWith(1, 0)
	u.RecordRead(10)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.RecordStructuralWrite(1)
	require.True(t, IsCommitAborted(v.Validate(tx)))
}

func TestConstraintVersusDataIsConservative(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.RecordDataWrite(5)
	v.Record(u, 1)

	// The committer added a constraint to the table the other side
	// wrote rows into. No data is inspected; the overlap alone aborts.
	tx := txWith(2, 0)
	tx.ConstraintAddTables.Insert(5)
	require.True(t, IsCommitAborted(v.Validate(tx)))
}

func TestDependencyBreakIsOrderIndependent(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.AlteredBases.Insert(5)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.DependentBases.Insert(5)
	require.True(t, IsCommitAborted(v.Validate(tx)))

	// Reversed roles conflict the same way.
	v2, _ := newTestValidator()
	u2 := txWith(1, 0)
	u2.DependentBases.Insert(5)
	v2.Record(u2, 1)

	tx2 := txWith(2, 0)
	tx2.AlteredBases.Insert(5)
	require.True(t, IsCommitAborted(v2.Validate(tx2)))
}

func TestPartitionLinkageConflictsWithChildChanges(t *testing.T) {
	v, _ := newTestValidator()

	u := txWith(1, 0)
	u.PartitionChildren.Insert(5)
	v.Record(u, 1)

	tx := txWith(2, 0)
	tx.RecordDataWrite(5)
	require.True(t, IsCommitAborted(v.Validate(tx)))
}

func TestPruneDropsEntriesEverySnapshotSees(t *testing.T) {
	v, _ := newTestValidator()

	for i := 1; i <= 3; i++ {
		u := txWith(catalog.TxID(i), 0)
		u.RecordStructuralWrite(catalog.ObjectID(i))
		v.Record(u, uint64(i))
	}
	require.Equal(t, 3, v.WindowSize())

	v.Prune(2)
	require.Equal(t, 1, v.WindowSize())

	// The survivor still aborts a committer with an older snapshot.
	tx := txWith(9, 2)
	tx.RecordRead(3)
	require.True(t, IsCommitAborted(v.Validate(tx)))
}

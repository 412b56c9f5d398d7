package txn

import (
	"github.com/tidwall/btree"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusActive     Status = "active"
	StatusValidating Status = "validating"
	StatusCommitted  Status = "committed"
	StatusAborted    Status = "aborted"
)

// Row is one row of data-write payload, keyed by column name. The
// engine never stores rows; it keeps just enough of them per
// transaction to detect within-transaction integrity violations.
type Row map[string]interface{}

// Transaction accumulates a session's effect between start and
// commit/rollback. All of it is transaction-local until commit; the
// commit validator compares these sets against concurrently committed
// transactions.
type Transaction struct {
	ID       catalog.TxID
	Snapshot uint64
	Status   Status

	// ReadSet holds every object the transaction read or referenced.
	ReadSet btree.Set[catalog.ObjectID]

	// StructWriteSet holds every object whose definition the
	// transaction created, changed or dropped.
	StructWriteSet btree.Set[catalog.ObjectID]

	// DataWriteSet holds the tables the transaction wrote rows into.
	DataWriteSet btree.Set[catalog.ObjectID]

	// CheckedConstraints holds the constraints data writes were
	// validated against, as of the snapshot.
	CheckedConstraints btree.Set[catalog.ObjectID]

	// Dropped marks objects this transaction dropped or renamed, for
	// the validator's forward-edge expansion.
	Dropped btree.Set[catalog.ObjectID]

	// Aspect sets feeding the semantic conflict checks.
	ConstraintAddTables btree.Set[catalog.ObjectID] // tables that got a new constraint
	DependentBases      btree.Set[catalog.ObjectID] // bases referenced by newly created dependents
	AlteredBases        btree.Set[catalog.ObjectID] // tables/columns dropped, renamed or moved
	PartitionChildren   btree.Set[catalog.ObjectID] // tables linked as partitions

	// Pending holds the staged catalog changes, applied on commit.
	Pending []catalog.Change

	// PendingRows buffers this transaction's own inserted rows per
	// table, for within-transaction duplicate detection.
	PendingRows map[catalog.ObjectID][]Row
}

func (t *Transaction) RecordRead(ids ...catalog.ObjectID) {
	for _, id := range ids {
		t.ReadSet.Insert(id)
	}
}

func (t *Transaction) RecordStructuralWrite(ids ...catalog.ObjectID) {
	for _, id := range ids {
		t.StructWriteSet.Insert(id)
	}
}

func (t *Transaction) RecordDataWrite(table catalog.ObjectID) {
	t.DataWriteSet.Insert(table)
}

func (t *Transaction) Stage(change catalog.Change) {
	t.Pending = append(t.Pending, change)
}

func (t *Transaction) BufferRows(table catalog.ObjectID, rows []Row) {
	if t.PendingRows == nil {
		t.PendingRows = make(map[catalog.ObjectID][]Row)
	}
	t.PendingRows[table] = append(t.PendingRows[table], rows...)
}

// DroppedInThisTx reports whether the transaction itself drops the
// object, which exempts it from the drop cascade check.
func (t *Transaction) DroppedInThisTx(id catalog.ObjectID) bool {
	for _, ch := range t.Pending {
		if ch.Op == catalog.OpDrop && ch.Object.ID == id {
			return true
		}
	}
	return false
}

// Used returns the union of the read, structural-write and data-write
// sets, the transaction's full footprint for conflict purposes.
func (t *Transaction) Used() *btree.Set[catalog.ObjectID] {
	var used btree.Set[catalog.ObjectID]
	for _, s := range []*btree.Set[catalog.ObjectID]{&t.ReadSet, &t.StructWriteSet, &t.DataWriteSet, &t.CheckedConstraints} {
		s.Scan(func(id catalog.ObjectID) bool {
			used.Insert(id)
			return true
		})
	}
	return &used
}

// setsIntersect reports whether two object sets share a member,
// scanning the smaller set against the larger.
func setsIntersect(a, b *btree.Set[catalog.ObjectID]) bool {
	if a.Len() > b.Len() {
		a, b = b, a
	}
	found := false
	a.Scan(func(id catalog.ObjectID) bool {
		if b.Contains(id) {
			found = true
			return false
		}
		return true
	})
	return found
}

func setUnion(dst *btree.Set[catalog.ObjectID], srcs ...*btree.Set[catalog.ObjectID]) {
	for _, s := range srcs {
		s.Scan(func(id catalog.ObjectID) bool {
			dst.Insert(id)
			return true
		})
	}
}

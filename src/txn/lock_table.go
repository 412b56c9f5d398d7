package txn

import (
	"sync"

	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

// ObjectLockTable tracks exclusive structural intents on catalog
// objects by internal name. Keying on names rather than ids lets two
// sessions collide on an object neither of them has committed yet,
// e.g. both adding column sys_w_j.
//
// Acquire never blocks: the first writer wins and the second gets a
// structural conflict at statement time, so no lock-induced deadlock
// is possible.
type ObjectLockTable struct {
	mu sync.Mutex

	holders map[string]catalog.TxID
	held    map[catalog.TxID][]string

	logger *zap.SugaredLogger
}

func NewObjectLockTable(logger *zap.SugaredLogger) *ObjectLockTable {
	return &ObjectLockTable{
		holders: make(map[string]catalog.TxID),
		held:    make(map[catalog.TxID][]string),
		logger:  logger,
	}
}

// Acquire takes the exclusive intent on the named object for the given
// transaction. Re-acquiring a lock the transaction already holds is a
// no-op. A lock held by another active transaction fails immediately
// with a structural conflict naming the object.
func (lt *ObjectLockTable) Acquire(name string, tid catalog.TxID) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if holder, ok := lt.holders[name]; ok {
		if holder == tid {
			return nil
		}
		if lt.logger != nil {
			lt.logger.Debugf("Transaction %d denied lock on %s held by transaction %d", tid, name, holder)
		}
		return NewStructuralConflict(name)
	}

	lt.holders[name] = tid
	lt.held[tid] = append(lt.held[tid], name)
	return nil
}

// HeldBy returns the holder of the named lock, if any.
func (lt *ObjectLockTable) HeldBy(name string) (catalog.TxID, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	tid, ok := lt.holders[name]
	return tid, ok
}

// ReleaseAll drops every lock the transaction holds. Called when the
// transaction ends, commit and rollback alike.
func (lt *ObjectLockTable) ReleaseAll(tid catalog.TxID) []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	names := lt.held[tid]
	for _, name := range names {
		if lt.holders[name] == tid {
			delete(lt.holders, name)
		}
	}
	delete(lt.held, tid)
	return names
}

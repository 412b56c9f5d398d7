package catalog

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/settings"
)

// ErrObjectNotFound is returned when a name or id does not resolve to a
// live object as of the requested catalog version.
var ErrObjectNotFound = errors.New("catalog object not found")

// CatalogStore is the versioned directory of catalog objects. Object
// histories are append-only: publishing a change adds a new version
// tagged with the committing transaction, visible only to snapshots
// taken at or after the publishing commit sequence.
type CatalogStore struct {
	mu sync.RWMutex

	// histories holds every version of every object, oldest first.
	histories map[ObjectID][]*CatalogObject

	// names maps an internal name to the object ids that have carried
	// it at some version. Resolution re-checks the name as of the
	// requested version, so renames and drops behave correctly.
	names map[string]map[ObjectID]struct{}

	commitSeq uint64
	nextID    ObjectID

	logger *zap.SugaredLogger
}

func NewCatalogStore(logger *zap.SugaredLogger) *CatalogStore {
	return &CatalogStore{
		histories: make(map[ObjectID][]*CatalogObject),
		names:     make(map[string]map[ObjectID]struct{}),
		logger:    logger,
	}
}

// CurrentVersion returns the commit sequence of the latest published
// catalog version. A transaction started now pins this as its snapshot.
func (c *CatalogStore) CurrentVersion() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commitSeq
}

// NextObjectID hands out a fresh stable object id.
func (c *CatalogStore) NextObjectID() ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Get returns the newest version of the object visible as of the given
// catalog version. Tombstoned objects resolve to ErrObjectNotFound.
func (c *CatalogStore) Get(id ObjectID, asOf uint64) (*CatalogObject, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(id, asOf)
}

func (c *CatalogStore) getLocked(id ObjectID, asOf uint64) (*CatalogObject, error) {
	versions, ok := c.histories[id]
	if !ok {
		return nil, fmt.Errorf("object %d: %w", id, ErrObjectNotFound)
	}

	// Versions are ordered by commit sequence; walk back to the newest
	// one the snapshot can see.
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if v.Version > asOf {
			continue
		}
		if v.Tombstoned {
			return nil, fmt.Errorf("object %d: %w", id, ErrObjectNotFound)
		}
		return v, nil
	}
	return nil, fmt.Errorf("object %d: %w", id, ErrObjectNotFound)
}

// Resolve looks an object up by internal name as of a catalog version.
func (c *CatalogStore) Resolve(internalName string, asOf uint64) (*CatalogObject, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates, ok := c.names[internalName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", internalName, ErrObjectNotFound)
	}

	for id := range candidates {
		obj, err := c.getLocked(id, asOf)
		if err != nil {
			continue
		}
		// A rename leaves the id indexed under the old name too; the
		// version visible to this snapshot decides which name is real.
		if obj.InternalName() == internalName {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", internalName, ErrObjectNotFound)
}

// ChildrenOf returns the live child objects of a table (columns,
// constraints, triggers, partition links) as of a catalog version.
func (c *CatalogStore) ChildrenOf(parent ObjectID, asOf uint64) []*CatalogObject {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var children []*CatalogObject
	for id := range c.histories {
		obj, err := c.getLocked(id, asOf)
		if err != nil {
			continue
		}
		if obj.ParentTable == parent {
			children = append(children, obj)
		}
	}
	return children
}

// Publish applies a committed transaction's staged changes as one new
// catalog version and returns its commit sequence. The transaction
// manager calls this inside the commit critical section only, after
// validation has passed.
func (c *CatalogStore) Publish(txID TxID, changes []Change) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commitSeq++
	for _, ch := range changes {
		obj := ch.Object
		obj.Version = c.commitSeq
		obj.TxID = txID
		obj.Tombstoned = ch.Op == OpDrop

		c.histories[obj.ID] = append(c.histories[obj.ID], &obj)
		name := obj.InternalName()
		if c.names[name] == nil {
			c.names[name] = make(map[ObjectID]struct{})
		}
		c.names[name][obj.ID] = struct{}{}
	}

	if settings.GetSettings().Debug && c.logger != nil {
		c.logger.Infof("Published catalog version %d with %d changes from transaction %d",
			c.commitSeq, len(changes), txID)
	}
	return c.commitSeq
}

// Snapshot copies out every object version for persistence. The
// storage engine serializes the result, so the copy keeps the store's
// lock hold short.
func (c *CatalogStore) Snapshot() (uint64, []CatalogObject) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	objects := make([]CatalogObject, 0, len(c.histories))
	for _, versions := range c.histories {
		for _, v := range versions {
			objects = append(objects, *v)
		}
	}
	return c.commitSeq, objects
}

// Restore rebuilds the store from a persisted snapshot.
func (c *CatalogStore) Restore(commitSeq uint64, objects []CatalogObject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.histories = make(map[ObjectID][]*CatalogObject)
	c.names = make(map[string]map[ObjectID]struct{})
	c.commitSeq = commitSeq
	c.nextID = 0

	for i := range objects {
		obj := objects[i]
		c.histories[obj.ID] = append(c.histories[obj.ID], &obj)
		name := obj.InternalName()
		if c.names[name] == nil {
			c.names[name] = make(map[ObjectID]struct{})
		}
		c.names[name][obj.ID] = struct{}{}
		if obj.ID > c.nextID {
			c.nextID = obj.ID
		}
	}
}

package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// CatalogSnapshotStore defines the interface for catalog persistence.
type CatalogSnapshotStore interface {
	SaveSnapshot(store *CatalogStore) error
	LoadSnapshot(store *CatalogStore) error
	SnapshotFileExists() bool
}

// CatalogStorageEngine persists the committed catalog as a BSON data
// file under the data directory.
type CatalogStorageEngine struct {
	DataDirectory string
	logger        *zap.SugaredLogger
}

type snapshotDocument struct {
	CommitSeq uint64           `bson:"commit_seq"`
	Objects   []objectDocument `bson:"objects"`
}

type objectDocument struct {
	ID          uint64   `bson:"id"`
	Kind        string   `bson:"kind"`
	Name        string   `bson:"name"`
	SchemaName  string   `bson:"schema_name"`
	TableName   string   `bson:"table_name,omitempty"`
	ParentTable uint64   `bson:"parent_table,omitempty"`
	Body        string   `bson:"body,omitempty"`
	References  []uint64 `bson:"references,omitempty"`
	Constraint  string   `bson:"constraint,omitempty"`
	Columns     []string `bson:"columns,omitempty"`
	MergeTable  bool     `bson:"merge_table,omitempty"`
	Version     uint64   `bson:"version"`
	Tombstoned  bool     `bson:"tombstoned,omitempty"`
	TxID        uint64   `bson:"tx_id"`
}

const snapshotFileName = "catalog.cat"

func NewCatalogStorageEngine(dataDir string, logger *zap.SugaredLogger) (*CatalogStorageEngine, error) {
	engine := &CatalogStorageEngine{
		DataDirectory: dataDir,
		logger:        logger,
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(engine.DataDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", engine.DataDirectory, err)
	}

	return engine, nil
}

func (e *CatalogStorageEngine) snapshotPath() string {
	return filepath.Join(e.DataDirectory, snapshotFileName)
}

func (e *CatalogStorageEngine) SnapshotFileExists() bool {
	info, err := os.Stat(e.snapshotPath())
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// SaveSnapshot writes the committed catalog to disk. The write goes to
// a temp file first so a crash never leaves a torn snapshot behind.
func (e *CatalogStorageEngine) SaveSnapshot(store *CatalogStore) error {
	commitSeq, objects := store.Snapshot()

	doc := snapshotDocument{
		CommitSeq: commitSeq,
		Objects:   make([]objectDocument, 0, len(objects)),
	}
	for _, obj := range objects {
		doc.Objects = append(doc.Objects, encodeObject(obj))
	}

	data, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode catalog snapshot: %w", err)
	}

	tmpPath := e.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog snapshot %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, e.snapshotPath()); err != nil {
		return fmt.Errorf("failed to move catalog snapshot into place: %w", err)
	}

	if e.logger != nil {
		e.logger.Debugf("Saved catalog snapshot at version %d (%d object versions)", commitSeq, len(doc.Objects))
	}
	return nil
}

// LoadSnapshot restores a persisted catalog into the store.
func (e *CatalogStorageEngine) LoadSnapshot(store *CatalogStore) error {
	data, err := os.ReadFile(e.snapshotPath())
	if err != nil {
		return fmt.Errorf("failed to read catalog snapshot %s: %w", e.snapshotPath(), err)
	}

	var doc snapshotDocument
	if err := bson.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode catalog snapshot: %w", err)
	}

	objects := make([]CatalogObject, 0, len(doc.Objects))
	for _, od := range doc.Objects {
		objects = append(objects, decodeObject(od))
	}
	store.Restore(doc.CommitSeq, objects)

	if e.logger != nil {
		e.logger.Infof("Loaded catalog snapshot at version %d (%d object versions)", doc.CommitSeq, len(objects))
	}
	return nil
}

func encodeObject(obj CatalogObject) objectDocument {
	refs := make([]uint64, 0, len(obj.Definition.References))
	for _, r := range obj.Definition.References {
		refs = append(refs, uint64(r))
	}
	return objectDocument{
		ID:          uint64(obj.ID),
		Kind:        string(obj.Kind),
		Name:        obj.Name,
		SchemaName:  obj.SchemaName,
		TableName:   obj.TableName,
		ParentTable: uint64(obj.ParentTable),
		Body:        obj.Definition.Body,
		References:  refs,
		Constraint:  string(obj.Definition.Constraint),
		Columns:     obj.Definition.Columns,
		MergeTable:  obj.Definition.MergeTable,
		Version:     obj.Version,
		Tombstoned:  obj.Tombstoned,
		TxID:        uint64(obj.TxID),
	}
}

func decodeObject(od objectDocument) CatalogObject {
	refs := make([]ObjectID, 0, len(od.References))
	for _, r := range od.References {
		refs = append(refs, ObjectID(r))
	}
	return CatalogObject{
		ID:          ObjectID(od.ID),
		Kind:        ObjectKind(od.Kind),
		Name:        od.Name,
		SchemaName:  od.SchemaName,
		TableName:   od.TableName,
		ParentTable: ObjectID(od.ParentTable),
		Definition: Definition{
			Body:       od.Body,
			References: refs,
			Constraint: ConstraintKind(od.Constraint),
			Columns:    od.Columns,
			MergeTable: od.MergeTable,
		},
		Version:    od.Version,
		Tombstoned: od.Tombstoned,
		TxID:       TxID(od.TxID),
	}
}

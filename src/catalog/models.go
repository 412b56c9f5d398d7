package catalog

import "strings"

// ObjectID is the stable identity of a catalog object. It never changes
// across versions, renames or schema moves of the object.
type ObjectID uint64

// TxID identifies the transaction that produced a catalog version.
type TxID uint64

// ObjectKind is the kind of a catalog object.
type ObjectKind string

const (
	KindSchema        ObjectKind = "schema"
	KindTable         ObjectKind = "table"
	KindColumn        ObjectKind = "column"
	KindConstraint    ObjectKind = "constraint"
	KindView          ObjectKind = "view"
	KindFunction      ObjectKind = "function"
	KindTrigger       ObjectKind = "trigger"
	KindPartitionLink ObjectKind = "partition-link"
)

// ConstraintKind is the kind of a constraint object.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary-key"
	ConstraintNotNull    ConstraintKind = "not-null"
	ConstraintForeignKey ConstraintKind = "foreign-key"
	ConstraintUnique     ConstraintKind = "unique"
)

// Definition is the versioned payload of a catalog object.
type Definition struct {
	// Body is the textual definition, e.g. a view query or a column type.
	Body string

	// References holds the ids of the objects this definition uses,
	// recorded when the object is defined.
	References []ObjectID

	// Constraint is set for constraint objects.
	Constraint ConstraintKind

	// Columns lists the column names a constraint covers.
	Columns []string

	// MergeTable marks a table as a merge (partitioned) table.
	MergeTable bool
}

// CatalogObject is one version of a catalog object. Versions are
// append-only; a mutation creates a new version tagged with the
// committing transaction, never an in-place edit.
type CatalogObject struct {
	ID         ObjectID
	Kind       ObjectKind
	Name       string
	SchemaName string

	// ParentTable links columns, constraints, triggers and partition
	// links to their table. Zero for schemas, tables and functions.
	ParentTable ObjectID

	// TableName is the name of the parent table for objects that have
	// one; it feeds the internal name.
	TableName string

	Definition Definition

	// Version is the commit sequence number that published this version.
	Version uint64

	// Tombstoned marks the version that dropped the object.
	Tombstoned bool

	// TxID is the transaction that committed this version.
	TxID TxID
}

// InternalName returns the flattened name used for lock keys and
// conflict messages, e.g. sys_w_j for column j of table w in schema sys.
func (o *CatalogObject) InternalName() string {
	if o.Kind == KindSchema {
		return o.Name
	}
	if o.TableName != "" {
		return InternalName(o.SchemaName, o.TableName, o.Name)
	}
	return InternalName(o.SchemaName, o.Name)
}

// InternalName flattens a schema-qualified name path into the internal
// form used for lock keys and conflict messages.
func InternalName(schema string, parts ...string) string {
	return schema + "_" + strings.Join(parts, "_")
}

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	EdgeSchemaContainment EdgeKind = "schema-containment"
	EdgeViewUsesTable     EdgeKind = "view-uses-table"
	EdgeFunctionUsesTable EdgeKind = "function-uses-table"
	EdgeTriggerUsesTable  EdgeKind = "trigger-uses-table"
	EdgeFkReferences      EdgeKind = "fk-references"
	EdgePartitionChildOf  EdgeKind = "partition-child-of"
)

// DependencyEdge records that From depends on To.
type DependencyEdge struct {
	From ObjectID
	To   ObjectID
	Kind EdgeKind
}

// ChangeOp is the kind of pending catalog change a transaction stages.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpAlter  ChangeOp = "alter"
	OpDrop   ChangeOp = "drop"
)

// Change is one staged catalog mutation. Changes stay transaction-local
// until the owning transaction commits.
type Change struct {
	Op     ChangeOp
	Object CatalogObject

	// Edges to install in the dependency graph when a create commits.
	Edges []DependencyEdge
}

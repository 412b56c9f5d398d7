package directors

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
	"github.com/adofsauron/monetdb-dev/src/settings"
	"github.com/adofsauron/monetdb-dev/src/txn"
)

// SchemaService classifies structural (DDL-class) statements and feeds
// them through the two admission gates: the eager object lock at
// statement time and the accumulated sets the commit validator checks
// later. It plays the role of the SQL layer's statement classifier for
// every catalog object kind the engine tracks.
type SchemaService struct {
	tm       *txn.TransactionManager
	logger   *zap.SugaredLogger
	settings *settings.Arguments
}

func NewSchemaService(tm *txn.TransactionManager, logger *zap.SugaredLogger, args *settings.Arguments) *SchemaService {
	return &SchemaService{
		tm:       tm,
		logger:   logger,
		settings: args,
	}
}

// resolve finds an object by internal name, checking the transaction's
// own staged objects first so a statement sees what earlier statements
// of the same transaction created, then the catalog as of the snapshot.
func (s *SchemaService) resolve(t *txn.Transaction, internalName string) (*catalog.CatalogObject, error) {
	for i := len(t.Pending) - 1; i >= 0; i-- {
		ch := t.Pending[i]
		if ch.Object.InternalName() != internalName {
			continue
		}
		if ch.Op == catalog.OpDrop {
			return nil, fmt.Errorf("%s: %w", internalName, catalog.ErrObjectNotFound)
		}
		obj := ch.Object
		return &obj, nil
	}
	return s.tm.Store().Resolve(internalName, t.Snapshot)
}

// childrenOf merges the committed children of a table with the ones the
// transaction itself staged.
func (s *SchemaService) childrenOf(t *txn.Transaction, table catalog.ObjectID) []*catalog.CatalogObject {
	children := s.tm.Store().ChildrenOf(table, t.Snapshot)
	for i := range t.Pending {
		ch := t.Pending[i]
		if ch.Op == catalog.OpCreate && ch.Object.ParentTable == table {
			obj := ch.Object
			children = append(children, &obj)
		}
	}
	return children
}

// lock acquires the eager structural intent on an internal name and
// wraps a collision in the statement context, e.g.
// "ALTER TABLE: sys_w_j conflicts with another transaction".
func (s *SchemaService) lock(t *txn.Transaction, stmt, name string) error {
	if err := s.tm.Locks().Acquire(name, t.ID); err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	return nil
}

func (s *SchemaService) CreateSchema(t *txn.Transaction, name string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	if _, err := s.resolve(t, name); err == nil {
		return fmt.Errorf("CREATE SCHEMA: name '%s' already in use", name)
	}
	if err := s.lock(t, "CREATE SCHEMA", name); err != nil {
		return err
	}

	obj := catalog.CatalogObject{
		ID:         s.tm.Store().NextObjectID(),
		Kind:       catalog.KindSchema,
		Name:       name,
		SchemaName: name,
	}
	t.Stage(catalog.Change{Op: catalog.OpCreate, Object: obj})
	t.RecordStructuralWrite(obj.ID)

	if s.settings.Debug {
		s.logger.Infof("Transaction %d staged schema '%s'", t.ID, name)
	}
	return nil
}

// CreateTable stages a table and its columns in one structural change.
func (s *SchemaService) CreateTable(t *txn.Transaction, schema, name string, columns []string, merge bool) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	schemaObj, err := s.resolve(t, schema)
	if err != nil {
		return fmt.Errorf("CREATE TABLE: no such schema '%s': %w", schema, err)
	}
	tableName := catalog.InternalName(schema, name)
	if _, err := s.resolve(t, tableName); err == nil {
		return fmt.Errorf("CREATE TABLE: name '%s' already in use", tableName)
	}
	if err := s.lock(t, "CREATE TABLE", tableName); err != nil {
		return err
	}

	t.RecordRead(schemaObj.ID)

	table := catalog.CatalogObject{
		ID:         s.tm.Store().NextObjectID(),
		Kind:       catalog.KindTable,
		Name:       name,
		SchemaName: schema,
		Definition: catalog.Definition{MergeTable: merge},
	}
	t.Stage(catalog.Change{
		Op:     catalog.OpCreate,
		Object: table,
		Edges: []catalog.DependencyEdge{
			{From: table.ID, To: schemaObj.ID, Kind: catalog.EdgeSchemaContainment},
		},
	})
	t.RecordStructuralWrite(table.ID)

	for _, col := range columns {
		column := catalog.CatalogObject{
			ID:          s.tm.Store().NextObjectID(),
			Kind:        catalog.KindColumn,
			Name:        col,
			SchemaName:  schema,
			TableName:   name,
			ParentTable: table.ID,
		}
		t.Stage(catalog.Change{
			Op:     catalog.OpCreate,
			Object: column,
			Edges: []catalog.DependencyEdge{
				{From: column.ID, To: table.ID, Kind: catalog.EdgeSchemaContainment},
			},
		})
		t.RecordStructuralWrite(column.ID)
	}

	if s.settings.Debug {
		s.logger.Infof("Transaction %d staged table '%s' with %d columns", t.ID, tableName, len(columns))
	}
	return nil
}

func (s *SchemaService) AddColumn(t *txn.Transaction, schema, table, column string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	tableObj, err := s.resolve(t, catalog.InternalName(schema, table))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", table, err)
	}
	columnName := catalog.InternalName(schema, table, column)
	if _, err := s.resolve(t, columnName); err == nil {
		return fmt.Errorf("ALTER TABLE: column '%s' already exists", column)
	}
	if err := s.lock(t, "ALTER TABLE", columnName); err != nil {
		return err
	}

	t.RecordRead(tableObj.ID)

	obj := catalog.CatalogObject{
		ID:          s.tm.Store().NextObjectID(),
		Kind:        catalog.KindColumn,
		Name:        column,
		SchemaName:  schema,
		TableName:   table,
		ParentTable: tableObj.ID,
	}
	t.Stage(catalog.Change{
		Op:     catalog.OpCreate,
		Object: obj,
		Edges: []catalog.DependencyEdge{
			{From: obj.ID, To: tableObj.ID, Kind: catalog.EdgeSchemaContainment},
		},
	})
	t.RecordStructuralWrite(obj.ID, tableObj.ID)
	return nil
}

func (s *SchemaService) DropColumn(t *txn.Transaction, schema, table, column string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	columnName := catalog.InternalName(schema, table, column)
	colObj, err := s.resolve(t, columnName)
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such column '%s': %w", column, err)
	}
	if err := s.checkNoDependents(t, colObj); err != nil {
		return fmt.Errorf("ALTER TABLE: %w", err)
	}
	if err := s.lock(t, "ALTER TABLE", columnName); err != nil {
		return err
	}

	t.RecordRead(colObj.ParentTable)
	t.Stage(catalog.Change{Op: catalog.OpDrop, Object: *colObj})
	t.RecordStructuralWrite(colObj.ID, colObj.ParentTable)
	t.Dropped.Insert(colObj.ID)
	t.AlteredBases.Insert(colObj.ID)
	t.AlteredBases.Insert(colObj.ParentTable)
	return nil
}

func (s *SchemaService) RenameColumn(t *txn.Transaction, schema, table, oldName, newName string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	colObj, err := s.resolve(t, catalog.InternalName(schema, table, oldName))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such column '%s': %w", oldName, err)
	}
	if _, err := s.resolve(t, catalog.InternalName(schema, table, newName)); err == nil {
		return fmt.Errorf("ALTER TABLE: column '%s' already exists", newName)
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(schema, table, oldName)); err != nil {
		return err
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(schema, table, newName)); err != nil {
		return err
	}

	renamed := *colObj
	renamed.Name = newName
	t.RecordRead(colObj.ParentTable)
	t.Stage(catalog.Change{Op: catalog.OpAlter, Object: renamed})
	t.RecordStructuralWrite(colObj.ID, colObj.ParentTable)
	t.Dropped.Insert(colObj.ID)
	t.AlteredBases.Insert(colObj.ID)
	t.AlteredBases.Insert(colObj.ParentTable)
	return nil
}

func (s *SchemaService) RenameTable(t *txn.Transaction, schema, oldName, newName string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	tableObj, err := s.resolve(t, catalog.InternalName(schema, oldName))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", oldName, err)
	}
	if _, err := s.resolve(t, catalog.InternalName(schema, newName)); err == nil {
		return fmt.Errorf("ALTER TABLE: name '%s' already in use", newName)
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(schema, oldName)); err != nil {
		return err
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(schema, newName)); err != nil {
		return err
	}

	renamed := *tableObj
	renamed.Name = newName
	t.Stage(catalog.Change{Op: catalog.OpAlter, Object: renamed})

	// Children carry the table name in their internal names, so the
	// rename versions them too.
	for _, child := range s.childrenOf(t, tableObj.ID) {
		moved := *child
		moved.TableName = newName
		t.Stage(catalog.Change{Op: catalog.OpAlter, Object: moved})
	}

	t.RecordStructuralWrite(tableObj.ID)
	t.Dropped.Insert(tableObj.ID)
	t.AlteredBases.Insert(tableObj.ID)
	return nil
}

// SetTableSchema moves a table into another schema.
func (s *SchemaService) SetTableSchema(t *txn.Transaction, schema, table, newSchema string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	tableObj, err := s.resolve(t, catalog.InternalName(schema, table))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", table, err)
	}
	schemaObj, err := s.resolve(t, newSchema)
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such schema '%s': %w", newSchema, err)
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(schema, table)); err != nil {
		return err
	}
	if err := s.lock(t, "ALTER TABLE", catalog.InternalName(newSchema, table)); err != nil {
		return err
	}

	t.RecordRead(schemaObj.ID)

	moved := *tableObj
	moved.SchemaName = newSchema
	t.Stage(catalog.Change{
		Op:     catalog.OpAlter,
		Object: moved,
		Edges: []catalog.DependencyEdge{
			{From: moved.ID, To: schemaObj.ID, Kind: catalog.EdgeSchemaContainment},
		},
	})
	for _, child := range s.childrenOf(t, tableObj.ID) {
		movedChild := *child
		movedChild.SchemaName = newSchema
		t.Stage(catalog.Change{Op: catalog.OpAlter, Object: movedChild})
	}

	t.RecordStructuralWrite(tableObj.ID)
	t.Dropped.Insert(tableObj.ID)
	t.AlteredBases.Insert(tableObj.ID)
	return nil
}

func (s *SchemaService) DropTable(t *txn.Transaction, schema, name string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	tableName := catalog.InternalName(schema, name)
	tableObj, err := s.resolve(t, tableName)
	if err != nil {
		return fmt.Errorf("DROP TABLE: no such table '%s': %w", name, err)
	}
	if err := s.checkNoDependents(t, tableObj); err != nil {
		return fmt.Errorf("DROP TABLE: %w", err)
	}
	children := s.childrenOf(t, tableObj.ID)
	for _, child := range children {
		if err := s.checkNoDependents(t, child); err != nil {
			return fmt.Errorf("DROP TABLE: %w", err)
		}
	}
	if err := s.lock(t, "DROP TABLE", tableName); err != nil {
		return err
	}

	t.Stage(catalog.Change{Op: catalog.OpDrop, Object: *tableObj})
	t.RecordStructuralWrite(tableObj.ID)
	t.Dropped.Insert(tableObj.ID)
	t.AlteredBases.Insert(tableObj.ID)

	// The table's own children go down with it.
	for _, child := range children {
		t.Stage(catalog.Change{Op: catalog.OpDrop, Object: *child})
		t.RecordStructuralWrite(child.ID)
		t.Dropped.Insert(child.ID)
		t.AlteredBases.Insert(child.ID)
	}
	return nil
}

// AddConstraint stages a primary key, not-null, unique or foreign key
// constraint on a table. For foreign keys refSchema/refTable name the
// referenced table.
func (s *SchemaService) AddConstraint(t *txn.Transaction, schema, table, name string, kind catalog.ConstraintKind, columns []string, refSchema, refTable string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	tableObj, err := s.resolve(t, catalog.InternalName(schema, table))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", table, err)
	}

	edges := []catalog.DependencyEdge{}
	t.RecordRead(tableObj.ID)
	for _, col := range columns {
		colObj, err := s.resolve(t, catalog.InternalName(schema, table, col))
		if err != nil {
			return fmt.Errorf("ALTER TABLE: no such column '%s': %w", col, err)
		}
		t.RecordRead(colObj.ID)
	}

	obj := catalog.CatalogObject{
		ID:          s.tm.Store().NextObjectID(),
		Kind:        catalog.KindConstraint,
		Name:        name,
		SchemaName:  schema,
		TableName:   table,
		ParentTable: tableObj.ID,
		Definition: catalog.Definition{
			Constraint: kind,
			Columns:    columns,
		},
	}
	if err := s.lock(t, "ALTER TABLE", obj.InternalName()); err != nil {
		return err
	}

	edges = append(edges, catalog.DependencyEdge{From: obj.ID, To: tableObj.ID, Kind: catalog.EdgeSchemaContainment})
	if kind == catalog.ConstraintForeignKey {
		refObj, err := s.resolve(t, catalog.InternalName(refSchema, refTable))
		if err != nil {
			return fmt.Errorf("ALTER TABLE: no such referenced table '%s': %w", refTable, err)
		}
		t.RecordRead(refObj.ID)
		edges = append(edges, catalog.DependencyEdge{From: obj.ID, To: refObj.ID, Kind: catalog.EdgeFkReferences})
		t.DependentBases.Insert(refObj.ID)
	}

	t.Stage(catalog.Change{Op: catalog.OpCreate, Object: obj, Edges: edges})
	t.RecordStructuralWrite(obj.ID, tableObj.ID)
	t.ConstraintAddTables.Insert(tableObj.ID)
	return nil
}

// CreateView stages a view over the named objects. refs are internal
// names of the tables and columns the view's query resolves through.
func (s *SchemaService) CreateView(t *txn.Transaction, schema, name, body string, refs []string) error {
	return s.createDependent(t, "CREATE VIEW", catalog.KindView, catalog.EdgeViewUsesTable, schema, name, body, 0, refs)
}

// CreateFunction stages a function; refs name the objects its body
// reads or writes.
func (s *SchemaService) CreateFunction(t *txn.Transaction, schema, name, body string, refs []string) error {
	return s.createDependent(t, "CREATE FUNCTION", catalog.KindFunction, catalog.EdgeFunctionUsesTable, schema, name, body, 0, refs)
}

// CreateTrigger stages a trigger on a table; refs name the additional
// objects the trigger body touches.
func (s *SchemaService) CreateTrigger(t *txn.Transaction, schema, name, onTable, body string, refs []string) error {
	tableObj, err := s.resolve(t, catalog.InternalName(schema, onTable))
	if err != nil {
		return fmt.Errorf("CREATE TRIGGER: no such table '%s': %w", onTable, err)
	}
	return s.createDependent(t, "CREATE TRIGGER", catalog.KindTrigger, catalog.EdgeTriggerUsesTable, schema, name, body, tableObj.ID, refs)
}

func (s *SchemaService) createDependent(t *txn.Transaction, stmt string, kind catalog.ObjectKind, edgeKind catalog.EdgeKind, schema, name, body string, onTable catalog.ObjectID, refs []string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	fullName := catalog.InternalName(schema, name)
	if _, err := s.resolve(t, fullName); err == nil {
		return fmt.Errorf("%s: name '%s' already in use", stmt, fullName)
	}

	obj := catalog.CatalogObject{
		ID:          s.tm.Store().NextObjectID(),
		Kind:        kind,
		Name:        name,
		SchemaName:  schema,
		ParentTable: onTable,
		Definition:  catalog.Definition{Body: body},
	}

	edges := []catalog.DependencyEdge{}
	if onTable != 0 {
		t.RecordRead(onTable)
		t.DependentBases.Insert(onTable)
		edges = append(edges, catalog.DependencyEdge{From: obj.ID, To: onTable, Kind: edgeKind})
	}
	for _, ref := range refs {
		refObj, err := s.resolve(t, ref)
		if err != nil {
			return fmt.Errorf("%s: unknown object '%s': %w", stmt, ref, err)
		}
		t.RecordRead(refObj.ID)
		t.DependentBases.Insert(refObj.ID)
		obj.Definition.References = append(obj.Definition.References, refObj.ID)
		edges = append(edges, catalog.DependencyEdge{From: obj.ID, To: refObj.ID, Kind: edgeKind})
	}

	if err := s.lock(t, stmt, fullName); err != nil {
		return err
	}
	t.Stage(catalog.Change{Op: catalog.OpCreate, Object: obj, Edges: edges})
	t.RecordStructuralWrite(obj.ID)
	return nil
}

func (s *SchemaService) DropView(t *txn.Transaction, schema, name string) error {
	return s.dropDependent(t, "DROP VIEW", catalog.KindView, schema, name)
}

func (s *SchemaService) DropFunction(t *txn.Transaction, schema, name string) error {
	return s.dropDependent(t, "DROP FUNCTION", catalog.KindFunction, schema, name)
}

func (s *SchemaService) DropTrigger(t *txn.Transaction, schema, name string) error {
	return s.dropDependent(t, "DROP TRIGGER", catalog.KindTrigger, schema, name)
}

func (s *SchemaService) dropDependent(t *txn.Transaction, stmt string, kind catalog.ObjectKind, schema, name string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	fullName := catalog.InternalName(schema, name)
	obj, err := s.resolve(t, fullName)
	if err != nil {
		return fmt.Errorf("%s: no such object '%s': %w", stmt, name, err)
	}
	if obj.Kind != kind {
		return fmt.Errorf("%s: '%s' is a %s, not a %s", stmt, name, obj.Kind, kind)
	}
	if err := s.checkNoDependents(t, obj); err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	if err := s.lock(t, stmt, fullName); err != nil {
		return err
	}

	t.Stage(catalog.Change{Op: catalog.OpDrop, Object: *obj})
	t.RecordStructuralWrite(obj.ID)
	t.Dropped.Insert(obj.ID)
	t.AlteredBases.Insert(obj.ID)
	return nil
}

// AddPartition links a table as a partition child of a merge table.
func (s *SchemaService) AddPartition(t *txn.Transaction, schema, parent, child string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	parentObj, err := s.resolve(t, catalog.InternalName(schema, parent))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", parent, err)
	}
	if !parentObj.Definition.MergeTable {
		return fmt.Errorf("ALTER TABLE: table '%s' is not a merge table", parent)
	}
	childObj, err := s.resolve(t, catalog.InternalName(schema, child))
	if err != nil {
		return fmt.Errorf("ALTER TABLE: no such table '%s': %w", child, err)
	}

	link := catalog.CatalogObject{
		ID:          s.tm.Store().NextObjectID(),
		Kind:        catalog.KindPartitionLink,
		Name:        child + "_part",
		SchemaName:  schema,
		TableName:   parent,
		ParentTable: parentObj.ID,
		Definition: catalog.Definition{
			References: []catalog.ObjectID{parentObj.ID, childObj.ID},
		},
	}
	if err := s.lock(t, "ALTER TABLE", link.InternalName()); err != nil {
		return err
	}

	t.RecordRead(parentObj.ID, childObj.ID)
	t.Stage(catalog.Change{
		Op:     catalog.OpCreate,
		Object: link,
		Edges: []catalog.DependencyEdge{
			{From: link.ID, To: parentObj.ID, Kind: catalog.EdgePartitionChildOf},
			{From: link.ID, To: childObj.ID, Kind: catalog.EdgePartitionChildOf},
		},
	})
	t.RecordStructuralWrite(link.ID, parentObj.ID, childObj.ID)
	t.PartitionChildren.Insert(childObj.ID)
	return nil
}

// DropPartition detaches a partition child from its merge table.
func (s *SchemaService) DropPartition(t *txn.Transaction, schema, parent, child string) error {
	if t.Status != txn.StatusActive {
		return txn.ErrNotActive
	}
	linkName := catalog.InternalName(schema, parent, child+"_part")
	linkObj, err := s.resolve(t, linkName)
	if err != nil {
		return fmt.Errorf("ALTER TABLE: table '%s' is not a partition of '%s': %w", child, parent, err)
	}
	if err := s.lock(t, "ALTER TABLE", linkName); err != nil {
		return err
	}

	t.Stage(catalog.Change{Op: catalog.OpDrop, Object: *linkObj})
	t.RecordStructuralWrite(linkObj.ID, linkObj.ParentTable)
	t.Dropped.Insert(linkObj.ID)
	return nil
}

// checkNoDependents refuses a drop while live dependents exist, unless
// this transaction drops the dependents too. Containment edges of the
// object's own children do not count; children go down with it.
// Dependents staged earlier in this same transaction count as live:
// their edges are not in the committed graph yet.
func (s *SchemaService) checkNoDependents(t *txn.Transaction, obj *catalog.CatalogObject) error {
	for _, edge := range s.tm.Graph().EdgesTo(obj.ID) {
		if edge.Kind == catalog.EdgeSchemaContainment {
			continue
		}
		if t.DroppedInThisTx(edge.From) {
			continue
		}
		return fmt.Errorf("unable to drop %s (there are database objects which depend on it)", obj.InternalName())
	}
	for i := range t.Pending {
		ch := t.Pending[i]
		if ch.Op != catalog.OpCreate || t.DroppedInThisTx(ch.Object.ID) {
			continue
		}
		for _, edge := range ch.Edges {
			if edge.To != obj.ID || edge.Kind == catalog.EdgeSchemaContainment {
				continue
			}
			return fmt.Errorf("unable to drop %s (there are database objects which depend on it)", obj.InternalName())
		}
	}
	return nil
}

package directors

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/adofsauron/monetdb-dev/src/catalog"
	"github.com/adofsauron/monetdb-dev/src/settings"
	"github.com/adofsauron/monetdb-dev/src/txn"
)

// DataService classifies data-write statements. It records the tables
// a transaction wrote rows into, the constraints those writes were
// checked against as of the snapshot, and raises ordinary integrity
// violations for duplicates inside the transaction's own rows. It
// never stores rows beyond what duplicate detection needs; row storage
// belongs to the excluded physical layer.
type DataService struct {
	schemas  *SchemaService
	tm       *txn.TransactionManager
	logger   *zap.SugaredLogger
	settings *settings.Arguments
}

func NewDataService(schemas *SchemaService, tm *txn.TransactionManager, logger *zap.SugaredLogger, args *settings.Arguments) *DataService {
	return &DataService{
		schemas:  schemas,
		tm:       tm,
		logger:   logger,
		settings: args,
	}
}

// Insert records a data write of the given rows into a table. The rows
// are validated against the constraints visible at the transaction's
// snapshot; a constraint another transaction is adding concurrently is
// invisible here and resolved at commit time instead.
func (s *DataService) Insert(t *txn.Transaction, schema, table string, rows ...txn.Row) error {
	tableObj, constraints, err := s.classify(t, "INSERT INTO", schema, table)
	if err != nil {
		return err
	}

	for _, c := range constraints {
		if err := s.checkRows(t, tableObj, c, rows); err != nil {
			return err
		}
	}

	t.RecordDataWrite(tableObj.ID)
	t.BufferRows(tableObj.ID, rows)

	if s.settings.Debug {
		s.logger.Infof("Transaction %d staged %d rows into '%s' (%d constraints checked)",
			t.ID, len(rows), tableObj.InternalName(), len(constraints))
	}
	return nil
}

// Update records a data write that modifies rows of a table.
func (s *DataService) Update(t *txn.Transaction, schema, table string) error {
	tableObj, _, err := s.classify(t, "UPDATE", schema, table)
	if err != nil {
		return err
	}
	t.RecordDataWrite(tableObj.ID)
	return nil
}

// Delete records a data write that removes rows from a table.
func (s *DataService) Delete(t *txn.Transaction, schema, table string) error {
	tableObj, _, err := s.classify(t, "DELETE FROM", schema, table)
	if err != nil {
		return err
	}
	t.RecordDataWrite(tableObj.ID)
	return nil
}

// Read records a plain read of a table and its columns, e.g. a SELECT.
func (s *DataService) Read(t *txn.Transaction, schema, table string) error {
	_, _, err := s.classify(t, "SELECT", schema, table)
	return err
}

// classify resolves the target table, records the reads every data
// statement implies (the table, its columns, its constraints) and
// returns the constraints in force at the snapshot.
func (s *DataService) classify(t *txn.Transaction, stmt, schema, table string) (*catalog.CatalogObject, []*catalog.CatalogObject, error) {
	if t.Status != txn.StatusActive {
		return nil, nil, txn.ErrNotActive
	}
	tableObj, err := s.schemas.resolve(t, catalog.InternalName(schema, table))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: no such table '%s': %w", stmt, table, err)
	}

	t.RecordRead(tableObj.ID)
	var constraints []*catalog.CatalogObject
	for _, child := range s.schemas.childrenOf(t, tableObj.ID) {
		switch child.Kind {
		case catalog.KindColumn:
			t.RecordRead(child.ID)
		case catalog.KindConstraint:
			t.CheckedConstraints.Insert(child.ID)
			constraints = append(constraints, child)
		}
	}
	return tableObj, constraints, nil
}

// checkRows enforces a constraint against the transaction's own staged
// rows. This is the non-concurrency integrity path: a duplicate key or
// a NULL in a not-null column inside one transaction is an
// IntegrityViolation, never a commit conflict.
func (s *DataService) checkRows(t *txn.Transaction, tableObj *catalog.CatalogObject, c *catalog.CatalogObject, rows []txn.Row) error {
	switch c.Definition.Constraint {
	case catalog.ConstraintPrimaryKey, catalog.ConstraintUnique:
		seen := make(map[string]struct{})
		for _, prev := range t.PendingRows[tableObj.ID] {
			seen[constraintKey(prev, c.Definition.Columns)] = struct{}{}
		}
		for _, row := range rows {
			key := constraintKey(row, c.Definition.Columns)
			if _, dup := seen[key]; dup {
				return txn.NewIntegrityViolation(c.InternalName(), "duplicate key value violates constraint")
			}
			seen[key] = struct{}{}
		}
	case catalog.ConstraintNotNull:
		for _, row := range rows {
			for _, col := range c.Definition.Columns {
				if v, ok := row[col]; ok && v == nil {
					return txn.NewIntegrityViolation(c.InternalName(), fmt.Sprintf("NOT NULL constraint violated for column %s", col))
				}
			}
		}
	}
	return nil
}

func constraintKey(row txn.Row, columns []string) string {
	key := ""
	for _, col := range columns {
		key += fmt.Sprintf("%v|", row[col])
	}
	return key
}

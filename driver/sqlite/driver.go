// Package sqlite implements the persister contracts on SQLite through
// database/sql and the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/KamilPesek/orm/core"
)

//region sqliteTransaction

type sqliteTransaction struct {
	transaction *sql.Tx
}

func (transaction *sqliteTransaction) Commit(ctx context.Context) error {
	return transaction.transaction.Commit()
}

func (transaction *sqliteTransaction) Rollback(ctx context.Context) error {
	return transaction.transaction.Rollback()
}

//endregion

//region SqliteDriver

// SqliteDriver hands out per-entity persisters backed by one database/sql
// handle. Like the postgres driver it needs the mapping metadata to resolve
// referenced entities into foreign-key values.
type SqliteDriver struct {
	db       *sql.DB
	metadata core.MetadataProvider
}

var _ core.PersisterProvider = (*SqliteDriver)(nil)

// NewSqliteDriver opens the given SQLite data source, e.g. a file path or
// ":memory:".
func NewSqliteDriver(dataSource string, metadata core.MetadataProvider) (*SqliteDriver, error) {
	db, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, err
	}
	return &SqliteDriver{db: db, metadata: metadata}, nil
}

func (driver *SqliteDriver) Ping(ctx context.Context) error {
	return driver.db.PingContext(ctx)
}

func (driver *SqliteDriver) Close(ctx context.Context) error {
	return driver.db.Close()
}

func (driver *SqliteDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	tx, err := driver.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTransaction{transaction: tx}, nil
}

func (driver *SqliteDriver) PersisterFor(meta *core.EntityMeta) (core.Persister, error) {
	return &entityPersister{driver: driver, meta: meta}, nil
}

// --- helpers to execute with or without a transaction ---

func (driver *SqliteDriver) exec(ctx context.Context, sqlQuery string, args ...any) (sql.Result, error) {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if sqlTx, ok := tx.(*sqliteTransaction); ok {
			return sqlTx.transaction.ExecContext(ctx, sqlQuery, args...)
		}
	}
	return driver.db.ExecContext(ctx, sqlQuery, args...)
}

func (driver *SqliteDriver) query(ctx context.Context, sqlQuery string, args ...any) (*sql.Rows, error) {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if sqlTx, ok := tx.(*sqliteTransaction); ok {
			return sqlTx.transaction.QueryContext(ctx, sqlQuery, args...)
		}
	}
	return driver.db.QueryContext(ctx, sqlQuery, args...)
}

func (driver *SqliteDriver) queryRow(ctx context.Context, sqlQuery string, args ...any) *sql.Row {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if sqlTx, ok := tx.(*sqliteTransaction); ok {
			return sqlTx.transaction.QueryRowContext(ctx, sqlQuery, args...)
		}
	}
	return driver.db.QueryRowContext(ctx, sqlQuery, args...)
}

//endregion

//region entityPersister

type entityPersister struct {
	driver *SqliteDriver
	meta   *core.EntityMeta
}

var _ core.Persister = (*entityPersister)(nil)

func (persister *entityPersister) formatTable() string {
	return fmt.Sprintf("%q", persister.meta.Table)
}

func foreignKeyColumn(assoc *core.Association) string {
	return strings.ToLower(assoc.FieldName) + "_id"
}

func (persister *entityPersister) foreignKeyValue(target any) (any, error) {
	if target == nil {
		return nil, nil
	}
	targetMeta, err := persister.driver.metadata.MetaOf(target)
	if err != nil {
		return nil, err
	}
	id, err := core.IdentifierOf(targetMeta, target)
	if err != nil {
		return nil, err
	}
	return id[0], nil
}

func (persister *entityPersister) writableColumns(entity any) ([]string, []any, error) {
	meta := persister.meta
	columnList := []string{}
	valueList := []any{}
	for _, field := range meta.Fields {
		if field.IsID && meta.Strategy == core.IDGenerated {
			continue
		}
		columnList = append(columnList, fmt.Sprintf("%q", field.Column))
		valueList = append(valueList, core.FieldValue(entity, field.Name))
	}
	for _, assoc := range meta.AssociationList {
		if !assoc.Owning || assoc.Kind != core.ToOne {
			continue
		}
		value, err := persister.foreignKeyValue(core.AssociationTarget(entity, assoc))
		if err != nil {
			return nil, nil, err
		}
		columnList = append(columnList, fmt.Sprintf("%q", foreignKeyColumn(assoc)))
		valueList = append(valueList, value)
	}
	return columnList, valueList, nil
}

func (persister *entityPersister) identifierClause(id core.Identifier, argList *[]any) string {
	meta := persister.meta
	partList := []string{}
	for i, fieldName := range meta.IDFieldList {
		field := meta.FieldByName(fieldName)
		*argList = append(*argList, id[i])
		partList = append(partList, fmt.Sprintf("%q = ?", field.Column))
	}
	return strings.Join(partList, " AND ")
}

func (persister *entityPersister) Insert(ctx context.Context, entity any) (core.Identifier, error) {
	meta := persister.meta
	columnList, valueList, err := persister.writableColumns(entity)
	if err != nil {
		return nil, err
	}
	placeholderList := make([]string, len(valueList))
	for i := range placeholderList {
		placeholderList[i] = "?"
	}

	sqlQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		persister.formatTable(), strings.Join(columnList, ", "), strings.Join(placeholderList, ", "))

	result, err := persister.driver.exec(ctx, sqlQuery, valueList...)
	if err != nil {
		return nil, err
	}
	if meta.Strategy != core.IDGenerated {
		return nil, nil
	}
	if len(meta.IDFieldList) != 1 {
		return nil, fmt.Errorf("%w: sqlite generates single-column rowid identifiers only", core.ErrInvalidArgument)
	}
	rowID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return core.Identifier{rowID}, nil
}

// updateAssignments maps a change set onto SET clauses, appending the new
// values to argList. Owning to-many changes have no column on this table and
// join-table writes are outside the persister contract, so collection-only
// change sets reduce the update to a no-op.
func (persister *entityPersister) updateAssignments(changes core.ChangeSet, argList *[]any) ([]string, error) {
	meta := persister.meta
	setPartList := []string{}
	for fieldName, change := range changes {
		if field := meta.FieldByName(fieldName); field != nil {
			*argList = append(*argList, change.New)
			setPartList = append(setPartList, fmt.Sprintf("%q = ?", field.Column))
			continue
		}
		assoc := meta.AssociationByField(fieldName)
		if assoc == nil || !assoc.Owning || assoc.Kind != core.ToOne {
			continue
		}
		value, err := persister.foreignKeyValue(change.New)
		if err != nil {
			return nil, err
		}
		*argList = append(*argList, value)
		setPartList = append(setPartList, fmt.Sprintf("%q = ?", foreignKeyColumn(assoc)))
	}
	return setPartList, nil
}

func (persister *entityPersister) Update(ctx context.Context, entity any, changes core.ChangeSet, expectedVersion int64) error {
	meta := persister.meta

	argList := []any{}
	setPartList, err := persister.updateAssignments(changes, &argList)
	if err != nil {
		return err
	}
	if len(setPartList) == 0 {
		return nil
	}

	id, err := core.IdentifierOf(meta, entity)
	if err != nil {
		return err
	}
	whereClause := persister.identifierClause(id, &argList)
	if meta.VersionField() != nil {
		argList = append(argList, expectedVersion)
		whereClause += fmt.Sprintf(" AND %q = ?", meta.VersionField().Column)
	}

	sqlQuery := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		persister.formatTable(), strings.Join(setPartList, ", "), whereClause)

	result, err := persister.driver.exec(ctx, sqlQuery, argList...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if meta.VersionField() != nil {
			return &core.LockConflictError{Entity: meta.Name, Expected: expectedVersion, Actual: -1}
		}
		return fmt.Errorf("sqlite: update of %s matched no row", meta.Name)
	}
	return nil
}

func (persister *entityPersister) Delete(ctx context.Context, entity any) error {
	id, err := core.IdentifierOf(persister.meta, entity)
	if err != nil {
		return err
	}
	argList := []any{}
	sqlQuery := fmt.Sprintf("DELETE FROM %s WHERE %s",
		persister.formatTable(), persister.identifierClause(id, &argList))
	_, err = persister.driver.exec(ctx, sqlQuery, argList...)
	return err
}

func (persister *entityPersister) Exists(ctx context.Context, id core.Identifier) (bool, error) {
	argList := []any{}
	sqlQuery := fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1",
		persister.formatTable(), persister.identifierClause(id, &argList))

	var one int
	err := persister.driver.queryRow(ctx, sqlQuery, argList...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (persister *entityPersister) Load(ctx context.Context, id core.Identifier) (map[string]any, error) {
	meta := persister.meta
	columnNameList := make([]string, 0, len(meta.Fields))
	for _, field := range meta.Fields {
		columnNameList = append(columnNameList, fmt.Sprintf("%q", field.Column))
	}
	argList := []any{}
	sqlQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(columnNameList, ", "), persister.formatTable(), persister.identifierClause(id, &argList))

	rowList, err := persister.driver.query(ctx, sqlQuery, argList...)
	if err != nil {
		return nil, err
	}
	defer rowList.Close()

	if !rowList.Next() {
		return nil, rowList.Err()
	}
	columnNames, err := rowList.Columns()
	if err != nil {
		return nil, err
	}
	valueList := make([]any, len(columnNames))
	scanTargets := make([]any, len(columnNames))
	for i := range valueList {
		scanTargets[i] = &valueList[i]
	}
	if err := rowList.Scan(scanTargets...); err != nil {
		return nil, err
	}
	rowMap := make(map[string]any, len(columnNames))
	for i, name := range columnNames {
		rowMap[name] = valueList[i]
	}
	return rowMap, nil
}

func (persister *entityPersister) Lock(ctx context.Context, entity any, mode core.LockMode, version int64) error {
	meta := persister.meta
	switch mode {
	case core.LockNone:
		return nil
	case core.LockOptimistic:
		versionField := meta.VersionField()
		if versionField == nil {
			return fmt.Errorf("%w: %s carries no version field", core.ErrInvalidArgument, meta.Name)
		}
		id, err := core.IdentifierOf(meta, entity)
		if err != nil {
			return err
		}
		argList := []any{}
		sqlQuery := fmt.Sprintf("SELECT %q FROM %s WHERE %s",
			versionField.Column, persister.formatTable(), persister.identifierClause(id, &argList))
		var stored int64
		if err := persister.driver.queryRow(ctx, sqlQuery, argList...).Scan(&stored); err != nil {
			return err
		}
		if stored != version {
			return &core.LockConflictError{Entity: meta.Name, Expected: version, Actual: stored}
		}
		return nil
	default:
		// SQLite locks the whole database file, not rows.
		return fmt.Errorf("%w: sqlite supports no row-level pessimistic locks", core.ErrInvalidArgument)
	}
}

//endregion

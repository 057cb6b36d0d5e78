// Package postgres implements the persister contracts on PostgreSQL using
// pgx connection pools.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KamilPesek/orm/core"
)

//region postgresTransaction

type postgresTransaction struct {
	transaction pgx.Tx
}

func (transaction *postgresTransaction) Commit(ctx context.Context) error {
	return transaction.transaction.Commit(ctx)
}

func (transaction *postgresTransaction) Rollback(ctx context.Context) error {
	return transaction.transaction.Rollback(ctx)
}

//endregion

//region PostgresDriver

// PostgresDriver hands out per-entity persisters backed by one pgx pool. It
// needs the mapping metadata to resolve the identifiers of referenced
// entities into foreign-key values.
type PostgresDriver struct {
	pool     *pgxpool.Pool
	metadata core.MetadataProvider
}

var _ core.PersisterProvider = (*PostgresDriver)(nil)

func NewPostgresDriver(ctx context.Context, connString string, metadata core.MetadataProvider) (*PostgresDriver, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &PostgresDriver{pool: pool, metadata: metadata}, nil
}

func (driver *PostgresDriver) Ping(ctx context.Context) error {
	return driver.pool.Ping(ctx)
}

func (driver *PostgresDriver) Close(ctx context.Context) error {
	driver.pool.Close()
	return nil
}

func (driver *PostgresDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	tx, err := driver.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &postgresTransaction{transaction: tx}, nil
}

func (driver *PostgresDriver) PersisterFor(meta *core.EntityMeta) (core.Persister, error) {
	return &entityPersister{driver: driver, meta: meta}, nil
}

// --- helpers to execute with or without a transaction ---

func (driver *PostgresDriver) exec(ctx context.Context, sqlQuery string, args ...any) (int64, error) {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if pgTx, ok := tx.(*postgresTransaction); ok {
			tag, err := pgTx.transaction.Exec(ctx, sqlQuery, args...)
			return tag.RowsAffected(), err
		}
	}
	tag, err := driver.pool.Exec(ctx, sqlQuery, args...)
	return tag.RowsAffected(), err
}

func (driver *PostgresDriver) query(ctx context.Context, sqlQuery string, args ...any) (pgx.Rows, error) {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if pgTx, ok := tx.(*postgresTransaction); ok {
			return pgTx.transaction.Query(ctx, sqlQuery, args...)
		}
	}
	return driver.pool.Query(ctx, sqlQuery, args...)
}

func (driver *PostgresDriver) queryRow(ctx context.Context, sqlQuery string, args ...any) pgx.Row {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if pgTx, ok := tx.(*postgresTransaction); ok {
			return pgTx.transaction.QueryRow(ctx, sqlQuery, args...)
		}
	}
	return driver.pool.QueryRow(ctx, sqlQuery, args...)
}

//endregion

//region entityPersister

type entityPersister struct {
	driver *PostgresDriver
	meta   *core.EntityMeta
}

var _ core.Persister = (*entityPersister)(nil)

func (persister *entityPersister) formatTable() string {
	return fmt.Sprintf("%q", persister.meta.Table)
}

// foreignKeyColumn names the column carrying an owning to-one reference.
func foreignKeyColumn(assoc *core.Association) string {
	return strings.ToLower(assoc.FieldName) + "_id"
}

// foreignKeyValue resolves the referenced entity into its scalar identifier
// value, or nil for an unset reference.
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

// writableColumns collects the columns and values an insert writes: every
// scalar field except store-generated identifiers, plus the foreign-key
// column of every owning to-one reference.
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

// identifierClause builds the WHERE clause matching the entity's identifier,
// appending its values to argList.
func (persister *entityPersister) identifierClause(id core.Identifier, argList *[]any) string {
	meta := persister.meta
	partList := []string{}
	for i, fieldName := range meta.IDFieldList {
		field := meta.FieldByName(fieldName)
		*argList = append(*argList, id[i])
		partList = append(partList, fmt.Sprintf("%q = $%d", field.Column, len(*argList)))
	}
	return strings.Join(partList, " AND ")
}

func (persister *entityPersister) Insert(ctx context.Context, entity any) (core.Identifier, error) {
	meta := persister.meta
	columnList, valueList, err := persister.writableColumns(entity)
	if err != nil {
		return nil, err
	}
	placeholderList := make([]string, 0, len(valueList))
	for i := range valueList {
		placeholderList = append(placeholderList, fmt.Sprintf("$%d", i+1))
	}

	sqlQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		persister.formatTable(), strings.Join(columnList, ", "), strings.Join(placeholderList, ", "))

	if meta.Strategy != core.IDGenerated {
		_, err := persister.driver.exec(ctx, sqlQuery, valueList...)
		return nil, err
	}

	idColumnList := make([]string, 0, len(meta.IDFieldList))
	for _, fieldName := range meta.IDFieldList {
		idColumnList = append(idColumnList, fmt.Sprintf("%q", meta.FieldByName(fieldName).Column))
	}
	sqlQuery += " RETURNING " + strings.Join(idColumnList, ", ")

	generated := make(core.Identifier, len(meta.IDFieldList))
	scanTargets := make([]any, len(generated))
	for i := range generated {
		scanTargets[i] = &generated[i]
	}
	if err := persister.driver.queryRow(ctx, sqlQuery, valueList...).Scan(scanTargets...); err != nil {
		return nil, err
	}
	return generated, nil
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
			setPartList = append(setPartList, fmt.Sprintf("%q = $%d", field.Column, len(*argList)))
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
		setPartList = append(setPartList, fmt.Sprintf("%q = $%d", foreignKeyColumn(assoc), len(*argList)))
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
		whereClause += fmt.Sprintf(" AND %q = $%d", meta.VersionField().Column, len(argList))
	}

	sqlQuery := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		persister.formatTable(), strings.Join(setPartList, ", "), whereClause)

	affected, err := persister.driver.exec(ctx, sqlQuery, argList...)
	if err != nil {
		return err
	}
	if affected == 0 {
		if meta.VersionField() != nil {
			return &core.LockConflictError{Entity: meta.Name, Expected: expectedVersion, Actual: -1}
		}
		return fmt.Errorf("postgres: update of %s matched no row", meta.Name)
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
	if errors.Is(err, pgx.ErrNoRows) {
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
	valueList, err := rowList.Values()
	if err != nil {
		return nil, err
	}
	columnDescriptionList := rowList.FieldDescriptions()
	rowMap := make(map[string]any, len(columnDescriptionList))
	for i, col := range columnDescriptionList {
		rowMap[string(col.Name)] = valueList[i]
	}
	return rowMap, nil
}

func (persister *entityPersister) Lock(ctx context.Context, entity any, mode core.LockMode, version int64) error {
	meta := persister.meta
	id, err := core.IdentifierOf(meta, entity)
	if err != nil {
		return err
	}

	switch mode {
	case core.LockNone:
		return nil
	case core.LockOptimistic:
		versionField := meta.VersionField()
		if versionField == nil {
			return fmt.Errorf("%w: %s carries no version field", core.ErrInvalidArgument, meta.Name)
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
	case core.LockPessimisticRead, core.LockPessimisticWrite:
		clause := "FOR SHARE"
		if mode == core.LockPessimisticWrite {
			clause = "FOR UPDATE"
		}
		argList := []any{}
		sqlQuery := fmt.Sprintf("SELECT 1 FROM %s WHERE %s %s",
			persister.formatTable(), persister.identifierClause(id, &argList), clause)
		var one int
		err := persister.driver.queryRow(ctx, sqlQuery, argList...).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: lock of %s matched no row", meta.Name)
		}
		return err
	}
	return fmt.Errorf("%w: unknown lock mode %d", core.ErrInvalidArgument, mode)
}

//endregion

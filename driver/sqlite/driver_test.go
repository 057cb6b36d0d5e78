package sqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KamilPesek/orm/core"
)

type liteUser struct {
	ID    int64  `db:"id"`
	Email string `db:"email"`
	Group *liteGroup
	Peers []*liteUser
}

type liteGroup struct {
	Name string `db:"name"`
}

func testPersister(t *testing.T) *entityPersister {
	t.Helper()
	groupMeta := core.Entity[liteGroup](
		core.ID(func(g *liteGroup) *string { return &g.Name }),
	)
	userMeta := core.Entity[liteUser](
		core.GeneratedID(func(u *liteUser) *int64 { return &u.ID }),
		core.HasOne(func(u *liteUser) **liteGroup { return &u.Group }),
		core.HasMany(func(u *liteUser) *[]*liteUser { return &u.Peers }, core.OwningSide()),
	)
	registry := core.NewRegistry(groupMeta, userMeta)
	driver := &SqliteDriver{metadata: registry}
	return &entityPersister{driver: driver, meta: userMeta}
}

func TestWritableColumnsResolveReference(t *testing.T) {
	persister := testPersister(t)
	user := &liteUser{Email: "a@b.c", Group: &liteGroup{Name: "admins"}}

	columnList, valueList, err := persister.writableColumns(user)
	require.NoError(t, err)
	assert.Equal(t, []string{`"email"`, `"group_id"`}, columnList)
	assert.Equal(t, []any{"a@b.c", "admins"}, valueList)
}

func TestUpdateAssignmentsSkipCollectionChanges(t *testing.T) {
	persister := testPersister(t)

	argList := []any{}
	setPartList, err := persister.updateAssignments(core.ChangeSet{
		"Peers": {New: []*liteUser{{Email: "x@y.z"}}},
	}, &argList)
	require.NoError(t, err)
	assert.Empty(t, setPartList, "collection membership has no column on this table")

	setPartList, err = persister.updateAssignments(core.ChangeSet{
		"Email": {Old: "a@b.c", New: "c@b.a"},
	}, &argList)
	require.NoError(t, err)
	assert.Equal(t, []string{`"email" = ?`}, setPartList)
	assert.Equal(t, []any{"c@b.a"}, argList)
}

func TestIdentifierClauseUsesQuestionMarks(t *testing.T) {
	persister := testPersister(t)

	argList := []any{}
	clause := persister.identifierClause(core.Identifier{int64(7)}, &argList)
	assert.Equal(t, `"id" = ?`, clause)
	assert.Equal(t, []any{int64(7)}, argList)
}

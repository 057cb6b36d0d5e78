package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KamilPesek/orm/core"
)

type mgCountry struct {
	Code string `db:"code"`
	Name string `db:"name"`
}

type mgCity struct {
	Region  string `db:"region"`
	Name    string `db:"name"`
	Country *mgCountry
	Suburbs []*mgCity
}

func testPersister(t *testing.T) *entityPersister {
	t.Helper()
	countryMeta := core.Entity[mgCountry](
		core.ID(func(c *mgCountry) *string { return &c.Code }),
	)
	cityMeta := core.Entity[mgCity](
		core.ID(func(c *mgCity) *string { return &c.Region }),
		core.ID(func(c *mgCity) *string { return &c.Name }),
		core.HasOne(func(c *mgCity) **mgCountry { return &c.Country }),
		core.HasMany(func(c *mgCity) *[]*mgCity { return &c.Suburbs }, core.OwningSide()),
	)
	registry := core.NewRegistry(countryMeta, cityMeta)
	driver := &MongoDriver{metadata: registry}
	return &entityPersister{driver: driver, meta: cityMeta}
}

func TestDocumentIDJoinsCompositeComponents(t *testing.T) {
	assert.Equal(t, "EU Berlin", documentID(core.Identifier{"EU", "Berlin"}))
	assert.Equal(t, "42", documentID(core.Identifier{int64(42)}))
}

func TestBuildDocumentFlattensEntity(t *testing.T) {
	persister := testPersister(t)
	city := &mgCity{Region: "EU", Name: "Berlin", Country: &mgCountry{Code: "DE"}}

	document, err := persister.buildDocument(city)
	require.NoError(t, err)
	assert.NotContains(t, document, "region", "identifier components live in _id")
	assert.NotContains(t, document, "name")
	assert.Equal(t, "DE", document["Country"], "references store the target's document id")
}

func TestBuildDocumentNilReference(t *testing.T) {
	persister := testPersister(t)

	document, err := persister.buildDocument(&mgCity{Region: "EU", Name: "Atlantis"})
	require.NoError(t, err)
	assert.Nil(t, document["Country"])
}

func TestUpdateDocumentSkipsCollectionChanges(t *testing.T) {
	persister := testPersister(t)

	set, err := persister.updateDocument(core.ChangeSet{
		"Suburbs": {New: []*mgCity{{Region: "EU", Name: "Spandau"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, set, "collection membership has no field on this document")

	set, err = persister.updateDocument(core.ChangeSet{
		"Country": {New: &mgCountry{Code: "FR"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "FR", set["Country"])
}

func TestBuildDocumentUnsetTargetIdentifierFails(t *testing.T) {
	persister := testPersister(t)
	city := &mgCity{Region: "EU", Name: "Berlin", Country: &mgCountry{Name: "no code"}}

	// An empty string is a legal identifier component, so this succeeds; the
	// document id is just the empty code.
	document, err := persister.buildDocument(city)
	require.NoError(t, err)
	assert.Equal(t, "", document["Country"])
}

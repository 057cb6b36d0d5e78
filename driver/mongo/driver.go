// Package mongo implements the persister contracts on MongoDB. Documents are
// keyed by the entity's identifier hash, so SQL composite keys and Mongo _id
// values stay interchangeable.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mopt "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/KamilPesek/orm/core"
)

//region mongoTransaction

type mongoTransaction struct {
	session mongo.Session
}

func (transaction *mongoTransaction) Commit(ctx context.Context) error {
	defer transaction.session.EndSession(ctx)
	return transaction.session.CommitTransaction(ctx)
}

func (transaction *mongoTransaction) Rollback(ctx context.Context) error {
	defer transaction.session.EndSession(ctx)
	return transaction.session.AbortTransaction(ctx)
}

//endregion

//region MongoDriver

// MongoDriver hands out per-entity persisters backed by one client. Each
// entity type maps to the collection named by its metadata table.
type MongoDriver struct {
	client   *mongo.Client
	database string
	metadata core.MetadataProvider
}

var _ core.PersisterProvider = (*MongoDriver)(nil)

func NewMongoDriver(ctx context.Context, uri, database string, metadata core.MetadataProvider) (*MongoDriver, error) {
	opts := mopt.Client().ApplyURI(uri)
	opts.SetConnectTimeout(10 * time.Second).SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoDriver{client: client, database: database, metadata: metadata}, nil
}

func (driver *MongoDriver) Ping(ctx context.Context) error {
	return driver.client.Ping(ctx, nil)
}

func (driver *MongoDriver) Close(ctx context.Context) error {
	return driver.client.Disconnect(ctx)
}

func (driver *MongoDriver) Transaction(ctx context.Context) (core.Transaction, error) {
	session, err := driver.client.StartSession()
	if err != nil {
		return nil, err
	}
	if err := session.StartTransaction(); err != nil {
		return nil, err
	}
	return &mongoTransaction{session: session}, nil
}

func (driver *MongoDriver) PersisterFor(meta *core.EntityMeta) (core.Persister, error) {
	if meta.Table == "" {
		return nil, fmt.Errorf("%w: entity %s maps no collection", core.ErrInvalidArgument, meta.Name)
	}
	return &entityPersister{driver: driver, meta: meta}, nil
}

// --- helper to thread the session through the ctx ---

func (driver *MongoDriver) withSession(ctx context.Context) context.Context {
	if tx := core.TransactionFrom(ctx); tx != nil {
		if mt, ok := tx.(*mongoTransaction); ok {
			return mongo.NewSessionContext(ctx, mt.session)
		}
	}
	return ctx
}

//endregion

//region entityPersister

type entityPersister struct {
	driver *MongoDriver
	meta   *core.EntityMeta
}

var _ core.Persister = (*entityPersister)(nil)

func (persister *entityPersister) coll() *mongo.Collection {
	return persister.driver.client.Database(persister.driver.database).Collection(persister.meta.Table)
}

// documentID formats an identifier tuple the same way the identity map hashes
// it, so _id values match across drivers.
func documentID(id core.Identifier) string {
	key := ""
	for i, component := range id {
		if i > 0 {
			key += " "
		}
		key += fmt.Sprintf("%v", component)
	}
	return key
}

// buildDocument flattens the entity into a bson document: scalar fields under
// their column names, owning to-one references as the target's _id.
func (persister *entityPersister) buildDocument(entity any) (bson.M, error) {
	meta := persister.meta
	document := bson.M{}
	for _, field := range meta.Fields {
		if field.IsID {
			continue // identifier components live in _id
		}
		document[field.Column] = core.FieldValue(entity, field.Name)
	}
	for _, assoc := range meta.AssociationList {
		if !assoc.Owning || assoc.Kind != core.ToOne {
			continue
		}
		target := core.AssociationTarget(entity, assoc)
		if target == nil {
			document[assoc.FieldName] = nil
			continue
		}
		targetMeta, err := persister.driver.metadata.MetaOf(target)
		if err != nil {
			return nil, err
		}
		targetID, err := core.IdentifierOf(targetMeta, target)
		if err != nil {
			return nil, err
		}
		document[assoc.FieldName] = documentID(targetID)
	}
	return document, nil
}

func (persister *entityPersister) Insert(ctx context.Context, entity any) (core.Identifier, error) {
	ctx = persister.driver.withSession(ctx)
	meta := persister.meta

	document, err := persister.buildDocument(entity)
	if err != nil {
		return nil, err
	}

	var generated core.Identifier
	if meta.Strategy == core.IDGenerated {
		// Mongo has no sequence to defer to; an ObjectID hex stands in as the
		// store-generated identifier.
		generatedID := primitive.NewObjectID().Hex()
		document["_id"] = generatedID
		generated = core.Identifier{generatedID}
	} else {
		id, err := core.IdentifierOf(meta, entity)
		if err != nil {
			return nil, err
		}
		document["_id"] = documentID(id)
	}

	if _, err := persister.coll().InsertOne(ctx, document); err != nil {
		return nil, err
	}
	return generated, nil
}

// updateDocument maps a change set onto a $set document. Owning to-many
// changes have no field on this document and join collections are outside the
// persister contract, so collection-only change sets reduce the update to a
// no-op.
func (persister *entityPersister) updateDocument(changes core.ChangeSet) (bson.M, error) {
	meta := persister.meta
	set := bson.M{}
	for fieldName, change := range changes {
		if field := meta.FieldByName(fieldName); field != nil {
			set[field.Column] = change.New
			continue
		}
		assoc := meta.AssociationByField(fieldName)
		if assoc == nil || !assoc.Owning || assoc.Kind != core.ToOne {
			continue
		}
		if change.New == nil {
			set[assoc.FieldName] = nil
			continue
		}
		targetMeta, err := persister.driver.metadata.MetaOf(change.New)
		if err != nil {
			return nil, err
		}
		targetID, err := core.IdentifierOf(targetMeta, change.New)
		if err != nil {
			return nil, err
		}
		set[assoc.FieldName] = documentID(targetID)
	}
	return set, nil
}

func (persister *entityPersister) Update(ctx context.Context, entity any, changes core.ChangeSet, expectedVersion int64) error {
	ctx = persister.driver.withSession(ctx)
	meta := persister.meta

	set, err := persister.updateDocument(changes)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}

	id, err := core.IdentifierOf(meta, entity)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": documentID(id)}
	if versionField := meta.VersionField(); versionField != nil {
		filter[versionField.Column] = expectedVersion
	}

	result, err := persister.coll().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		if meta.VersionField() != nil {
			return &core.LockConflictError{Entity: meta.Name, Expected: expectedVersion, Actual: -1}
		}
		return fmt.Errorf("mongo: update of %s matched no document", meta.Name)
	}
	return nil
}

func (persister *entityPersister) Delete(ctx context.Context, entity any) error {
	ctx = persister.driver.withSession(ctx)
	id, err := core.IdentifierOf(persister.meta, entity)
	if err != nil {
		return err
	}
	_, err = persister.coll().DeleteOne(ctx, bson.M{"_id": documentID(id)})
	return err
}

func (persister *entityPersister) Exists(ctx context.Context, id core.Identifier) (bool, error) {
	ctx = persister.driver.withSession(ctx)
	count, err := persister.coll().CountDocuments(ctx, bson.M{"_id": documentID(id)}, mopt.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (persister *entityPersister) Load(ctx context.Context, id core.Identifier) (map[string]any, error) {
	ctx = persister.driver.withSession(ctx)
	meta := persister.meta

	var document bson.M
	err := persister.coll().FindOne(ctx, bson.M{"_id": documentID(id)}).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row := map[string]any(document)
	// Fold the _id components back onto the identifier columns so Refresh can
	// apply the row uniformly.
	for i, fieldName := range meta.IDFieldList {
		if i < len(id) {
			row[meta.FieldByName(fieldName).Column] = id[i]
		}
	}
	return row, nil
}

func (persister *entityPersister) Lock(ctx context.Context, entity any, mode core.LockMode, version int64) error {
	ctx = persister.driver.withSession(ctx)
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
		var document bson.M
		err = persister.coll().
			FindOne(ctx, bson.M{"_id": documentID(id)}, mopt.FindOne().SetProjection(bson.M{versionField.Column: 1})).
			Decode(&document)
		if err != nil {
			return err
		}
		stored, _ := document[versionField.Column].(int64)
		if stored != version {
			return &core.LockConflictError{Entity: meta.Name, Expected: version, Actual: stored}
		}
		return nil
	default:
		// Document locks are not part of the wire protocol.
		return fmt.Errorf("%w: mongo supports no pessimistic document locks", core.ErrInvalidArgument)
	}
}

//endregion

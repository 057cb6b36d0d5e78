package core_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/KamilPesek/orm/core"
)

//region Test entities

type testCountry struct {
	Code string `db:"code"`
	Name string `db:"name"`
}

type testCity struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Country *testCountry
}

type testInvoice struct {
	ID   int64 `db:"id"`
	City *testCity
}

type versionedAccount struct {
	ID      string `db:"id"`
	Balance int64  `db:"balance"`
	Version int64  `db:"version"`
}

type uuidNote struct {
	ID   string `db:"id"`
	Body string `db:"body"`
}

type notifyProduct struct {
	SKU   string  `db:"sku"`
	Price float64 `db:"price"`

	listener core.ChangeListener
}

func (product *notifyProduct) AttachChangeListener(listener core.ChangeListener) {
	product.listener = listener
}

func (product *notifyProduct) SetPrice(price float64) {
	if product.listener != nil {
		product.listener.EntityFieldChanged(product, "Price", product.Price, price)
	}
	product.Price = price
}

type cycleA struct {
	ID string `db:"id"`
	B  *cycleB
}

type cycleB struct {
	ID string `db:"id"`
	C  *cycleC
}

type cycleC struct {
	ID string `db:"id"`
	A  *cycleA
}

type optX struct {
	ID string `db:"id"`
	Y  *optY
}

type optY struct {
	ID string `db:"id"`
	X  *optX
}

//endregion

//region Fake persister provider

type callRecord struct {
	Op     string
	Entity string
}

type fakeTransaction struct {
	provider *fakeProvider
}

func (transaction *fakeTransaction) Commit(ctx context.Context) error {
	transaction.provider.commits++
	return nil
}

func (transaction *fakeTransaction) Rollback(ctx context.Context) error {
	transaction.provider.rollbacks++
	return nil
}

type fakeProvider struct {
	callList        []callRecord
	nextID          int64
	failOp          string
	failEntity      string
	rowList         map[string]map[string]any
	expectedVersion map[string]int64

	transactions int
	commits      int
	rollbacks    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		rowList:         make(map[string]map[string]any),
		expectedVersion: make(map[string]int64),
	}
}

func (provider *fakeProvider) PersisterFor(meta *core.EntityMeta) (core.Persister, error) {
	return &fakePersister{provider: provider, meta: meta}, nil
}

func (provider *fakeProvider) Transaction(ctx context.Context) (core.Transaction, error) {
	provider.transactions++
	return &fakeTransaction{provider: provider}, nil
}

func (provider *fakeProvider) record(op string, meta *core.EntityMeta) error {
	provider.callList = append(provider.callList, callRecord{Op: op, Entity: meta.Name})
	if provider.failOp == op && provider.failEntity == meta.Name {
		return fmt.Errorf("fake %s failure for %s", op, meta.Name)
	}
	return nil
}

func (provider *fakeProvider) callsOf(op string) []callRecord {
	matched := []callRecord{}
	for _, call := range provider.callList {
		if call.Op == op {
			matched = append(matched, call)
		}
	}
	return matched
}

func rowKey(meta *core.EntityMeta, id core.Identifier) string {
	return fmt.Sprintf("%s:%v", meta.Name, id)
}

type fakePersister struct {
	provider *fakeProvider
	meta     *core.EntityMeta
}

func (persister *fakePersister) Insert(ctx context.Context, entity any) (core.Identifier, error) {
	if err := persister.provider.record("insert", persister.meta); err != nil {
		return nil, err
	}
	if persister.meta.Strategy == core.IDGenerated {
		persister.provider.nextID++
		return core.Identifier{persister.provider.nextID}, nil
	}
	return nil, nil
}

func (persister *fakePersister) Update(ctx context.Context, entity any, changes core.ChangeSet, expectedVersion int64) error {
	persister.provider.expectedVersion[persister.meta.Name] = expectedVersion
	return persister.provider.record("update", persister.meta)
}

func (persister *fakePersister) Delete(ctx context.Context, entity any) error {
	return persister.provider.record("delete", persister.meta)
}

func (persister *fakePersister) Exists(ctx context.Context, id core.Identifier) (bool, error) {
	if err := persister.provider.record("exists", persister.meta); err != nil {
		return false, err
	}
	_, ok := persister.provider.rowList[rowKey(persister.meta, id)]
	return ok, nil
}

func (persister *fakePersister) Load(ctx context.Context, id core.Identifier) (map[string]any, error) {
	row, ok := persister.provider.rowList[rowKey(persister.meta, id)]
	if !ok {
		return nil, nil
	}
	return row, nil
}

func (persister *fakePersister) Lock(ctx context.Context, entity any, mode core.LockMode, version int64) error {
	return persister.provider.record("lock", persister.meta)
}

//endregion

//region Suite

type SessionSuite struct {
	suite.Suite

	countryMeta *core.EntityMeta
	cityMeta    *core.EntityMeta
	invoiceMeta *core.EntityMeta
	accountMeta *core.EntityMeta

	registry *core.Registry
	provider *fakeProvider
	session  *core.Session
	ctx      context.Context
}

func (s *SessionSuite) SetupTest() {
	s.countryMeta = core.Entity[testCountry](
		core.ID(func(c *testCountry) *string { return &c.Code }),
	)
	s.cityMeta = core.Entity[testCity](
		core.GeneratedID(func(c *testCity) *int64 { return &c.ID }),
		core.HasOne(func(c *testCity) **testCountry { return &c.Country },
			core.WithCascade(core.CascadePersist), core.NotNull()),
	)
	s.invoiceMeta = core.Entity[testInvoice](
		core.GeneratedID(func(i *testInvoice) *int64 { return &i.ID }),
		core.HasOne(func(i *testInvoice) **testCity { return &i.City }),
	)
	s.accountMeta = core.Entity[versionedAccount](
		core.ID(func(a *versionedAccount) *string { return &a.ID }),
		core.Version(func(a *versionedAccount) *int64 { return &a.Version }),
	)

	s.registry = core.NewRegistry(
		s.countryMeta,
		s.cityMeta,
		s.invoiceMeta,
		s.accountMeta,
		core.Entity[uuidNote](
			core.UUIDID(func(n *uuidNote) *string { return &n.ID }),
		),
		core.Entity[notifyProduct](
			core.ID(func(p *notifyProduct) *string { return &p.SKU }),
			core.Notify[notifyProduct](),
		),
		core.Entity[cycleA](
			core.ID(func(a *cycleA) *string { return &a.ID }),
			core.HasOne(func(a *cycleA) **cycleB { return &a.B },
				core.WithCascade(core.CascadePersist), core.NotNull()),
		),
		core.Entity[cycleB](
			core.ID(func(b *cycleB) *string { return &b.ID }),
			core.HasOne(func(b *cycleB) **cycleC { return &b.C },
				core.WithCascade(core.CascadePersist), core.NotNull()),
		),
		core.Entity[cycleC](
			core.ID(func(c *cycleC) *string { return &c.ID }),
			core.HasOne(func(c *cycleC) **cycleA { return &c.A },
				core.WithCascade(core.CascadePersist), core.NotNull()),
		),
		core.Entity[optX](
			core.ID(func(x *optX) *string { return &x.ID }),
			core.HasOne(func(x *optX) **optY { return &x.Y },
				core.WithCascade(core.CascadePersist), core.NotNull()),
		),
		core.Entity[optY](
			core.ID(func(y *optY) *string { return &y.ID }),
			core.HasOne(func(y *optY) **optX { return &y.X },
				core.WithCascade(core.CascadePersist)),
		),
	)
	s.provider = newFakeProvider()
	s.session = core.NewSession(s.registry, s.provider)
	s.ctx = context.Background()
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

//endregion

//region Persist

func (s *SessionSuite) TestPersistSchedulesInsertAndCommitAssignsIdentifier() {
	city := &testCity{Name: "Berlin", Country: &testCountry{Code: "DE", Name: "Germany"}}

	s.Require().NoError(s.session.Persist(city))
	s.Equal(core.StateManaged, s.session.StateOf(city))
	s.True(s.session.IsScheduledForInsert(city))
	s.False(s.session.IsInIdentityMap(city), "a deferred identifier has no slot before the flush")

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Equal(int64(1), city.ID, "the generated identifier is written back")
	s.True(s.session.IsInIdentityMap(city))
	s.False(s.session.IsScheduledForInsert(city))
	s.Equal(1, s.provider.commits)
}

func (s *SessionSuite) TestPersistIsIdempotent() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))
	s.Require().NoError(s.session.Persist(country))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Len(s.provider.callsOf("insert"), 1)
}

func (s *SessionSuite) TestPersistAssignedIdentifierRegistersImmediately() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))
	s.True(s.session.IsInIdentityMap(country))
}

func (s *SessionSuite) TestPersistRejectsDuplicateIdentity() {
	s.Require().NoError(s.session.Persist(&testCountry{Code: "DE", Name: "Germany"}))

	err := s.session.Persist(&testCountry{Code: "DE", Name: "Deutschland"})
	s.Require().ErrorIs(err, core.ErrDuplicateIdentity)
}

func (s *SessionSuite) TestPersistDetachedFails() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))
	s.Require().NoError(s.session.Commit(s.ctx))
	s.Require().NoError(s.session.Detach(country))

	err := s.session.Persist(country)
	s.Require().ErrorIs(err, core.ErrIllegalState)
}

func (s *SessionSuite) TestPersistNilFails() {
	s.Require().ErrorIs(s.session.Persist(nil), core.ErrInvalidArgument)
}

func (s *SessionSuite) TestPersistUUIDAssignsIdentifier() {
	note := &uuidNote{Body: "remember"}
	s.Require().NoError(s.session.Persist(note))
	s.NotEmpty(note.ID)
	s.True(s.session.IsInIdentityMap(note))
}

//endregion

//region Remove

func (s *SessionSuite) TestRemoveUntrackedIsNoOp() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Remove(country))
	s.Equal(core.StateNew, s.session.StateOf(country))
}

func (s *SessionSuite) TestRemoveCancelsPendingInsert() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))
	s.Require().NoError(s.session.Remove(country))

	s.Equal(core.StateNew, s.session.StateOf(country), "a cancelled insert leaves no trace")
	s.False(s.session.IsInIdentityMap(country))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Empty(s.provider.callList)
	s.Zero(s.provider.transactions, "an empty plan opens no transaction")
}

func (s *SessionSuite) TestRemoveManagedSchedulesDelete() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.RegisterManaged(country))

	s.Require().NoError(s.session.Remove(country))
	s.Equal(core.StateRemoved, s.session.StateOf(country))
	s.True(s.session.IsScheduledForDelete(country))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Len(s.provider.callsOf("delete"), 1)
	s.Equal(core.StateNew, s.session.StateOf(country), "a flushed delete untracks the entity")
	s.False(s.session.IsInIdentityMap(country))
}

func (s *SessionSuite) TestRemoveDetachedFails() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.RegisterManaged(country))
	s.Require().NoError(s.session.Detach(country))

	s.Require().ErrorIs(s.session.Remove(country), core.ErrIllegalState)
}

//endregion

//region Cascades and commit validation

func (s *SessionSuite) TestCascadePersistAtPersistTime() {
	city := &testCity{Name: "Berlin", Country: &testCountry{Code: "DE"}}
	s.Require().NoError(s.session.Persist(city))

	s.Equal(core.StateManaged, s.session.StateOf(city.Country))
	s.True(s.session.IsScheduledForInsert(city.Country))
}

func (s *SessionSuite) TestCascadePersistDuringCommitValidation() {
	city := &testCity{Name: "Berlin", Country: &testCountry{Code: "DE"}}
	s.Require().NoError(s.session.Persist(city))

	// Associated after the persist call; commit validation picks it up.
	city.Country = &testCountry{Code: "FR"}
	s.Require().NoError(s.session.Commit(s.ctx))

	inserts := s.provider.callsOf("insert")
	s.Require().Len(inserts, 3)
	s.Equal(core.StateManaged, s.session.StateOf(city.Country))
}

func (s *SessionSuite) TestInsertOrderFollowsDependencies() {
	city := &testCity{Name: "Berlin", Country: &testCountry{Code: "DE"}}
	s.Require().NoError(s.session.Persist(city))
	s.Require().NoError(s.session.Commit(s.ctx))

	inserts := s.provider.callsOf("insert")
	s.Require().Len(inserts, 2)
	s.Equal("testCountry", inserts[0].Entity, "the referenced row must exist first")
	s.Equal("testCity", inserts[1].Entity)
}

func (s *SessionSuite) TestMissingAssociationAbortsBeforeAnyWrite() {
	invoice := &testInvoice{City: &testCity{Name: "Berlin", Country: &testCountry{Code: "DE"}}}
	s.Require().NoError(s.session.Persist(invoice))
	// The invoice's city reference carries no cascade, and the city itself was
	// never persisted.
	err := s.session.Commit(s.ctx)

	s.Require().ErrorIs(err, core.ErrMissingAssociation)
	var missing *core.MissingAssociationError
	s.Require().ErrorAs(err, &missing)
	s.Equal("testInvoice", missing.Owner)
	s.Equal("City", missing.Association)

	s.Empty(s.provider.callList, "validation failures issue zero persister calls")
	s.Zero(s.provider.transactions)
}

func (s *SessionSuite) TestCascadePersistReachingRemovedFails() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.RegisterManaged(country))
	s.Require().NoError(s.session.Remove(country))

	city := &testCity{Name: "Berlin", Country: country}
	err := s.session.Persist(city)
	s.Require().ErrorIs(err, core.ErrInvalidArgument)
}

func (s *SessionSuite) TestCascadePersistReachingDetachedFails() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.RegisterManaged(country))
	s.Require().NoError(s.session.Detach(country))

	city := &testCity{Name: "Berlin", Country: country}
	err := s.session.Persist(city)

	s.Require().ErrorIs(err, core.ErrInvalidArgument)
	var invalid *core.InvalidAssociationError
	s.Require().ErrorAs(err, &invalid)
	s.Equal("testCity.Country", invalid.Path)
}

func (s *SessionSuite) TestRequiredCycleFailsWithMembers() {
	a := &cycleA{ID: "a"}
	b := &cycleB{ID: "b"}
	c := &cycleC{ID: "c"}
	a.B, b.C, c.A = b, c, a

	s.Require().NoError(s.session.Persist(a))
	err := s.session.Commit(s.ctx)

	s.Require().ErrorIs(err, core.ErrUnresolvableDependency)
	var cycle *core.DependencyCycleError
	s.Require().ErrorAs(err, &cycle)
	s.ElementsMatch([]string{"cycleA", "cycleB", "cycleC"}, cycle.MemberList)
	s.Zero(s.provider.transactions, "ordering fails before the transaction opens")
}

func (s *SessionSuite) TestNullableEdgeBreaksCycle() {
	x := &optX{ID: "x"}
	y := &optY{ID: "y"}
	x.Y, y.X = y, x

	s.Require().NoError(s.session.Persist(x))
	s.Require().NoError(s.session.Commit(s.ctx))

	inserts := s.provider.callsOf("insert")
	s.Require().Len(inserts, 2)
	s.Equal("optY", inserts[0].Entity, "the nullable back reference yields")
	s.Equal("optX", inserts[1].Entity)
}

//endregion

//region Partial commit

func (s *SessionSuite) TestPartialCommitFlushesOnlyGivenEntities() {
	first := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	second := &versionedAccount{ID: "a2", Balance: 20, Version: 1}
	third := &versionedAccount{ID: "a3", Balance: 30, Version: 1}
	for _, account := range []*versionedAccount{first, second, third} {
		s.Require().NoError(s.session.RegisterManaged(account))
	}
	first.Balance = 11
	second.Balance = 21
	third.Balance = 31

	s.Require().NoError(s.session.Commit(s.ctx, first))
	s.Len(s.provider.callsOf("update"), 1)
	s.False(s.session.IsScheduledForUpdate(first))
	s.True(s.session.IsScheduledForUpdate(second), "unscoped change sets stay pending")
	s.True(s.session.IsScheduledForUpdate(third))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Len(s.provider.callsOf("update"), 3)
}

func (s *SessionSuite) TestCommitUntrackedEntityFails() {
	err := s.session.Commit(s.ctx, &testCountry{Code: "DE"})
	s.Require().ErrorIs(err, core.ErrInvalidArgument)
}

func (s *SessionSuite) TestCommitReusesContextTransaction() {
	s.Require().NoError(s.session.Persist(&testCountry{Code: "DE"}))

	ctx := core.WithTransaction(s.ctx, &fakeTransaction{provider: s.provider})
	s.Require().NoError(s.session.Commit(ctx))

	s.Zero(s.provider.transactions, "a context transaction is reused, not replaced")
	s.Zero(s.provider.commits, "the Session does not own a borrowed transaction")
}

//endregion

//region Updates, versions, rollback

func (s *SessionSuite) TestChangeSetOfManagedEntity() {
	account := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))
	account.Balance = 42

	changes, err := s.session.ChangeSetOf(account)
	s.Require().NoError(err)
	s.Require().Contains(changes, "Balance")
	s.Equal(int64(10), changes["Balance"].Old)
	s.Equal(int64(42), changes["Balance"].New)
}

func (s *SessionSuite) TestChangeSetOfUnmanagedFails() {
	_, err := s.session.ChangeSetOf(&versionedAccount{ID: "a1"})
	s.Require().ErrorIs(err, core.ErrIllegalState)
}

func (s *SessionSuite) TestCleanEntitiesIssueNoWrites() {
	account := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Empty(s.provider.callList)
}

func (s *SessionSuite) TestUpdateFlushIncrementsVersion() {
	account := &versionedAccount{ID: "a1", Balance: 10, Version: 7}
	s.Require().NoError(s.session.RegisterManaged(account))
	account.Balance = 11

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Equal(int64(7), s.provider.expectedVersion["versionedAccount"],
		"the persister receives the version read at load time")
	s.Equal(int64(8), account.Version)
}

func (s *SessionSuite) TestFailedCommitRollsBackAndKeepsPendingState() {
	account := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))
	account.Balance = 11
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))

	s.provider.failOp = "update"
	s.provider.failEntity = "versionedAccount"
	err := s.session.Commit(s.ctx)

	s.Require().Error(err)
	s.Equal(1, s.provider.rollbacks)
	s.Zero(s.provider.commits)
	s.False(s.session.IsScheduledForInsert(country), "flushed operations leave the schedule")
	s.True(s.session.IsScheduledForUpdate(account), "unflushed change sets stay pending")
}

//endregion

//region Merge / Detach / Clear / Refresh

func (s *SessionSuite) TestMergeUntrackedCreatesManagedCopy() {
	account := &versionedAccount{ID: "a1", Balance: 10}

	merged, err := s.session.Merge(s.ctx, account)
	s.Require().NoError(err)
	managedCopy, ok := merged.(*versionedAccount)
	s.Require().True(ok)

	s.NotSame(account, managedCopy, "the argument is never promoted to managed")
	s.Equal(core.StateNew, s.session.StateOf(account))
	s.Equal(core.StateManaged, s.session.StateOf(managedCopy))
	s.True(s.session.IsScheduledForInsert(managedCopy))
	s.Equal(int64(10), managedCopy.Balance)
}

func (s *SessionSuite) TestMergeCopiesOntoManagedInstance() {
	managed := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	s.Require().NoError(s.session.RegisterManaged(managed))

	detachedCopy := &versionedAccount{ID: "a1", Balance: 99, Version: 1}
	merged, err := core.MergeAs(s.ctx, s.session, detachedCopy)
	s.Require().NoError(err)

	s.Same(managed, merged)
	s.Equal(int64(99), managed.Balance)
	s.True(s.session.IsScheduledForUpdate(managed))
}

func (s *SessionSuite) TestMergeLoadsExistingRowFromStore() {
	s.provider.rowList[rowKey(s.accountMeta, core.Identifier{"a1"})] = map[string]any{
		"id": "a1", "balance": int64(10), "version": int64(3),
	}
	detached := &versionedAccount{ID: "a1", Balance: 99, Version: 1}

	merged, err := core.MergeAs(s.ctx, s.session, detached)
	s.Require().NoError(err)

	s.NotSame(detached, merged)
	s.Equal(core.StateManaged, s.session.StateOf(merged))
	s.False(s.session.IsScheduledForInsert(merged), "a stored row never schedules an insert")
	s.True(s.session.IsScheduledForUpdate(merged))
	s.Equal(int64(99), merged.Balance)
	s.Equal(int64(3), merged.Version, "the tracked version comes from the store, not the argument")
	s.Len(s.provider.callsOf("exists"), 1)
}

func (s *SessionSuite) TestMergeManagedEntityReturnsIt() {
	account := &versionedAccount{ID: "a1", Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))

	merged, err := s.session.Merge(s.ctx, account)
	s.Require().NoError(err)
	s.Same(account, merged)
}

func (s *SessionSuite) TestDetachDropsAllTracking() {
	account := &versionedAccount{ID: "a1", Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))
	account.Balance = 5

	s.Require().NoError(s.session.Detach(account))
	s.Equal(core.StateDetached, s.session.StateOf(account))
	s.False(s.session.IsInIdentityMap(account))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Empty(s.provider.callList)
}

func (s *SessionSuite) TestClearDetachesEverything() {
	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))

	s.Require().NoError(s.session.Clear())
	s.Equal(core.StateNew, s.session.StateOf(country))
	s.Require().NoError(s.session.Commit(s.ctx))
	s.Empty(s.provider.callList)
}

func (s *SessionSuite) TestClearByTypeLeavesOtherTypesAlone() {
	city := &testCity{Name: "Berlin", Country: &testCountry{Code: "DE"}}
	s.Require().NoError(s.session.Persist(city))

	s.Require().NoError(s.session.Clear("testCountry"))
	s.Equal(core.StateNew, s.session.StateOf(city.Country))
	s.False(s.session.IsInIdentityMap(city.Country))
	s.True(s.session.IsScheduledForInsert(city), "other types keep their schedule")
}

func (s *SessionSuite) TestClearUnknownTypeFails() {
	s.Require().ErrorIs(s.session.Clear("nonsense"), core.ErrInvalidArgument)
}

func (s *SessionSuite) TestRefreshRestoresStoreState() {
	account := &versionedAccount{ID: "a1", Balance: 10, Version: 1}
	s.Require().NoError(s.session.RegisterManaged(account))
	s.provider.rowList[rowKey(s.accountMeta, core.Identifier{"a1"})] = map[string]any{
		"id": "a1", "balance": int64(50), "version": int64(2),
	}
	account.Balance = 999

	s.Require().NoError(s.session.Refresh(s.ctx, account))
	s.Equal(int64(50), account.Balance)
	s.Equal(int64(2), account.Version)

	changes, err := s.session.ChangeSetOf(account)
	s.Require().NoError(err)
	s.Empty(changes, "a refresh discards pending changes")
}

func (s *SessionSuite) TestRefreshUnmanagedFails() {
	err := s.session.Refresh(s.ctx, &versionedAccount{ID: "a1"})
	s.Require().ErrorIs(err, core.ErrIllegalState)
}

//endregion

//region Notify tracking

func (s *SessionSuite) TestNotifyTrackingFlushesReportedChanges() {
	product := &notifyProduct{SKU: "p1", Price: 10}
	s.Require().NoError(s.session.RegisterManaged(product))

	product.SetPrice(12)
	s.True(s.session.IsScheduledForUpdate(product))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Len(s.provider.callsOf("update"), 1)
}

func (s *SessionSuite) TestNotifyTrackingIgnoresSilentMutation() {
	product := &notifyProduct{SKU: "p1", Price: 10}
	s.Require().NoError(s.session.RegisterManaged(product))

	product.Price = 12 // direct write, no notification
	s.False(s.session.IsScheduledForUpdate(product))

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Empty(s.provider.callsOf("update"))
}

//endregion

//region Lock

func (s *SessionSuite) TestOptimisticLockMatchingVersion() {
	account := &versionedAccount{ID: "a1", Version: 3}
	s.Require().NoError(s.session.RegisterManaged(account))

	s.Require().NoError(s.session.Lock(s.ctx, account, core.LockOptimistic, 3))
	s.Len(s.provider.callsOf("lock"), 1)
}

func (s *SessionSuite) TestOptimisticLockVersionMismatch() {
	account := &versionedAccount{ID: "a1", Version: 3}
	s.Require().NoError(s.session.RegisterManaged(account))

	err := s.session.Lock(s.ctx, account, core.LockOptimistic, 2)
	s.Require().ErrorIs(err, core.ErrLockConflict)
	s.Empty(s.provider.callsOf("lock"), "a local mismatch never reaches the persister")
}

func (s *SessionSuite) TestLockUnmanagedFails() {
	err := s.session.Lock(s.ctx, &versionedAccount{ID: "a1"}, core.LockPessimisticWrite, 0)
	s.Require().ErrorIs(err, core.ErrIllegalState)
}

func (s *SessionSuite) TestLockNilFails() {
	err := s.session.Lock(s.ctx, nil, core.LockPessimisticWrite, 0)
	s.Require().ErrorIs(err, core.ErrInvalidArgument)
}

//endregion

//region Hooks

func (s *SessionSuite) TestHooksFireAroundFlushes() {
	stageLog := []string{}
	for _, stage := range []core.HookStage{core.PrePersist, core.PostPersist, core.PreRemove, core.PostRemove} {
		stage := stage
		s.countryMeta.RegisterHook(stage, func(entity any) error {
			stageLog = append(stageLog, string(stage))
			return nil
		})
	}

	country := &testCountry{Code: "DE"}
	s.Require().NoError(s.session.Persist(country))
	s.Equal([]string{"pre:persist"}, stageLog, "pre-persist fires at the transition, not at flush")

	s.Require().NoError(s.session.Commit(s.ctx))
	s.Require().NoError(s.session.Remove(country))
	s.Require().NoError(s.session.Commit(s.ctx))

	s.Equal([]string{"pre:persist", "post:persist", "pre:remove", "post:remove"}, stageLog)
}

func (s *SessionSuite) TestPrePersistHookMayAssignIdentifier() {
	s.countryMeta.RegisterHook(core.PrePersist, core.HookFor(func(c *testCountry) error {
		if c.Code == "" {
			c.Code = "XX"
		}
		return nil
	}))

	country := &testCountry{}
	s.Require().NoError(s.session.Persist(country))
	s.True(s.session.IsInIdentityMap(country), "registration uses the hook-assigned identifier")

	duplicate := &testCountry{Code: "XX"}
	s.Require().ErrorIs(s.session.Persist(duplicate), core.ErrDuplicateIdentity)
}

func (s *SessionSuite) TestFailingPrePersistHookAbortsPersist() {
	s.countryMeta.RegisterHook(core.PrePersist, core.HookFor(func(c *testCountry) error {
		return fmt.Errorf("not today")
	}))

	country := &testCountry{Code: "DE"}
	s.Require().Error(s.session.Persist(country))
	s.Equal(core.StateNew, s.session.StateOf(country))
}

//endregion

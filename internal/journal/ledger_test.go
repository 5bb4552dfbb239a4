package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/lattice"
)

func mustHash(t *testing.T, e Event) canonical.Hash {
	t.Helper()
	h, err := e.Hash()
	require.NoError(t, err)
	return h
}

func TestAppendChainsEvents(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")

	e1 := f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	assert.Nil(t, e1.ParentHash)
	assert.EqualValues(t, 1, e1.Lamport)

	e2 := f.mustAppend(f.single("bob", EpochTick{NewEpoch: 2}))
	require.NotNil(t, e2.ParentHash)
	assert.Equal(t, mustHash(t, e1), *e2.ParentHash)
	assert.EqualValues(t, 2, e2.Lamport)
	assert.Equal(t, mustHash(t, e2), f.ledger.LastHash())
	assert.EqualValues(t, 2, f.ledger.Lamport())
	assert.EqualValues(t, 2, f.ledger.State().SessionEpoch)
}

func TestAppendRejectsDuplicateNonce(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	first := f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))

	replay := NewEvent(f.account, f.devices["bob"], first.Nonce, 0, f.now+5, EpochTick{NewEpoch: 2})
	replay, err := replay.SignSingle(f.keys["bob"])
	require.NoError(t, err)

	_, _, err = f.append(replay)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeDuplicateNonce))
	assert.Len(t, f.ledger.Events(), 1)
}

func TestAppendRejectsWrongParent(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))

	e := f.single("bob", EpochTick{NewEpoch: 2})
	bogus := canonical.SumDomain("test", []byte("elsewhere"))
	e.ParentHash = &bogus

	_, _, err := f.append(e)
	assert.True(t, faults.Is(err, faults.CodeHashChainBreak))
	assert.EqualValues(t, 1, f.ledger.Lamport())
}

func TestApplyErrorIsFatalToAppend(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 3}))
	before := f.ledger.LastHash()

	_, _, err := f.append(f.single("alice", EpochTick{NewEpoch: 2}))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeInvalidEvent))
	assert.Equal(t, before, f.ledger.LastHash())
	assert.EqualValues(t, 3, f.ledger.State().SessionEpoch)

	// The rejected nonce stays free.
	assert.False(t, f.ledger.NonceUsed(f.nonce))
}

func TestLamportIsVisibleToPayload(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 2}))

	// Compaction may only cover strictly earlier events, which it checks
	// against its own Lamport time.
	_, _, err := f.append(f.single("alice", ProposeCompaction{Session: ids.NamedSession("c1"), UpToLamport: 3}))
	require.Error(t, err)

	f.mustAppend(f.single("alice", ProposeCompaction{Session: ids.NamedSession("c1"), UpToLamport: 2}))
	f.mustAppend(f.single("alice", AcknowledgeCompaction{Session: ids.NamedSession("c1")}))
	f.mustAppend(f.single("alice", CommitCompaction{Session: ids.NamedSession("c1")}))
	assert.EqualValues(t, 2, f.ledger.State().CompactedThrough)
}

func TestUnsignedEventRejected(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	_, _, err := f.append(f.event(f.devices["alice"], EpochTick{NewEpoch: 1}))
	assert.True(t, faults.Is(err, faults.CodeCapabilityError))
	assert.True(t, faults.Is(err, faults.CodeTokenInvalid))
}

func TestForeignSignatureRejected(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	e, err := f.event(f.devices["alice"], EpochTick{NewEpoch: 1}).SignSingle(f.keys["bob"])
	require.NoError(t, err)
	_, _, err = f.append(e)
	assert.True(t, faults.Is(err, faults.CodeSignatureInvalid))
}

func TestAddDeviceTwiceIsNoop(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	dave := crypto.DeviceKeyFromLabel("dave")
	info := DeviceInfo{ID: ids.NamedDevice("dave"), Name: "dave", PublicKey: dave.Public()}

	f.mustAppend(f.threshold(AddDevice{Device: info}, "alice", "bob"))
	first := f.ledger.State()
	f.mustAppend(f.threshold(AddDevice{Device: info}, "alice", "carol"))
	second := f.ledger.State()

	assert.Equal(t, first.Devices, second.Devices)
	assert.Equal(t, first.Tree.Leaves, second.Tree.Leaves)
	assert.Len(t, second.ActiveDevices(), 4)
}

func TestRemoveDeviceRequiresPriorAdd(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	_, _, err := f.append(f.threshold(RemoveDevice{Device: ids.NamedDevice("ghost")}, "alice", "bob"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never added")

	f.mustAppend(f.threshold(RemoveDevice{Device: f.devices["carol"]}, "alice", "bob"))
	st := f.ledger.State()
	assert.False(t, st.IsActiveDevice(f.devices["carol"]))
	assert.NotContains(t, st.Tree.Members(), f.devices["carol"])
}

func TestRemoveDeviceNeedsThresholdSignatures(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	_, _, err := f.append(f.single("alice", RemoveDevice{Device: f.devices["carol"]}))
	assert.True(t, faults.Is(err, faults.CodeInsufficientPermissions))
}

func TestThresholdRaiseDemandsAllSigners(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	all := []ids.DeviceID{f.devices["alice"], f.devices["bob"], f.devices["carol"]}
	sess := ids.NamedSession("reshare")

	f.mustAppend(f.single("alice", InitiateResharing{
		Session: sess, OldThreshold: 2, NewThreshold: 3,
		OldParticipants: all, NewParticipants: all,
	}))
	f.mustAppend(f.single("alice", FinalizeResharing{Session: sess, NewThreshold: 3, NewParticipants: all}))
	require.EqualValues(t, 3, f.ledger.State().Threshold)

	dave := crypto.DeviceKeyFromLabel("dave")
	add := AddDevice{Device: DeviceInfo{ID: ids.NamedDevice("dave"), PublicKey: dave.Public()}}

	_, _, err := f.append(f.threshold(add, "alice", "bob"))
	require.Error(t, err)
	var ae *faults.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, faults.CodeInsufficientPermissions, ae.Code)
	assert.Equal(t, "3 signatures", ae.Required)
	assert.Equal(t, "2", ae.Available)

	f.mustAppend(f.threshold(add, "alice", "bob", "carol"))
}

func TestLockLotteryGrantsLowestTicket(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	st := f.ledger.State()
	sa, sb := ids.NamedSession("a"), ids.NamedSession("b")

	f.mustAppend(f.single("alice", RequestLock{Operation: OpDkd, Session: sa, Ticket: st.TicketFor(OpDkd, f.devices["alice"])}))
	f.mustAppend(f.single("bob", RequestLock{Operation: OpDkd, Session: sb, Ticket: st.TicketFor(OpDkd, f.devices["bob"])}))

	pending := f.ledger.State().PendingRequests(OpDkd)
	require.Len(t, pending, 2)
	winner, loser := pending[0], pending[1]
	assert.True(t, winner.Ticket.Less(loser.Ticket))

	// A grant to the higher ticket is refused.
	_, _, err := f.append(f.single("alice", GrantLock{
		Operation: OpDkd, Session: loser.Session, Winner: loser.Device, Ticket: loser.Ticket, GrantedAt: f.now, LeaseS: 30,
	}))
	require.Error(t, err)

	f.mustAppend(f.single("alice", GrantLock{
		Operation: OpDkd, Session: winner.Session, Winner: winner.Device, Ticket: winner.Ticket, GrantedAt: f.now, LeaseS: 30,
	}))
	held, ok := f.ledger.State().LockHeld(OpDkd, f.now)
	require.True(t, ok)
	assert.Equal(t, winner.Device, held.Holder)

	f.mustAppend(f.single("alice", ReleaseLock{Operation: OpDkd, Session: winner.Session}))
	after := f.ledger.State()
	_, ok = after.LockHeld(OpDkd, f.now)
	assert.False(t, ok)
	assert.Empty(t, after.PendingRequests(OpDkd))
	assert.Equal(t, f.ledger.LastHash(), after.LockBasis[OpDkd])
	assert.NotEqual(t, st.TicketFor(OpDkd, f.devices["alice"]), after.TicketFor(OpDkd, f.devices["alice"]))
}

func TestGrantLockUsesEventTime(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob")
	st := f.ledger.State()
	sa, sb := ids.NamedSession("a"), ids.NamedSession("b")
	alice, bob := f.devices["alice"], f.devices["bob"]

	ta := st.TicketFor(OpDkd, alice)
	f.mustAppend(f.single("alice", RequestLock{Operation: OpDkd, Session: sa, Ticket: ta}))
	f.mustAppend(f.single("alice", GrantLock{Operation: OpDkd, Session: sa, Winner: alice, Ticket: ta, GrantedAt: f.now, LeaseS: 30}))

	tb := f.ledger.State().TicketFor(OpDkd, bob)
	f.mustAppend(f.single("bob", RequestLock{Operation: OpDkd, Session: sb, Ticket: tb}))

	// A grant dated past the lease does not free a lock that is still held.
	_, _, err := f.append(f.single("bob", GrantLock{
		Operation: OpDkd, Session: sb, Winner: bob, Ticket: tb, GrantedAt: f.now + 60_000, LeaseS: 30,
	}))
	require.Error(t, err)
	held, ok := f.ledger.State().LockHeld(OpDkd, f.now)
	require.True(t, ok)
	assert.Equal(t, sa, held.Session)

	// Once the lease has really run out the grant goes through.
	f.now += 31_000
	grant := f.mustAppend(f.single("bob", GrantLock{Operation: OpDkd, Session: sb, Winner: bob, Ticket: tb, GrantedAt: f.now, LeaseS: 30}))
	held, ok = f.ledger.State().LockHeld(OpDkd, grant.Timestamp)
	require.True(t, ok)
	assert.Equal(t, bob, held.Holder)
	assert.Equal(t, grant.Timestamp, held.GrantedAt)
}

func TestLockLeaseExpiry(t *testing.T) {
	l := OperationLock{GrantedAt: 1_000, LeaseS: 5}
	assert.EqualValues(t, 6_000, l.ExpiresAt())
	assert.False(t, l.Expired(5_999))
	assert.True(t, l.Expired(6_000))
	assert.False(t, OperationLock{GrantedAt: 1}.Expired(1<<40))
}

func TestRecoveryCooldown(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	dKey := crypto.DeviceKeyFromLabel("dave")
	dave := ids.NamedDevice("dave")
	sess := ids.NamedSession("recover")

	f.mustAppend(f.self(dave, dKey, InitiateRecovery{
		Session: sess, NewDevice: dave, NewDeviceKey: dKey.Public(), CooldownS: 10,
	}))
	f.mustAppend(f.guardian("g1", CollectGuardianApproval{Session: sess, Guardian: f.guards["g1"]}))
	f.mustAppend(f.guardian("g2", CollectGuardianApproval{Session: sess, Guardian: f.guards["g2"]}))
	f.mustAppend(f.guardian("g1", SubmitRecoveryShare{Session: sess, Guardian: f.guards["g1"]}))
	f.mustAppend(f.guardian("g2", SubmitRecoveryShare{Session: sess, Guardian: f.guards["g2"]}))

	_, _, err := f.append(f.self(dave, dKey, CompleteRecovery{Session: sess, NewDevice: dave}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), CooldownViolation)

	f.now += 10_000
	done := f.mustAppend(f.self(dave, dKey, CompleteRecovery{Session: sess, NewDevice: dave}))
	rec := f.ledger.State().Recoveries[sess]
	assert.GreaterOrEqual(t, done.Timestamp, rec.InitiatedAt+10_000)

	f.mustAppend(f.self(dave, dKey, AddDevice{Device: DeviceInfo{ID: dave, PublicKey: dKey.Public()}}))
	assert.True(t, f.ledger.State().IsActiveDevice(dave))
}

func TestAbortedRecoveryCannotComplete(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	dKey := crypto.DeviceKeyFromLabel("dave")
	dave := ids.NamedDevice("dave")
	sess := ids.NamedSession("recover")

	f.mustAppend(f.self(dave, dKey, InitiateRecovery{Session: sess, NewDevice: dave, NewDeviceKey: dKey.Public()}))
	f.mustAppend(f.single("alice", AbortRecovery{Session: sess, Reason: "lost phone found"}))
	assert.NotContains(t, f.ledger.State().Cooldowns, dave)

	_, _, err := f.append(f.guardian("g1", CollectGuardianApproval{Session: sess, Guardian: f.guards["g1"]}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
}

func TestCapabilityRevocationCascades(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	root := canonical.SumDomain("test", []byte("root"))
	child := canonical.SumDomain("test", []byte("child"))
	grandchild := canonical.SumDomain("test", []byte("grandchild"))

	f.mustAppend(f.single("alice", CapabilityDelegation{Capability: root, Holder: f.devices["alice"]}))
	f.mustAppend(f.single("alice", CapabilityDelegation{Capability: child, Parent: root, Holder: f.devices["bob"]}))
	f.mustAppend(f.single("bob", CapabilityDelegation{Capability: grandchild, Parent: child, Holder: f.devices["alice"]}))
	f.mustAppend(f.single("alice", CapabilityRevocation{Capability: root}))

	g := f.ledger.State().Authority
	assert.True(t, g.Revoked[child])
	assert.True(t, g.Revoked[grandchild])
	assert.True(t, g.IsRevoked(grandchild))

	_, _, err := f.append(f.single("alice", CapabilityDelegation{Capability: canonical.SumDomain("test", []byte("late")), Parent: child, Holder: f.devices["bob"]}))
	assert.Error(t, err)
}

func TestReduceMatchesLedger(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	f.mustAppend(f.single("bob", PresenceTicketCache{Context: "home", Device: f.devices["bob"], Ticket: canonical.SumDomain("t", nil)}))
	f.mustAppend(f.threshold(RemoveDevice{Device: f.devices["carol"]}, "alice", "bob"))

	a, err := Reduce(f.genesis, f.ledger.Events())
	require.NoError(t, err)
	b, err := Reduce(f.genesis, f.ledger.Events())
	require.NoError(t, err)
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Equal(t, f.ledger.State().Digest(), a.Digest())
}

func TestReduceOfPrefixPlusEventIsApply(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	f.mustAppend(f.single("bob", EpochTick{NewEpoch: 4}))
	events := f.ledger.Events()

	prefix := NewLedger(f.genesis)
	_, err := prefix.Import(context.Background(), events[:1])
	require.NoError(t, err)
	_, err = prefix.Import(context.Background(), events[1:])
	require.NoError(t, err)

	whole, err := Reduce(f.genesis, events)
	require.NoError(t, err)
	assert.Equal(t, whole.Digest(), prefix.State().Digest())
}

func TestImportSkipsKnownAndVerifies(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	f.mustAppend(f.single("bob", EpochTick{NewEpoch: 2}))

	replica := NewLedger(f.genesis)
	n, err := replica.Import(context.Background(), f.ledger.Events())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = replica.Import(context.Background(), f.ledger.Events())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, f.ledger.LastHash(), replica.LastHash())

	tampered := f.single("carol", EpochTick{NewEpoch: 3})
	tampered.Lamport = 3
	wrong := canonical.SumDomain("x", nil)
	tampered.ParentHash = &wrong
	_, err = replica.Import(context.Background(), []Event{tampered})
	assert.True(t, faults.Is(err, faults.CodeHashChainBreak))
}

type memPersister struct {
	events      []Event
	checkpoints []Checkpoint
	journal     *Journal
	failAppend  bool
	compacted   uint64
}

func (m *memPersister) AppendEvent(_ context.Context, e Event, _ canonical.Hash) error {
	if m.failAppend {
		return assert.AnError
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memPersister) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

func (m *memPersister) SaveJournal(_ context.Context, j Journal) error {
	m.journal = &j
	return nil
}

func (m *memPersister) Compact(_ context.Context, through uint64) error {
	m.compacted = through
	return nil
}

func TestCheckpointRestore(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	p := &memPersister{}
	f.ledger = NewLedger(f.genesis, WithPersister(p), WithCheckpointEvery(2))

	for i := uint64(1); i <= 5; i++ {
		f.mustAppend(f.single("alice", EpochTick{NewEpoch: i}))
	}
	require.Len(t, p.events, 5)
	require.Len(t, p.checkpoints, 2)
	cp := p.checkpoints[1]
	assert.EqualValues(t, 4, cp.Lamport)
	assert.True(t, cp.Valid())

	restored, err := RestoreLedger(context.Background(), cp, p.events)
	require.NoError(t, err)
	assert.Equal(t, f.ledger.LastHash(), restored.LastHash())
	assert.Equal(t, f.ledger.State().Digest(), restored.State().Digest())
	assert.True(t, restored.NonceUsed(1))

	cp.State.SessionEpoch = 99
	_, err = RestoreLedger(context.Background(), cp, nil)
	assert.True(t, faults.Is(err, faults.CodePersistenceCorrupt))
}

func TestPersisterFailureAbortsAppend(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	p := &memPersister{failAppend: true}
	f.ledger = NewLedger(f.genesis, WithPersister(p))

	_, _, err := f.append(f.single("alice", EpochTick{NewEpoch: 1}))
	require.Error(t, err)
	assert.Zero(t, f.ledger.Lamport())
	assert.Empty(t, f.ledger.Events())
}

func TestCommitCompactionReachesPersister(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	p := &memPersister{}
	f.ledger = NewLedger(f.genesis, WithPersister(p))
	sess := ids.NamedSession("compact")

	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	f.mustAppend(f.single("alice", ProposeCompaction{Session: sess, UpToLamport: 1}))
	f.mustAppend(f.single("bob", AcknowledgeCompaction{Session: sess}))
	assert.Zero(t, p.compacted)
	f.mustAppend(f.single("alice", CommitCompaction{Session: sess}))
	assert.EqualValues(t, 1, p.compacted)
}

func TestFlowBudgetCharges(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	ctx := context.Background()
	c := ids.NamedContext("C")
	peer := f.devices["bob"]

	_, err := f.ledger.UpdateFlowBudget(ctx, c, peer, FlowBudget{Limit: 50})
	require.NoError(t, err)

	_, err = f.ledger.ChargeFlow(ctx, c, peer, 100, f.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient flow budget: have 50, need 100")
	b, _ := f.ledger.GetFlowBudget(ctx, c, peer)
	assert.EqualValues(t, 50, b.Headroom())

	r, err := f.ledger.ChargeFlow(ctx, c, peer, 20, f.now)
	require.NoError(t, err)
	assert.EqualValues(t, 30, r.Remaining)
	assert.True(t, r.Verify())

	// A new epoch restores the full limit.
	f.mustAppend(f.single("alice", EpochTick{NewEpoch: 1}))
	b, _ = f.ledger.GetFlowBudget(ctx, c, peer)
	assert.EqualValues(t, 50, b.Headroom())
	assert.EqualValues(t, 1, b.Epoch)
}

func TestUnconfiguredBudgetUsesDefault(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	l := NewLedger(f.genesis, WithFlowLimit(7))
	b, err := l.ChargeFlowBudget(context.Background(), ids.NamedContext("x"), f.devices["bob"], 3)
	require.NoError(t, err)
	assert.EqualValues(t, 4, b.Headroom())
}

func TestCommitDeltaPersistsJournal(t *testing.T) {
	f := newFixture(t, 1, "alice", "bob")
	p := &memPersister{}
	l := NewLedger(f.genesis, WithPersister(p))

	delta := Journal{Facts: lattice.Fact{"k": lattice.String("v")}}
	j, err := l.CommitDelta(context.Background(), delta)
	require.NoError(t, err)
	assert.Contains(t, j.Facts, "k")
	require.NotNil(t, p.journal)
	assert.Contains(t, p.journal.Facts, "k")
}

func TestDkdRecordsEveryCommitmentAndReveal(t *testing.T) {
	f := newFixture(t, 2, "alice", "bob", "carol")
	sess := ids.NamedSession("dkd")
	alice, bob := f.devices["alice"], f.devices["bob"]

	f.mustAppend(f.single("alice", InitiateDkdSession{
		Session:      sess,
		Context:      ids.DkdContextID{AppLabel: "photos"},
		Participants: []ids.DeviceID{alice, bob},
	}))

	pa, pb := [32]byte{1}, [32]byte{2}
	f.mustAppend(f.single("alice", RecordDkdCommitment{Session: sess, Device: alice, Commitment: crypto.PointCommitment(pa)}))
	f.mustAppend(f.single("bob", RecordDkdCommitment{Session: sess, Device: bob, Commitment: crypto.PointCommitment(pb)}))
	f.mustAppend(f.single("alice", RevealDkdPoint{Session: sess, Device: alice, Point: pa}))
	f.mustAppend(f.single("bob", RevealDkdPoint{Session: sess, Device: bob, Point: pb}))

	rec := f.ledger.State().Dkd[sess]
	assert.Len(t, rec.Commitments, 2)
	assert.Len(t, rec.Reveals, 2)
}

func TestCloneAllocatesNestedRecordMaps(t *testing.T) {
	st := NewAccountState(Genesis{Account: ids.NamedAccount("acct"), Threshold: 1})
	sess := ids.NamedSession("s")
	st.Dkd[sess] = DkdRecord{Commitments: map[ids.DeviceID]canonical.Hash{}, Reveals: map[ids.DeviceID][32]byte{}}
	st.Recoveries[sess] = RecoveryRecord{}
	st.Resharing[sess] = ResharingRecord{}

	c := st.Clone()
	require.NotNil(t, c.Dkd[sess].Commitments)
	require.NotNil(t, c.Dkd[sess].Reveals)
	require.NotNil(t, c.Recoveries[sess].Approvals)
	require.NotNil(t, c.Recoveries[sess].Shares)
	require.NotNil(t, c.Recoveries[sess].Nudges)
	require.NotNil(t, c.Resharing[sess].Distributed)
	require.NotNil(t, c.Resharing[sess].Acknowledged)
	assert.Equal(t, st.Digest(), c.Digest())
}

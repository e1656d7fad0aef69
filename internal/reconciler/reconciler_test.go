package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeWeb/topology-coordinator/internal/probe"
	"github.com/LumeWeb/topology-coordinator/internal/proxyadmin"
	"github.com/LumeWeb/topology-coordinator/internal/store"
	"github.com/LumeWeb/topology-coordinator/internal/topology"
)

func newHarness() (*Reconciler, *topology.Repository, *probe.Fake, *proxyadmin.Fake) {
	fakeStore := store.NewFake()
	repo := topology.NewRepository(fakeStore)
	fakeProbe := probe.NewFake()
	fakeAdmin := proxyadmin.NewFake()
	r := New(repo, fakeProbe, fakeAdmin, Config{
		CheckInterval:        5 * time.Second,
		PromotionGracePeriod: 30 * time.Second,
		MaxAge:               300 * time.Second,
		ProbeTimeout:         3 * time.Second,
		WriterHostgroup:      10,
		ReaderHostgroup:      20,
	})
	return r, repo, fakeProbe, fakeAdmin
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// S-Fresh: store empty -> tick: no writes, sleep.
func TestSFresh(t *testing.T) {
	r, _, _, admin := newHarness()
	r.Tick(context.Background())
	assert.Equal(t, 0, admin.Published)
	assert.Equal(t, 0, admin.EmptyPublishes)
}

// S-Register-one, first half: a single unknown node probes online with no
// master -> status becomes online, no election (no slave candidates), empty
// writer group.
func TestSRegisterOneNoElectionWithoutCandidates(t *testing.T) {
	r, repo, fakeProbe, admin := newHarness()
	ctx := context.Background()

	require.NoError(t, repo.PutNode(ctx, "a", topology.NodeRecord{Host: "10.0.0.1", Port: "3306", Role: "", Status: "unknown", LastSeen: now()}))
	fakeProbe.SetHealth("10.0.0.1", "3306", probe.HealthOnline)

	r.Tick(ctx)

	rec, ok, err := repo.GetNode(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, topology.StatusOnline, rec.Status)

	_, hasMaster, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	assert.False(t, hasMaster)
	assert.Equal(t, 1, admin.EmptyPublishes)
}

// S-Register-one, second half: after a manual operator write sets
// MasterPointer=a with role=master and a slave b registers online, the next
// tick publishes writer={a}, reader={b}.
func TestSRegisterOnePublishesAfterManualMasterSet(t *testing.T) {
	r, repo, fakeProbe, admin := newHarness()
	ctx := context.Background()

	require.NoError(t, repo.PutNode(ctx, "a", topology.NodeRecord{Host: "10.0.0.1", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, LastSeen: now()}))
	require.NoError(t, repo.PutNode(ctx, "b", topology.NodeRecord{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusUnknown, LastSeen: now()}))
	ok, err := repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)
	require.True(t, ok)

	fakeProbe.SetHealth("10.0.0.1", "3306", probe.HealthOnline)
	fakeProbe.SetHealth("10.0.0.2", "3306", probe.HealthOnline)
	fakeProbe.SetReplication("10.0.0.2", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true})

	r.Tick(ctx)

	require.Equal(t, 1, admin.Published)
	require.Len(t, admin.WriterGroup, 1)
	assert.Equal(t, "10.0.0.1", admin.WriterGroup[0].Host)
	require.Len(t, admin.ReaderGroup, 1)
	assert.Equal(t, "10.0.0.2", admin.ReaderGroup[0].Host)
}

// S-Failover: master a fails probe, slaves b (x:1-100) and c (x:1-120) are
// online; c is elected for its higher GTID count, roles update, and
// publish reflects writer={c}, reader={b} (a still failed).
func TestSFailoverElectsHighestGTID(t *testing.T) {
	r, repo, fakeProbe, admin := newHarness()
	ctx := context.Background()

	require.NoError(t, repo.PutNode(ctx, "a", topology.NodeRecord{Host: "10.0.0.1", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, LastSeen: now()}))
	require.NoError(t, repo.PutNode(ctx, "b", topology.NodeRecord{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now(), GTIDPosition: "x:1-100"}))
	require.NoError(t, repo.PutNode(ctx, "c", topology.NodeRecord{Host: "10.0.0.3", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now(), GTIDPosition: "x:1-120"}))
	ok, err := repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)
	require.True(t, ok)

	fakeProbe.SetHealth("10.0.0.1", "3306", probe.HealthFailed)
	fakeProbe.SetHealth("10.0.0.2", "3306", probe.HealthOnline)
	fakeProbe.SetHealth("10.0.0.3", "3306", probe.HealthOnline)
	fakeProbe.SetReplication("10.0.0.2", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true, GTID: "x:1-100"})
	fakeProbe.SetReplication("10.0.0.3", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true, GTID: "x:1-120"})

	r.Tick(ctx)

	master, hasMaster, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	require.True(t, hasMaster)
	assert.Equal(t, "c", master)

	require.Len(t, admin.WriterGroup, 1)
	assert.Equal(t, "10.0.0.3", admin.WriterGroup[0].Host)

	readerHosts := []string{}
	for _, n := range admin.ReaderGroup {
		readerHosts = append(readerHosts, n.Host)
	}
	assert.Contains(t, readerHosts, "10.0.0.2")
	assert.NotContains(t, readerHosts, "10.0.0.1")
}

// S-GTID-tie: two equal-GTID slaves -> lexicographically smaller id wins.
func TestSGTIDTieBreaksLexicographically(t *testing.T) {
	r, repo, fakeProbe, _ := newHarness()
	ctx := context.Background()

	require.NoError(t, repo.PutNode(ctx, "b", topology.NodeRecord{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now(), GTIDPosition: "x:1-50"}))
	require.NoError(t, repo.PutNode(ctx, "c", topology.NodeRecord{Host: "10.0.0.3", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now(), GTIDPosition: "x:1-50"}))

	fakeProbe.SetHealth("10.0.0.2", "3306", probe.HealthOnline)
	fakeProbe.SetHealth("10.0.0.3", "3306", probe.HealthOnline)
	fakeProbe.SetReplication("10.0.0.2", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true, GTID: "x:1-50"})
	fakeProbe.SetReplication("10.0.0.3", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true, GTID: "x:1-50"})

	r.Tick(ctx)

	master, hasMaster, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	require.True(t, hasMaster)
	assert.Equal(t, "b", master)
}

// S-Grace: right after a promotion, a transient probe failure of the new
// master must not clear the pointer or trigger re-election within the
// grace period; after the grace period elapses with the master still
// failed, the next tick demotes and re-elects.
func TestSGraceSuppressesReElection(t *testing.T) {
	r, repo, fakeProbe, admin := newHarness()
	ctx := context.Background()
	r.Conf.PromotionGracePeriod = 30 * time.Second

	require.NoError(t, repo.PutNode(ctx, "a", topology.NodeRecord{Host: "10.0.0.1", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, LastSeen: now()}))
	require.NoError(t, repo.PutNode(ctx, "b", topology.NodeRecord{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now(), GTIDPosition: "x:1-10"}))
	_, err := repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)
	r.LastPromotionTime = time.Now()

	fakeProbe.SetHealth("10.0.0.1", "3306", probe.HealthFailed)
	fakeProbe.SetHealth("10.0.0.2", "3306", probe.HealthOnline)
	fakeProbe.SetReplication("10.0.0.2", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true, GTID: "x:1-10"})

	r.Tick(ctx)

	master, hasMaster, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	require.True(t, hasMaster)
	assert.Equal(t, "a", master, "grace period should suppress clearing the pointer")

	// Now simulate the grace period having elapsed.
	r.LastPromotionTime = time.Now().Add(-time.Minute)
	r.Tick(ctx)

	master, hasMaster, err = repo.GetMaster(ctx)
	require.NoError(t, err)
	require.True(t, hasMaster)
	assert.Equal(t, "b", master, "after grace period, failed master should be demoted and b elected")
	assert.GreaterOrEqual(t, admin.Published, 1)
}

// S-Stale-prune: a node with a 10-minute-old last_seen is deleted, along
// with any SlaveRecord, and the master pointer is cleared if it pointed at
// the pruned node.
func TestSStalePrune(t *testing.T) {
	r, repo, _, _ := newHarness()
	ctx := context.Background()

	old := time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	require.NoError(t, repo.PutNode(ctx, "z", topology.NodeRecord{Host: "10.0.0.9", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, LastSeen: old}))
	require.NoError(t, repo.PutSlaveRecord(ctx, "z", topology.SlaveRecord{MasterNodeID: "z"}))
	_, err := repo.SetMasterCAS(ctx, nil, "z")
	require.NoError(t, err)

	r.Tick(ctx)

	_, ok, err := repo.GetNode(ctx, "z")
	require.NoError(t, err)
	assert.False(t, ok)

	_, hasMaster, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	assert.False(t, hasMaster)
}

// Idempotence: two consecutive ticks over an unchanged input produce the
// same published routing.
func TestIdempotentAcrossTicks(t *testing.T) {
	r, repo, fakeProbe, admin := newHarness()
	ctx := context.Background()

	require.NoError(t, repo.PutNode(ctx, "a", topology.NodeRecord{Host: "10.0.0.1", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, LastSeen: now()}))
	require.NoError(t, repo.PutNode(ctx, "b", topology.NodeRecord{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, LastSeen: now()}))
	_, err := repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)

	fakeProbe.SetHealth("10.0.0.1", "3306", probe.HealthOnline)
	fakeProbe.SetHealth("10.0.0.2", "3306", probe.HealthOnline)
	fakeProbe.SetReplication("10.0.0.2", "3306", probe.ReplicationStatus{IORunning: true, SQLRunning: true})

	r.Tick(ctx)
	firstWriter := admin.WriterGroup
	firstReader := admin.ReaderGroup
	published := admin.Published

	r.Tick(ctx)
	assert.Equal(t, firstWriter, admin.WriterGroup)
	assert.Equal(t, firstReader, admin.ReaderGroup)
	assert.Equal(t, published+1, admin.Published, "a second tick still republishes the same (idempotent) table")
}

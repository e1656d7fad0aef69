package topology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LumeWeb/topology-coordinator/internal/store"
)

func TestRepositoryListNodesExcludesSubpaths(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	require.NoError(t, fake.Put(ctx, "nodes/a", []byte(`{"host":"10.0.0.1","port":"3306"}`)))
	require.NoError(t, fake.Put(ctx, "nodes/b", []byte(`{"host":"10.0.0.2","port":"3306"}`)))
	require.NoError(t, fake.Put(ctx, "nodes/a/meta", []byte(`{}`)))
	require.NoError(t, fake.Put(ctx, "topology/slaves/a", []byte(`{}`)))

	repo := NewRepository(fake)
	ids, err := repo.ListNodes(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestGetNodeMalformedIsAbsent(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	require.NoError(t, fake.Put(ctx, "nodes/a", []byte(`not json`)))

	repo := NewRepository(fake)
	_, ok, err := repo.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNodeRecordRoundTripPreservesUnknownFields(t *testing.T) {
	repo := NewRepository(store.NewFake())
	ctx := context.Background()

	require.NoError(t, repo.store.Put(ctx, "nodes/a", []byte(`{"host":"10.0.0.1","port":"3306","role":"slave","status":"online","last_seen":"2026-01-01T00:00:00Z","gtid_position":"x:1-5","datacenter":"dc1"}`)))

	rec, ok, err := repo.GetNode(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", rec.Host)
	require.NoError(t, repo.PutNode(ctx, "a", rec))

	raw, present, err := repo.store.Get(ctx, "nodes/a")
	require.NoError(t, err)
	require.True(t, present)
	assert.Contains(t, string(raw), `"datacenter":"dc1"`)
}

func TestGetNodeAcceptsNumericPort(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	require.NoError(t, fake.Put(ctx, "nodes/a", []byte(`{"host":"10.0.0.1","port":3306,"role":"slave","status":"online"}`)))

	repo := NewRepository(fake)
	rec, ok, err := repo.GetNode(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok, "a numeric JSON port must not be treated as a malformed record")
	assert.Equal(t, "3306", rec.Port)
}

func TestSetMasterCASRequiresAbsencePointer(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	repo := NewRepository(fake)

	ok, err := repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	master, present, err := repo.GetMaster(ctx)
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, "a", master)

	// A second absence-CAS must now fail: the pointer is no longer absent.
	ok, err = repo.SetMasterCAS(ctx, nil, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetMasterCASExpectedPrev(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	repo := NewRepository(fake)

	prev := "a"
	ok, err := repo.SetMasterCAS(ctx, &prev, "b")
	require.NoError(t, err)
	assert.False(t, ok, "CAS against a never-set pointer with a non-nil expectation must fail")

	_, err = repo.SetMasterCAS(ctx, nil, "a")
	require.NoError(t, err)

	ok, err = repo.SetMasterCAS(ctx, &prev, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetRolesBestEffort(t *testing.T) {
	fake := store.NewFake()
	ctx := context.Background()
	repo := NewRepository(fake)

	require.NoError(t, repo.PutNode(ctx, "a", NodeRecord{Host: "h1", Port: "3306", Role: RoleMaster, Status: StatusOnline}))
	require.NoError(t, repo.PutNode(ctx, "b", NodeRecord{Host: "h2", Port: "3306", Role: RoleSlave, Status: StatusOnline}))

	errsOut := repo.SetRoles(ctx, "b", []string{"a"})
	assert.Empty(t, errsOut)

	newMaster, _, err := repo.GetNode(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, newMaster.Role)

	demoted, _, err := repo.GetNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, RoleSlave, demoted.Role)
}

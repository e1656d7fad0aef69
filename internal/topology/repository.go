package topology

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/LumeWeb/topology-coordinator/internal/store"
)

const (
	nodesPrefix  = "nodes/"
	masterKey    = "topology/master"
	slavesPrefix = "topology/slaves/"
)

// Repository is the domain layer built on a namespace-scoped store.Client.
type Repository struct {
	store store.Client
}

func NewRepository(c store.Client) *Repository {
	return &Repository{store: c}
}

func nodeKey(id string) string  { return nodesPrefix + id }
func slaveKey(id string) string { return slavesPrefix + id }

// ListNodes derives node ids from ListKeys("nodes/"), excluding any key
// that isn't a direct child (there are none by construction today, but the
// filter keeps this repository honest about its own namespace contract).
func (r *Repository) ListNodes(ctx context.Context) ([]string, error) {
	keys, err := r.store.ListKeys(ctx, nodesPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, nodesPrefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		ids = append(ids, rest)
	}
	return ids, nil
}

// GetNode returns the node's record. A missing key or unparseable JSON is
// reported as "absent" (ok == false) — the caller (the Reconciler's
// prune/health stages) decides whether that absence warrants cleanup.
func (r *Repository) GetNode(ctx context.Context, id string) (NodeRecord, bool, error) {
	raw, present, err := r.store.Get(ctx, nodeKey(id))
	if err != nil {
		return NodeRecord{}, false, err
	}
	if !present {
		return NodeRecord{}, false, nil
	}
	var rec NodeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return NodeRecord{}, false, nil
	}
	return rec, true, nil
}

// PutNode overwrites the record atomically (a plain put; the master pointer
// is the coordinator's only CAS-serialized key).
func (r *Repository) PutNode(ctx context.Context, id string, rec NodeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, nodeKey(id), raw)
}

// DeleteNode removes a node's record, used for pruning.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	return r.store.Delete(ctx, nodeKey(id))
}

// GetMaster returns the current master pointer, or ok == false if absent.
// The value is plain UTF-8, not JSON.
func (r *Repository) GetMaster(ctx context.Context) (string, bool, error) {
	raw, present, err := r.store.Get(ctx, masterKey)
	if err != nil {
		return "", false, err
	}
	if !present {
		return "", false, nil
	}
	return string(raw), true, nil
}

// SetMasterCAS atomically moves the master pointer from expectedPrev to
// newID. expectedPrev == nil means the pointer must currently be absent
// (version(masterKey) == 0); otherwise it must equal *expectedPrev
// (value(masterKey) == *expectedPrev). Returns false without error if the
// compare-and-swap lost the race — the caller abandons the tick.
func (r *Repository) SetMasterCAS(ctx context.Context, expectedPrev *string, newID string) (bool, error) {
	var cmp store.Compare
	if expectedPrev == nil {
		cmp = store.VersionEquals(masterKey, 0)
	} else {
		cmp = store.ValueEquals(masterKey, *expectedPrev)
	}
	return r.store.Txn(ctx,
		[]store.Compare{cmp},
		[]store.Op{store.OpPut(masterKey, newID)},
		nil,
	)
}

// ClearMaster deletes the master pointer when the invariant it names can no
// longer be restored.
func (r *Repository) ClearMaster(ctx context.Context) error {
	return r.store.Delete(ctx, masterKey)
}

// SetRoles updates role on the new master and every other listed node,
// best-effort per key — not wrapped in one transaction, because the master
// pointer CAS is the authoritative serialization point. A failure on one
// key is reported but does not abort the rest; a later tick reconciles
// divergences.
func (r *Repository) SetRoles(ctx context.Context, newMaster string, slaves []string) []error {
	var errsOut []error

	if rec, ok, err := r.GetNode(ctx, newMaster); err != nil {
		errsOut = append(errsOut, err)
	} else if ok {
		rec.Role = RoleMaster
		if err := r.PutNode(ctx, newMaster, rec); err != nil {
			errsOut = append(errsOut, err)
		}
	}

	for _, id := range slaves {
		rec, ok, err := r.GetNode(ctx, id)
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		if !ok {
			continue
		}
		rec.Role = RoleSlave
		if err := r.PutNode(ctx, id, rec); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

// PutSlaveRecord mirrors observed replication state for an observer;
// purely informational.
func (r *Repository) PutSlaveRecord(ctx context.Context, id string, rec SlaveRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, slaveKey(id), raw)
}

// DeleteSlaveRecord removes a node's SlaveRecord, used alongside NodeRecord
// pruning.
func (r *Repository) DeleteSlaveRecord(ctx context.Context, id string) error {
	return r.store.Delete(ctx, slaveKey(id))
}

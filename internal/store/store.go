// Package store is the typed wrapper over the consensus key-value store
// backing the coordinator's topology. It is backed by
// go.etcd.io/etcd/client/v3, the real etcd client.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/LumeWeb/topology-coordinator/internal/errs"
)

// Client is the namespace-scoped store operations the Topology Repository
// is built on.
type Client interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) (value []byte, present bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Txn(ctx context.Context, cmps []Compare, onSuccess []Op, onFailure []Op) (succeeded bool, err error)
}

// Compare is one of the two supported predicates: value(key) == v or
// version(key) == n, with 0 meaning "absent".
type Compare struct {
	key       string
	kind      compareKind
	wantValue string
	wantVer   int64
}

type compareKind int

const (
	compareValue compareKind = iota
	compareVersion
)

// ValueEquals builds the "value(key) == v" predicate.
func ValueEquals(key, value string) Compare {
	return Compare{key: key, kind: compareValue, wantValue: value}
}

// VersionEquals builds the "version(key) == n" predicate; n == 0 means the
// key must be absent, which compiles to etcd's CreateRevision == 0 check,
// the idiomatic way to express "this key has never been written".
func VersionEquals(key string, version int64) Compare {
	return Compare{key: key, kind: compareVersion, wantVer: version}
}

// Op is one write in a transaction branch.
type Op struct {
	del   bool
	key   string
	value string
}

func OpPut(key, value string) Op { return Op{key: key, value: value} }
func OpDelete(key string) Op     { return Op{del: true, key: key} }

// EtcdClient implements Client over a real etcd cluster. Keys are used
// exactly as given; no namespace prefix is added, the keyspace being
// namespaced only by the key names themselves ("nodes/", "topology/master",
// etc).
type EtcdClient struct {
	cli *clientv3.Client
}

// Dial opens a connection to the configured etcd endpoints. Writes are
// never retried by this client — retry is the Reconciler's decision.
func Dial(endpoints []string, username, password string, dialTimeout time.Duration) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		Username:    username,
		Password:    password,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "dial etcd"), err)
	}
	return &EtcdClient{cli: cli}, nil
}

func (c *EtcdClient) Close() error {
	return c.cli.Close()
}

func (c *EtcdClient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "list keys"), err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *EtcdClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return nil, false, errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "get"), err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (c *EtcdClient) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.cli.Put(ctx, key, string(value)); err != nil {
		return errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "put"), err)
	}
	return nil
}

func (c *EtcdClient) Delete(ctx context.Context, key string) error {
	if _, err := c.cli.Delete(ctx, key); err != nil {
		return errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "delete"), err)
	}
	return nil
}

func (c *EtcdClient) Txn(ctx context.Context, cmps []Compare, onSuccess []Op, onFailure []Op) (bool, error) {
	etcdCmps := make([]clientv3.Cmp, 0, len(cmps))
	for _, cmp := range cmps {
		switch cmp.kind {
		case compareValue:
			etcdCmps = append(etcdCmps, clientv3.Compare(clientv3.Value(cmp.key), "=", cmp.wantValue))
		case compareVersion:
			if cmp.wantVer == 0 {
				etcdCmps = append(etcdCmps, clientv3.Compare(clientv3.CreateRevision(cmp.key), "=", 0))
			} else {
				etcdCmps = append(etcdCmps, clientv3.Compare(clientv3.Version(cmp.key), "=", cmp.wantVer))
			}
		}
	}

	resp, err := c.cli.Txn(ctx).
		If(etcdCmps...).
		Then(toEtcdOps(onSuccess)...).
		Else(toEtcdOps(onFailure)...).
		Commit()
	if err != nil {
		return false, errs.New("ERR-STO-001", errs.StoreUnavailable, errors.Wrap(err, "txn"), err)
	}
	return resp.Succeeded, nil
}

func toEtcdOps(ops []Op) []clientv3.Op {
	out := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		if op.del {
			out = append(out, clientv3.OpDelete(op.key))
		} else {
			out = append(out, clientv3.OpPut(op.key, op.value))
		}
	}
	return out
}

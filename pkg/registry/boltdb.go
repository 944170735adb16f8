package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fleetsync/pkg/types"
)

var bucketNodes = []byte("nodes")

var _ Registry = (*BoltRegistry)(nil)

// BoltRegistry persists worker nodes in a BoltDB file so that the inventory
// survives restarts
type BoltRegistry struct {
	db *bolt.DB
}

// NewBoltRegistry opens (or creates) fleetsync.db under dataDir
func NewBoltRegistry(dataDir string) (*BoltRegistry, error) {
	dbPath := filepath.Join(dataDir, "fleetsync.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketNodes, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRegistry{db: db}, nil
}

// Close closes the database
func (r *BoltRegistry) Close() error {
	return r.db.Close()
}

func (r *BoltRegistry) List(ctx context.Context) ([]types.InstanceID, error) {
	var ids []types.InstanceID
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, _ []byte) error {
			ids = append(ids, types.InstanceID(k))
			return nil
		})
	})
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	return ids, nil
}

func (r *BoltRegistry) Nodes(ctx context.Context) ([]*types.WorkerNode, error) {
	var nodes []*types.WorkerNode
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.WorkerNode
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("failed to decode node %s: %w", k, err)
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	sortNodes(nodes)
	return nodes, nil
}

func (r *BoltRegistry) Get(ctx context.Context, id types.InstanceID) (*types.WorkerNode, error) {
	var node *types.WorkerNode
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return nil
		}
		node = &types.WorkerNode{}
		return json.Unmarshal(data, node)
	})
	if err != nil {
		return nil, &Error{Op: "get", ID: id, Err: err}
	}
	if node == nil {
		return nil, notFound(id)
	}
	return node, nil
}

// Add replaces any existing record for the node inside one transaction
func (r *BoltRegistry) Add(ctx context.Context, node *types.WorkerNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return &Error{Op: "add", ID: node.ID, Err: err}
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := b.Delete([]byte(node.ID)); err != nil {
			return err
		}
		return b.Put([]byte(node.ID), data)
	})
	if err != nil {
		return &Error{Op: "add", ID: node.ID, Err: err}
	}
	return nil
}

func (r *BoltRegistry) Remove(ctx context.Context, id types.InstanceID) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
	if err != nil {
		return &Error{Op: "remove", ID: id, Err: err}
	}
	return nil
}

func (r *BoltRegistry) Touch(ctx context.Context, id types.InstanceID, busy bool, at time.Time) error {
	return r.update("touch", id, func(node *types.WorkerNode) {
		node.Busy = busy
		node.LastActivity = at
	})
}

func (r *BoltRegistry) SetOffline(ctx context.Context, id types.InstanceID, reason string) error {
	return r.update("set offline", id, func(node *types.WorkerNode) {
		node.Offline = true
		node.OfflineReason = reason
	})
}

// update applies fn to a stored node within one read-write transaction
func (r *BoltRegistry) update(op string, id types.InstanceID, fn func(*types.WorkerNode)) error {
	found := true
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			found = false
			return nil
		}
		var node types.WorkerNode
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		fn(&node)
		updated, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
	if err != nil {
		return &Error{Op: op, ID: id, Err: err}
	}
	if !found {
		return notFound(id)
	}
	return nil
}

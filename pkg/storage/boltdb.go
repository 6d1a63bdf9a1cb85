package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/types"
)

var (
	bucketSpecs    = []byte("specs")
	bucketStatuses = []byte("statuses")
)

// BoltStore implements Store on a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "roost.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSpecs, bucketStatuses} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutSpec persists the spec under its instance name. The stored
// version only ever increases; a stale expectedVersion means another
// writer got there first and the caller must re-read.
func (s *BoltStore) PutSpec(spec *types.ToolInstanceSpec, expectedVersion int64) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}

	var assigned int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpecs)

		var current int64
		if raw := b.Get([]byte(spec.InstanceName)); raw != nil {
			var existing types.ToolInstanceSpec
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("failed to decode stored spec: %w", err)
			}
			current = existing.Version
		}

		if expectedVersion != 0 && expectedVersion != current {
			return errdefs.Conflictf("spec for %q is at version %d, expected %d",
				spec.InstanceName, current, expectedVersion)
		}

		assigned = current + 1
		stored := *spec
		stored.Version = assigned

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("failed to encode spec: %w", err)
		}
		return b.Put([]byte(spec.InstanceName), data)
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// GetSpec returns the stored spec for instanceName.
func (s *BoltStore) GetSpec(instanceName string) (*types.ToolInstanceSpec, error) {
	var spec *types.ToolInstanceSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSpecs).Get([]byte(instanceName))
		if raw == nil {
			return errdefs.NotFoundf("spec %q not found", instanceName)
		}
		spec = &types.ToolInstanceSpec{}
		return json.Unmarshal(raw, spec)
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// ListSpecs returns every stored spec.
func (s *BoltStore) ListSpecs() ([]*types.ToolInstanceSpec, error) {
	var specs []*types.ToolInstanceSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpecs).ForEach(func(_, v []byte) error {
			spec := &types.ToolInstanceSpec{}
			if err := json.Unmarshal(v, spec); err != nil {
				return err
			}
			specs = append(specs, spec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// DeleteSpec removes the spec for instanceName. Deleting an absent
// spec is a no-op.
func (s *BoltStore) DeleteSpec(instanceName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpecs).Delete([]byte(instanceName))
	})
}

func statusKey(nodeID, instanceName string) []byte {
	return []byte(nodeID + "/" + instanceName)
}

// PutStatus mirrors the status a node last reported.
func (s *BoltStore) PutStatus(nodeID string, status *types.ToolInstanceStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return tx.Bucket(bucketStatuses).Put(statusKey(nodeID, status.InstanceName), data)
	})
}

// GetStatus returns the mirrored status for one instance on one node.
func (s *BoltStore) GetStatus(nodeID, instanceName string) (*types.ToolInstanceStatus, error) {
	var status *types.ToolInstanceStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketStatuses).Get(statusKey(nodeID, instanceName))
		if raw == nil {
			return errdefs.NotFoundf("status for %q on node %q not found", instanceName, nodeID)
		}
		status = &types.ToolInstanceStatus{}
		return json.Unmarshal(raw, status)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// ListStatuses returns all mirrored statuses for nodeID.
func (s *BoltStore) ListStatuses(nodeID string) ([]*types.ToolInstanceStatus, error) {
	prefix := []byte(nodeID + "/")
	var statuses []*types.ToolInstanceStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStatuses).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			status := &types.ToolInstanceStatus{}
			if err := json.Unmarshal(v, status); err != nil {
				return err
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// DeleteStatus removes the mirrored status for one instance on one node.
func (s *BoltStore) DeleteStatus(nodeID, instanceName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStatuses).Delete(statusKey(nodeID, instanceName))
	})
}

// Package bolt provides BoltDB-backed implementations of the workflow
// persistence ports. All stores share one database file; each port gets its
// own bucket.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/driftkit-ai/driftkit-go/pkg/domain/errors"
	"github.com/driftkit-ai/driftkit-go/pkg/domain/workflow"
)

const (
	instancesBucket   = "instances"
	suspensionsBucket = "suspensions"
	asyncStatesBucket = "async_states"
)

// Store owns the BoltDB handle shared by the typed store views.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the database file and its buckets.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to create directory %s", dir), err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, errors.New(errors.CodeIoError, "persistence", fmt.Sprintf("failed to open bolt db %s", dbPath), err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{instancesBucket, suspensionsBucket, asyncStatesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.CodeIoError, "persistence", "failed to create buckets", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "bolt_store")}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Instances returns the instance store view.
func (s *Store) Instances() *InstanceStore {
	return &InstanceStore{db: s.db}
}

// Suspensions returns the suspension store view.
func (s *Store) Suspensions() *SuspensionStore {
	return &SuspensionStore{db: s.db}
}

// AsyncStates returns the async state store view.
func (s *Store) AsyncStates() *AsyncStateStore {
	return &AsyncStateStore{db: s.db}
}

// InstanceStore implements workflow.InstanceStore on BoltDB.
type InstanceStore struct {
	db *bbolt.DB
}

var _ workflow.InstanceStore = (*InstanceStore)(nil)

// Save upserts an instance snapshot.
func (s *InstanceStore) Save(ctx context.Context, instance *workflow.Instance) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(instancesBucket))

		data, err := json.Marshal(instance)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal instance", err)
		}
		if err := bucket.Put([]byte(instance.InstanceID), data); err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to store instance", err)
		}
		return nil
	})
}

// FindByID returns the instance stored under instanceID.
func (s *InstanceStore) FindByID(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	var inst workflow.Instance

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(instancesBucket)).Get([]byte(instanceID))
		if data == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "instance %s not found", instanceID)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// FindLatestSuspendedByChatID scans for the most recently updated SUSPENDED
// instance of a chat.
func (s *InstanceStore) FindLatestSuspendedByChatID(ctx context.Context, chatID string) (*workflow.Instance, error) {
	var latest *workflow.Instance

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(instancesBucket)).ForEach(func(k, v []byte) error {
			var inst workflow.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return nil // skip unreadable rows
			}
			if inst.ChatID != chatID || inst.Status != workflow.StatusSuspended {
				return nil
			}
			if latest == nil || inst.UpdatedAt.After(latest.UpdatedAt) {
				copied := inst
				latest = &copied
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errors.Newf(errors.CodeNotFound, "persistence", "no suspended instance for chat %s", chatID)
	}
	return latest, nil
}

// Delete removes an instance.
func (s *InstanceStore) Delete(ctx context.Context, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(instancesBucket))
		if bucket.Get([]byte(instanceID)) == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "instance %s not found", instanceID)
		}
		return bucket.Delete([]byte(instanceID))
	})
}

// SuspensionStore implements workflow.SuspensionStore on BoltDB, keyed by
// instance id.
type SuspensionStore struct {
	db *bbolt.DB
}

var _ workflow.SuspensionStore = (*SuspensionStore)(nil)

// Save upserts the suspension row of an instance.
func (s *SuspensionStore) Save(ctx context.Context, data *workflow.SuspensionData) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(data)
		if err != nil {
			return errors.New(errors.CodeInternalError, "persistence", "failed to marshal suspension data", err)
		}
		if err := tx.Bucket([]byte(suspensionsBucket)).Put([]byte(data.InstanceID), raw); err != nil {
			return errors.New(errors.CodeIoError, "persistence", "failed to store suspension data", err)
		}
		return nil
	})
}

// FindByInstanceID returns the suspension row of an instance.
func (s *SuspensionStore) FindByInstanceID(ctx context.Context, instanceID string) (*workflow.SuspensionData, error) {
	var susp workflow.SuspensionData

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(suspensionsBucket)).Get([]byte(instanceID))
		if data == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "no suspension data for instance %s", instanceID)
		}
		return json.Unmarshal(data, &susp)
	})
	if err != nil {
		return nil, err
	}
	return &susp, nil
}

// DeleteByInstanceID removes the suspension row of an instance.
func (s *SuspensionStore) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(suspensionsBucket))
		if bucket.Get([]byte(instanceID)) == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "no suspension data for instance %s", instanceID)
		}
		return bucket.Delete([]byte(instanceID))
	})
}

// AsyncStateStore implements workflow.AsyncStateStore on BoltDB, keyed by
// message id.
type AsyncStateStore struct {
	db *bbolt.DB
}

var _ workflow.AsyncStateStore = (*AsyncStateStore)(nil)

// Save stores a new async state row; the message id must be unused.
func (s *AsyncStateStore) Save(ctx context.Context, state *workflow.AsyncStepState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(asyncStatesBucket))
		if bucket.Get([]byte(state.MessageID)) != nil {
			return errors.Newf(errors.CodeAlreadyExists, "persistence", "async state %s already exists", state.MessageID)
		}
		return s.put(bucket, state)
	})
}

// FindByMessageID returns the async state stored under messageID.
func (s *AsyncStateStore) FindByMessageID(ctx context.Context, messageID string) (*workflow.AsyncStepState, error) {
	var state workflow.AsyncStepState

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(asyncStatesBucket)).Get([]byte(messageID))
		if data == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "async state %s not found", messageID)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Update overwrites an existing async state row.
func (s *AsyncStateStore) Update(ctx context.Context, state *workflow.AsyncStepState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(asyncStatesBucket))
		if bucket.Get([]byte(state.MessageID)) == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "async state %s not found", state.MessageID)
		}
		return s.put(bucket, state)
	})
}

// DeleteByMessageID removes an async state row.
func (s *AsyncStateStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(asyncStatesBucket))
		if bucket.Get([]byte(messageID)) == nil {
			return errors.Newf(errors.CodeNotFound, "persistence", "async state %s not found", messageID)
		}
		return bucket.Delete([]byte(messageID))
	})
}

func (s *AsyncStateStore) put(bucket *bbolt.Bucket, state *workflow.AsyncStepState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.New(errors.CodeInternalError, "persistence", "failed to marshal async state", err)
	}
	if err := bucket.Put([]byte(state.MessageID), data); err != nil {
		return errors.New(errors.CodeIoError, "persistence", "failed to store async state", err)
	}
	return nil
}

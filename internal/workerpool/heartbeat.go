package workerpool

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// HeartbeatLedger is a small bbolt-backed record of "this worker was last
// seen alive at this time". The worker pool writes a record on spawn and
// removes it on exit; nothing in the daemon reads the records back, and
// the Recovery Manager works from the task repository alone. It does not attempt to
// be a general-purpose store — the relational tables in internal/store
// own task/worker truth; this ledger only answers "when did we last see
// PID X breathing".
type HeartbeatLedger struct {
	db *bbolt.DB
}

var bucketHeartbeats = []byte("worker_heartbeats")

// OpenHeartbeatLedger opens (creating if necessary) the bbolt file at path.
func OpenHeartbeatLedger(path string) (*HeartbeatLedger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open heartbeat ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHeartbeats)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create heartbeat bucket: %w", err)
	}
	return &HeartbeatLedger{db: db}, nil
}

// Close closes the underlying bbolt file.
func (l *HeartbeatLedger) Close() error {
	return l.db.Close()
}

type heartbeatRecord struct {
	WorkerID string    `json:"workerId"`
	TaskID   string    `json:"taskId"`
	PID      int       `json:"pid"`
	LastSeen time.Time `json:"lastSeen"`
}

// Touch records that workerID (running taskID as pid) is alive as of now.
func (l *HeartbeatLedger) Touch(workerID, taskID string, pid int, now time.Time) error {
	rec := heartbeatRecord{WorkerID: workerID, TaskID: taskID, PID: pid, LastSeen: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Put([]byte(workerID), data)
	})
}

// Remove deletes a worker's heartbeat record (called once it exits cleanly).
func (l *HeartbeatLedger) Remove(workerID string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).Delete([]byte(workerID))
	})
}

// All returns every recorded heartbeat, keyed by task id. The daemon
// itself has no caller of it.
func (l *HeartbeatLedger) All() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).ForEach(func(k, v []byte) error {
			var rec heartbeatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[rec.TaskID] = rec.LastSeen
			return nil
		})
	})
	return out, err
}

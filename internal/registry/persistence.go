package registry

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketInstances = []byte("instances")

// Store is an opt-in durable ledger of agent instances, giving an operator
// dashboard instance history across hub restarts. It is never consulted by
// LiveInstances/AllLiveAgentIDs — those always answer from the in-memory
// map — so a slow or unavailable disk never affects delivery correctness.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) the bbolt-backed instance ledger.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInstances)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type record struct {
	AgentID      string    `json:"agent_id"`
	InstanceID   string    `json:"instance_id"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	Capabilities []string  `json:"capabilities"`
}

// Upsert persists the instance's observability record, keyed by
// "agentId::instanceId" so a cursor range-scan can list every instance of an
// agent.
func (s *Store) Upsert(inst Instance) error {
	if s == nil || s.db == nil {
		return nil
	}
	rec := record{
		AgentID:      inst.AgentID,
		InstanceID:   inst.InstanceID,
		Online:       inst.Online,
		LastSeen:     inst.LastSeen,
		Capabilities: inst.Capabilities,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Put(storeKey(inst.AgentID, inst.InstanceID), data)
	})
}

// List returns every persisted instance record, for diagnostics.
func (s *Store) List() ([]Instance, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out []Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, Instance{
				AgentID:      rec.AgentID,
				InstanceID:   rec.InstanceID,
				Online:       rec.Online,
				LastSeen:     rec.LastSeen,
				Capabilities: rec.Capabilities,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func storeKey(agentID, instanceID string) []byte {
	return []byte(fmt.Sprintf("%s::%s", agentID, instanceID))
}

// AsyncWriter queues Upsert calls onto a single background goroutine so a
// slow disk never blocks a live register/touch call on the hot path.
type AsyncWriter struct {
	store *Store
	queue chan Instance
	done  chan struct{}
}

// NewAsyncWriter starts the background writer. A nil store yields a writer
// whose Enqueue is a no-op, so callers need not branch on whether bolt
// persistence is configured.
func NewAsyncWriter(store *Store) *AsyncWriter {
	w := &AsyncWriter{store: store, queue: make(chan Instance, 256), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for inst := range w.queue {
		if w.store != nil {
			_ = w.store.Upsert(inst)
		}
	}
}

// Enqueue submits an instance for best-effort durable upsert.
func (w *AsyncWriter) Enqueue(inst Instance) {
	if w == nil {
		return
	}
	select {
	case w.queue <- inst:
	default:
	}
}

// Close stops accepting new work and waits for the queue to drain.
func (w *AsyncWriter) Close() {
	if w == nil {
		return
	}
	close(w.queue)
	<-w.done
}

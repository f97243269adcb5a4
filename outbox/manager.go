package outbox

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/rodolfodpk/crablet/dcb"
	"github.com/rodolfodpk/crablet/metrics"
)

// Manager owns every Worker's lifecycle: one goroutine per (topic,
// publisher), each with its own context derived from the manager's shared
// shutdown context, stopped via Shutdown's sync.WaitGroup wait.
type Manager struct {
	pool       *pgxpool.Pool
	store      dcb.EventStore
	bus        *metrics.Bus
	instanceID string
	log        *logrus.Entry

	mu      sync.Mutex
	workers map[string]*Worker
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(pool *pgxpool.Pool, store dcb.EventStore, bus *metrics.Bus, instanceID string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		pool:       pool,
		store:      store,
		bus:        bus,
		instanceID: instanceID,
		log:        log,
		workers:    make(map[string]*Worker),
		cancels:    make(map[string]context.CancelFunc),
	}
}

func workerKey(topic, publisher string) string { return topic + "/" + publisher }

// Register starts a worker for (topic, publisher) under the given
// publisher and config, running until Shutdown is called.
func (m *Manager) Register(ctx context.Context, topic Topic, publisher Publisher, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerKey(topic.Name, publisher.Name())
	if _, exists := m.workers[key]; exists {
		return
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := NewWorker(topic, publisher, m.store, m.pool, m.instanceID, m.bus, cfg, m.log)
	m.workers[key] = w
	m.cancels[key] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := w.Run(workerCtx); err != nil && err != context.Canceled {
			m.log.WithError(err).WithField("worker", key).Error("outbox worker stopped")
		}
	}()
}

// Management returns a Management surface bound to this manager's pool.
func (m *Manager) Management() *Management {
	return NewManagement(NewRepository(m.pool))
}

// Shutdown cancels every worker's context and waits for all of them to
// return.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

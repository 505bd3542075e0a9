// Package pool manages named connection pool configurations, the
// executors running probe jobs under them, and subscriptions to
// configuration changes.
package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event tells a subscriber what happened to its pool. Removed is
// terminal; the channel closes right after it.
type Event struct {
	Type   EventType
	Config Config
}

// Subscription delivers configuration events for one pool until
// cancelled or until the pool is removed.
type Subscription struct {
	ID string
	C  <-chan Event

	cancel func()
}

// Cancel detaches the subscription and closes its channel. Safe to
// call more than once and after the pool is gone.
func (s *Subscription) Cancel() { s.cancel() }

type entry struct {
	config   Config
	executor *Executor
	subs     map[string]chan Event
}

// Registry holds pool configurations keyed by id. Every channel
// operation happens under the registry lock and every send is
// non-blocking, so a slow subscriber can never stall the registry.
type Registry struct {
	mu       sync.RWMutex
	pools    map[string]*entry
	validate *validator.Validate
	log      zerolog.Logger

	queueDepth int
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		pools:      make(map[string]*entry),
		validate:   validator.New(),
		log:        log,
		queueDepth: 64,
	}
}

// Get returns the configuration for id.
func (r *Registry) Get(id string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.pools[id]
	if !ok {
		return Config{}, false
	}
	return e.config, true
}

// List returns all configurations sorted by id.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]Config, 0, len(r.pools))
	for _, e := range r.pools {
		configs = append(configs, e.config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// Update validates and upserts a pool configuration, then notifies
// subscribers. Changing max_connections on a pool with a live
// executor retires that executor: it drains in the background and
// the next GetExecutor call builds a fresh one.
func (r *Registry) Update(cfg Config) error {
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}

	r.mu.Lock()
	e, ok := r.pools[cfg.ID]
	if !ok {
		r.pools[cfg.ID] = &entry{config: cfg, subs: make(map[string]chan Event)}
		r.mu.Unlock()
		r.log.Info().Str("pool", cfg.ID).Int("max_connections", cfg.MaxConnections).Msg("pool created")
		return nil
	}

	old := e.config
	e.config = cfg

	var retired *Executor
	if e.executor != nil && old.MaxConnections != cfg.MaxConnections {
		retired = e.executor
		e.executor = nil
	}
	for _, ch := range e.subs {
		send(ch, Event{Type: EventUpdated, Config: cfg})
	}
	r.mu.Unlock()

	if retired != nil {
		r.log.Info().Str("pool", cfg.ID).
			Int("old_max", old.MaxConnections).
			Int("new_max", cfg.MaxConnections).
			Msg("retiring executor after connection limit change")
		go retired.Drain()
	}
	return nil
}

// Delete removes a pool. Its executor stops without waiting for
// queued work, and every subscriber receives a terminal removed
// event before its channel closes. Deleting an unknown id is a
// no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	e, ok := r.pools[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pools, id)

	ex := e.executor
	for subID, ch := range e.subs {
		delete(e.subs, subID)
		send(ch, Event{Type: EventRemoved})
		close(ch)
	}
	r.mu.Unlock()

	if ex != nil {
		go ex.Stop()
	}
	r.log.Info().Str("pool", id).Msg("pool deleted")
}

// Subscribe registers interest in one pool's configuration. The
// event channel is buffered; subscribing to an unknown pool delivers
// the terminal removed event immediately.
func (r *Registry) Subscribe(id string) *Subscription {
	ch := make(chan Event, 16)
	subID := uuid.New().String()

	r.mu.Lock()
	e, ok := r.pools[id]
	if !ok {
		r.mu.Unlock()
		ch <- Event{Type: EventRemoved}
		close(ch)
		return &Subscription{ID: subID, C: ch, cancel: func() {}}
	}

	e.subs[subID] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if e, ok := r.pools[id]; ok {
				if _, present := e.subs[subID]; present {
					delete(e.subs, subID)
					close(ch)
				}
			}
		})
	}
	return &Subscription{ID: subID, C: ch, cancel: cancel}
}

// GetExecutor returns the executor for id, creating one on first
// use. maxWorkers caps the worker count; zero or less falls back to
// the pool's max_connections.
func (r *Registry) GetExecutor(id string, maxWorkers int) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("unknown pool %q", id)
	}
	if e.executor == nil {
		workers := maxWorkers
		if workers <= 0 || workers > e.config.MaxConnections {
			workers = e.config.MaxConnections
		}
		e.executor = NewExecutor(workers, r.queueDepth)
	}
	return e.executor, nil
}

// Shutdown drains every executor and closes every subscription.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var executors []*Executor
	for id, e := range r.pools {
		if e.executor != nil {
			executors = append(executors, e.executor)
			e.executor = nil
		}
		for subID, ch := range e.subs {
			delete(e.subs, subID)
			send(ch, Event{Type: EventRemoved})
			close(ch)
		}
		delete(r.pools, id)
	}
	r.mu.Unlock()

	for _, ex := range executors {
		ex.Drain()
	}
}

// send never blocks. A full buffer loses its oldest event to make
// room, so a stalled subscriber keeps the freshest updates and the
// terminal removed event always lands.
func send(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

package manager

import (
	"errors"
	"fmt"
	"maps"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/eventbus"
)

func (m *Manager) load() map[string]*entry {
	return *m.registry.Load()
}

func (m *Manager) lookup(id string) (*entry, bool) {
	e, ok := m.load()[id]
	return e, ok
}

// insert registers e and opens its event stream. It is insert-if-absent: an
// id that is registered, or whose stream from a previous execution is still
// being drained, is rejected with core.ErrDuplicateExecution.
func (m *Manager) insert(e *entry) error {
	id := e.exec.ExecutionID

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.load()
	if _, ok := cur[id]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateExecution, id)
	}

	if limit := m.opts.Config.MaxActiveExecutions; limit > 0 && len(cur) >= limit {
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, limit)
	}

	stream, err := m.bus.Open(id)
	if err != nil {
		if errors.Is(err, eventbus.ErrStreamExists) {
			return fmt.Errorf("%w: %s", core.ErrDuplicateExecution, id)
		}
		return err
	}

	e.stream = stream

	next := make(map[string]*entry, len(cur)+1)
	maps.Copy(next, cur)
	next[id] = e
	m.registry.Store(&next)

	return nil
}

// remove unregisters e. It reports false when the id is absent or now
// belongs to another execution.
func (m *Manager) remove(e *entry) bool {
	id := e.exec.ExecutionID

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.load()
	if cur[id] != e {
		return false
	}

	next := make(map[string]*entry, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	m.registry.Store(&next)

	return true
}

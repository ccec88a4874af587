package worker

import (
	"context"
	"sort"
	"sync"
)

// Manager tracks the in-flight polls of the process so they can be listed
// and torn down together.
type Manager struct {
	poller *Poller

	mu    sync.Mutex
	polls map[string]*Handle
	wg    sync.WaitGroup
}

func NewManager(p *Poller) *Manager {
	return &Manager{poller: p, polls: make(map[string]*Handle)}
}

// Start polls taskID. A task that is already being polled keeps its
// existing handle and update callback.
func (m *Manager) Start(ctx context.Context, taskID string, onUpdate func(Update)) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.polls[taskID]; ok {
		return h
	}
	h := m.poller.Poll(ctx, taskID, onUpdate)
	m.polls[taskID] = h
	m.wg.Add(1)
	go m.reap(h)
	return h
}

func (m *Manager) reap(h *Handle) {
	defer m.wg.Done()
	<-h.Done()
	m.mu.Lock()
	if m.polls[h.taskID] == h {
		delete(m.polls, h.taskID)
	}
	m.mu.Unlock()
}

// Cancel stops the poll for taskID, reporting whether one was running. The
// task stops being listed immediately.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	h, ok := m.polls[taskID]
	delete(m.polls, taskID)
	m.mu.Unlock()
	if ok {
		h.Cancel()
	}
	return ok
}

// Active lists the task ids currently being polled.
func (m *Manager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.polls))
	for id := range m.polls {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StopAll cancels every poll and waits for them to wind down.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.polls))
	for _, h := range m.polls {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	m.wg.Wait()
}

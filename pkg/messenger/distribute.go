package messenger

// DistributeOpts controls what Distribute queues.
type DistributeOpts uint8

const (
	// DistributeAll also queues every object reachable through references.
	DistributeAll DistributeOpts = 1 << iota
)

// Distribute attaches obj and queues it for the next Writer.Flush. It
// returns the number of objects newly queued.
func (m *Messenger) Distribute(obj Object, opts DistributeOpts) (int, error) {
	objs := []Object{obj}
	if opts&DistributeAll != 0 {
		objs = objs[:0]
		collect(obj, make(map[Object]bool), &objs)
	}

	queued := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range objs {
		if _, err := m.Attach(o); err != nil {
			return queued, err
		}
		if m.pendingSet[o] {
			continue
		}
		m.pendingSet[o] = true
		m.pending = append(m.pending, o)
		queued++
	}
	return queued, nil
}

// TakePending returns and clears the distribution queue.
func (m *Messenger) TakePending() []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	clear(m.pendingSet)
	return out
}

// PendingLen returns the length of the distribution queue.
func (m *Messenger) PendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

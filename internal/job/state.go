package job

import (
	"fmt"
	"sort"
	"time"
)

// Batch is a labeled group of processes submitted together. It exclusively owns its
// process list. Options is reserved.
type Batch struct {
	ID        int               `json:"id"`
	Label     string            `json:"label"`
	Processes []*Process        `json:"processes"`
	Options   map[string]string `json:"options,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewBatch builds a batch with one queued process per script.
func NewBatch(id int, label string, scripts []string) *Batch {
	procs := make([]*Process, 0, len(scripts))
	for _, s := range scripts {
		procs = append(procs, NewProcess(s))
	}
	return &Batch{ID: id, Label: label, Processes: procs, CreatedAt: time.Now().UTC()}
}

// Process returns the process whose script basename is name.
func (b *Batch) Process(name string) (*Process, bool) {
	for _, p := range b.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Counts returns the number of processes per status.
func (b *Batch) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, p := range b.Processes {
		out[p.Status]++
	}
	return out
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	c := &Batch{ID: b.ID, Label: b.Label, CreatedAt: b.CreatedAt}
	c.Processes = make([]*Process, len(b.Processes))
	for i, p := range b.Processes {
		c.Processes[i] = p.clone()
	}
	if b.Options != nil {
		c.Options = make(map[string]string, len(b.Options))
		for k, v := range b.Options {
			c.Options[k] = v
		}
	}
	return c
}

// State is the root aggregate: batch id -> batch. Exactly one State value exists per
// running daemon; it is never shared by pointer between actors outside the coordinator.
type State struct {
	Batches map[int]*Batch `json:"batches"`
}

func NewState() *State {
	return &State{Batches: make(map[int]*Batch)}
}

// NextBatchID returns max(existing ids)+1, or 0 for an empty state.
func (s *State) NextBatchID() int {
	next := 0
	for id := range s.Batches {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// AddBatch inserts b. An id collision is an error.
func (s *State) AddBatch(b *Batch) error {
	if s.Batches == nil {
		s.Batches = make(map[int]*Batch)
	}
	if _, ok := s.Batches[b.ID]; ok {
		return fmt.Errorf("batch %d already exists", b.ID)
	}
	s.Batches[b.ID] = b
	return nil
}

func (s *State) Batch(id int) (*Batch, error) {
	b, ok := s.Batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	return b, nil
}

// DeleteBatch removes the batch from history.
func (s *State) DeleteBatch(id int) error {
	if _, ok := s.Batches[id]; !ok {
		return fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	delete(s.Batches, id)
	return nil
}

// Find locates a process by (batch id, script basename). The pid is not usable as a
// key because it is unknown until the update that assigns it.
func (s *State) Find(batchID int, name string) (*Process, error) {
	b, err := s.Batch(batchID)
	if err != nil {
		return nil, err
	}
	p, ok := b.Process(name)
	if !ok {
		return nil, fmt.Errorf("process %s in batch %d: %w", name, batchID, ErrNotFound)
	}
	return p, nil
}

// FindPID locates a process by its OS pid.
func (s *State) FindPID(pid int) (int, *Process, error) {
	for _, id := range s.IDs() {
		for _, p := range s.Batches[id].Processes {
			if p.PID != nil && *p.PID == pid {
				return id, p, nil
			}
		}
	}
	return 0, nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
}

// IDs returns batch ids in ascending order.
func (s *State) IDs() []int {
	ids := make([]int, 0, len(s.Batches))
	for id := range s.Batches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Clone returns a deep copy safe to read after the original is handed back.
func (s *State) Clone() *State {
	c := NewState()
	for id, b := range s.Batches {
		c.Batches[id] = b.Clone()
	}
	return c
}

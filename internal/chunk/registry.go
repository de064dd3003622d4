package chunk

// Registry maps stable chunk identities to their records. All mutation is
// expected to happen under the owning manager's state mutex; the registry
// itself holds no lock since every call site already serializes access.
type Registry struct {
	byID  map[ID]*Chunk
	nextI ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[ID]*Chunk)}
}

// Create assigns the next id, builds a chunk record of the given size, and
// inserts it into the registry.
func (r *Registry) Create(size uintptr) *Chunk {
	r.nextI++
	c := New(r.nextI, size)
	r.byID[c.ID] = c

	return c
}

// Lookup returns the chunk for id, or nil if it is not live.
func (r *Registry) Lookup(id ID) *Chunk {
	return r.byID[id]
}

// Delete removes a chunk from the registry. It does not touch RAM or swap
// state; callers must release those first.
func (r *Registry) Delete(id ID) {
	delete(r.byID, id)
}

// Len returns the number of live chunks.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Each iterates all live chunks in unspecified order. The callback must not
// mutate the registry.
func (r *Registry) Each(fn func(*Chunk)) {
	for _, c := range r.byID {
		fn(c)
	}
}

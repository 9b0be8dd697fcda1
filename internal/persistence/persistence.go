package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Logs        LogStore
}

// NewInMemoryPersistence returns a bundle backed by a single InMemoryStore.
func NewInMemoryPersistence() Persistence {
	mem := NewInMemoryStore()
	return Persistence{
		Definitions: mem,
		Instances:   mem,
		Logs:        mem,
	}
}

package transcript

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces message identifiers. It is injected so that tests can
// use a deterministic counter while production uses opaque unique ids.
type IDGenerator interface {
	NewID() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

var _ IDGenerator = UUIDGenerator{}

// SequentialIDGenerator yields "prefix-1", "prefix-2", ... and is safe for
// concurrent use.
type SequentialIDGenerator struct {
	Prefix string

	mu sync.Mutex
	n  int
}

func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	return &SequentialIDGenerator{Prefix: prefix}
}

func (g *SequentialIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.Prefix, g.n)
}

var _ IDGenerator = (*SequentialIDGenerator)(nil)

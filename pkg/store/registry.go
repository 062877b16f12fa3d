package store

import (
	"context"
	"fmt"
	"sync"
)

// Factories construct providers at bind time. The tenant argument lets
// providers without multi-user support select a physical store per tenant;
// multi-user providers may ignore it and rely on namespacing instead.
type (
	RelationalFactory func(ctx context.Context, tenant string) (Relational, error)
	VectorFactory     func(ctx context.Context, tenant string) (Vector, error)
	GraphFactory      func(ctx context.Context, tenant string) (Graph, error)
)

// Config names the concrete provider for each backend family. Names resolve
// against the registry at bind time; nothing is hardcoded.
type Config struct {
	RelationalProvider string
	VectorProvider     string
	GraphProvider      string
}

type registry struct {
	mu         sync.RWMutex
	relational map[string]RelationalFactory
	vector     map[string]VectorFactory
	graph      map[string]GraphFactory
}

var providers = &registry{
	relational: make(map[string]RelationalFactory),
	vector:     make(map[string]VectorFactory),
	graph:      make(map[string]GraphFactory),
}

// RegisterRelational makes a relational provider selectable by name.
func RegisterRelational(name string, factory RelationalFactory) {
	providers.mu.Lock()
	defer providers.mu.Unlock()
	providers.relational[name] = factory
}

// RegisterVector makes a vector provider selectable by name.
func RegisterVector(name string, factory VectorFactory) {
	providers.mu.Lock()
	defer providers.mu.Unlock()
	providers.vector[name] = factory
}

// RegisterGraph makes a graph provider selectable by name.
func RegisterGraph(name string, factory GraphFactory) {
	providers.mu.Lock()
	defer providers.mu.Unlock()
	providers.graph[name] = factory
}

// Bundle is the set of bound providers for one tenant. Table, Collection,
// and Partition map logical names to physical ones: multi-user providers get
// a tenant-scoped namespace inside the shared store, single-user providers
// already have a dedicated store and use logical names unchanged.
type Bundle struct {
	Relational Relational
	Vector     Vector
	Graph      Graph

	tenantID string
}

// Bind resolves the configured provider names and constructs one provider
// per backend family, scoped to the given tenant. The capability families
// are independent: swapping one provider never changes another family's
// behavior.
func Bind(ctx context.Context, cfg Config, tenantID string) (*Bundle, error) {
	providers.mu.RLock()
	relFactory, relOK := providers.relational[cfg.RelationalProvider]
	vecFactory, vecOK := providers.vector[cfg.VectorProvider]
	graphFactory, graphOK := providers.graph[cfg.GraphProvider]
	providers.mu.RUnlock()

	if !relOK {
		return nil, fmt.Errorf("%w: relational %q", ErrUnknownProvider, cfg.RelationalProvider)
	}
	if !vecOK {
		return nil, fmt.Errorf("%w: vector %q", ErrUnknownProvider, cfg.VectorProvider)
	}
	if !graphOK {
		return nil, fmt.Errorf("%w: graph %q", ErrUnknownProvider, cfg.GraphProvider)
	}

	relational, err := relFactory(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind relational provider %q: %w", cfg.RelationalProvider, err)
	}
	vector, err := vecFactory(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind vector provider %q: %w", cfg.VectorProvider, err)
	}
	graph, err := graphFactory(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to bind graph provider %q: %w", cfg.GraphProvider, err)
	}

	if !relational.Capabilities().MultiUser {
		// Dedicated physical store per tenant.
		if err := relational.CreateDatabase(ctx, tenantID); err != nil {
			return nil, fmt.Errorf("failed to create tenant database: %w", err)
		}
	}

	return &Bundle{
		Relational: relational,
		Vector:     vector,
		Graph:      graph,
		tenantID:   tenantID,
	}, nil
}

// namespaced builds the physical name for a tenant-scoped namespace. SQL
// providers only accept identifier characters, so anything else (UUID
// hyphens in particular) maps to an underscore.
func (b *Bundle) namespaced(name string) string {
	full := b.tenantID + "__" + name
	out := make([]byte, len(full))
	for i := 0; i < len(full); i++ {
		c := full[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Table maps a logical table name to the physical one for this tenant.
func (b *Bundle) Table(name string) string {
	if b.Relational.Capabilities().MultiUser {
		return b.namespaced(name)
	}
	return name
}

// Collection maps a logical collection name to the physical one.
func (b *Bundle) Collection(name string) string {
	if b.Vector.Capabilities().MultiUser {
		return b.namespaced(name)
	}
	return name
}

// Partition maps a logical graph partition to the physical one.
func (b *Bundle) Partition(name string) string {
	if b.Graph.Capabilities().MultiUser {
		return b.namespaced(name)
	}
	return name
}

// TenantID returns the tenant this bundle was bound for.
func (b *Bundle) TenantID() string {
	return b.tenantID
}

package resolver

import "context"

// HookFunc appends URLs for an entity of a registered type.
type HookFunc func(ctx context.Context, obj *PurgeObject, e Entity) error

// HookMiddleware wraps a HookFunc to provide cross-cutting concerns.
type HookMiddleware func(HookFunc) HookFunc

// Hooks is an ordered list of callbacks per object type. Build one at
// composition time and pass it to the resolver with WithHooks.
type Hooks struct {
	hooks       map[ObjectType][]HookFunc
	middlewares []HookMiddleware
}

// NewHooks creates an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{
		hooks:       make(map[ObjectType][]HookFunc),
		middlewares: []HookMiddleware{},
	}
}

// Register appends fn to the hooks run for t. Hooks run in registration order.
func (h *Hooks) Register(t ObjectType, fn HookFunc) {
	h.hooks[t] = append(h.hooks[t], fn)
}

// Use adds middleware(s). Middlewares are executed in the order they are added.
func (h *Hooks) Use(mw HookMiddleware) {
	h.middlewares = append(h.middlewares, mw)
}

// Len returns the number of hooks registered for t.
func (h *Hooks) Len(t ObjectType) int { return len(h.hooks[t]) }

// Run executes every hook registered for obj.Type and stops at the first error.
func (h *Hooks) Run(ctx context.Context, obj *PurgeObject, e Entity) error {
	if h == nil {
		return nil
	}
	for _, fn := range h.hooks[obj.Type] {
		if err := h.wrap(fn)(ctx, obj, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hooks) wrap(fn HookFunc) HookFunc {
	for i := len(h.middlewares) - 1; i >= 0; i-- {
		fn = h.middlewares[i](fn)
	}
	return fn
}

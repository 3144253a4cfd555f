package cache

// NoOp is a cache layer that doesn't store any items.
// It is used when the in-memory tier is disabled.
type NoOp[K comparable, V any] struct { // Implements Layer.
}

var _ Layer[int, int] = (*NoOp[int, int])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

// Get always returns false, indicating the key is not found.
func (n *NoOp[K, V]) Get(key K) (V, bool) {
	var zero V
	return zero, false
}

// Peek always returns false, indicating the key is not found.
func (n *NoOp[K, V]) Peek(key K) (V, bool) {
	var zero V
	return zero, false
}

// Add does nothing and always returns false, indicating no item was evicted.
func (n *NoOp[K, V]) Add(key K, value V) bool {
	return false
}

// Contains always returns false.
func (n *NoOp[K, V]) Contains(key K) bool {
	return false
}

// Keys always returns nil, as there are no keys stored.
func (n *NoOp[K, V]) Keys() []K {
	return nil
}

// Len always returns zero.
func (n *NoOp[K, V]) Len() int {
	return 0
}

// Purge does nothing, as there are no items to remove.
func (n *NoOp[K, V]) Purge() {}

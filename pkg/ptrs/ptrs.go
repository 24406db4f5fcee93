// Package ptrs provides utility functions for pointers.
package ptrs

// Ptr is the &v you always wanted, for any value.
func Ptr[T any](v T) *T {
	return &v
}

package ptrs

// Ptr returns a pointer to a copy of val, the "&true" you always wanted.
func Ptr[T any](val T) *T {
	return &val
}

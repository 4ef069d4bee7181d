package utils

// CString converts a NUL terminated byte slice into a string.
// Bytes past the first NUL are ignored; a missing terminator uses the whole slice.
func CString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

// AlignDown rounds value down to the previous multiple of align.
func AlignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}

// AlignUp rounds value up to the next multiple of align.
func AlignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

package taskstore

// OpenMemory returns a Store backed by an in-memory map, used when no
// filepath is configured.
func OpenMemory(maxSize int) *Store {
	s, err := Open(NewMemoryBackend(), nil, maxSize)
	if err != nil {
		// NewMemoryBackend.Keys never errors; this is unreachable.
		panic(err)
	}
	return s
}

// OpenFile returns a Store backed by a sqlite file at path plus its
// sidecar metadata file.
func OpenFile(path string, maxSize int) (*Store, error) {
	backend, meta, err := OpenSQLiteBackend(path)
	if err != nil {
		return nil, err
	}
	return Open(backend, meta, maxSize)
}

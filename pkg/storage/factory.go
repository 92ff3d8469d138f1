package storage

import "fmt"

// Open constructs a Store for the named backend. path is the file path for
// sqlite and bolt, the DSN for postgres, and ignored for memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(path)
	case "bolt":
		return NewBolt(path)
	case "postgres":
		return NewPostgres(path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

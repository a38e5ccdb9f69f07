package storage

import (
	"fmt"
	"io"
)

// Driver names accepted by FromDriver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// FromDriver opens the storage backend named by driver. An empty driver
// selects memory. Backends that hold resources also implement io.Closer.
func FromDriver(driver, dsn string) (Storage, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// Close releases s when it holds resources.
func Close(s Storage) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

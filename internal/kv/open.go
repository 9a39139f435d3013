package kv

import (
	"fmt"
)

// Drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bbolt"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Drivers lists every supported driver name.
var Drivers = []string{DriverSQLite, DriverBolt, DriverRedis, DriverMemory}

// Options selects and configures a driver.
type Options struct {
	Driver   string
	Path     string
	RedisURL string
}

// Open returns the Store named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store needs a path")
		}
		s, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBolt:
		if opts.Path == "" {
			return nil, fmt.Errorf("bbolt store needs a path")
		}
		b, err := OpenBolt(opts.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("redis store needs a url")
		}
		r, err := OpenRedis(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

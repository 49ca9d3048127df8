package badger

import (
	"errors"
	"fmt"
	"log"

	badgerdb "github.com/dgraph-io/badger/v4"
)

type Options struct {
	// Dir holds the data files. Required unless InMemory is set.
	Dir string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool
}

func New(opts Options) (*badgerdb.DB, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger dir is required for on-disk mode")
	}
	dbOpts := badgerdb.DefaultOptions(opts.Dir).WithLogger(quietLogger{})
	if opts.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(quietLogger{})
	}
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}
	return db, nil
}

// quietLogger forwards warnings and errors to the standard logger.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...any)   { log.Printf("badger: "+f, v...) }
func (quietLogger) Warningf(f string, v ...any) { log.Printf("badger: "+f, v...) }
func (quietLogger) Infof(string, ...any)        {}
func (quietLogger) Debugf(string, ...any)       {}

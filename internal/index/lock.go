package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

const lockFileName = "chatrecall.lock"

// DataLock is the single-writer guard over a data directory. Holding
// it means this process owns the indexes; a second serve against the
// same directory fails fast instead of double-indexing.
type DataLock struct {
	fl *flock.Flock
}

// AcquireDataLock takes the data-dir lock without blocking. A held
// lock is a configuration error: the operator pointed two processes at
// one store.
func AcquireDataLock(dataDir string) (*DataLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, recallerr.StorageError("create data directory", err)
	}

	fl := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, recallerr.StorageError("acquire data lock", err)
	}
	if !locked {
		return nil, recallerr.ConfigError(
			fmt.Sprintf("data directory %s is locked by another chatrecall process", dataDir), nil)
	}
	return &DataLock{fl: fl}, nil
}

// Release drops the lock.
func (l *DataLock) Release() error {
	return l.fl.Unlock()
}

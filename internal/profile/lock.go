package profile

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is created in the dataset root to coordinate enrollment and reloads.
const LockFileName = ".dataset.lock"

// LockDataset takes the dataset lock, shared for readers and exclusive for writers.
// The returned function releases it.
func LockDataset(root string, exclusive bool) (func(), error) {
	lock := flock.New(filepath.Join(root, LockFileName))

	var err error
	if exclusive {
		err = lock.Lock()
	} else {
		err = lock.RLock()
	}
	if err != nil {
		return nil, fmt.Errorf("locking dataset %s: %w", root, err)
	}

	return func() { _ = lock.Unlock() }, nil
}

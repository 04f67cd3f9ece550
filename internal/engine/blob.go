package engine

import (
	"os"
	"path/filepath"

	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// blobPath returns the on-disk path for a File/CompressedFile operation's
// blob, derived from its hash's layer directory and the operation's
// store-relative source path.
func blobPath(config Config, hash reference.ImageId, op state.Operation) string {
	return filepath.Join(config.LayerDir(string(hash)), filepath.Base(op.SourcePath))
}

// blobSize stats the operation's blob, returning 0 if it cannot be
// statted (a missing blob is reported elsewhere, not here).
func blobSize(config Config, hash reference.ImageId, op state.Operation) int64 {
	info, err := os.Stat(blobPath(config, hash, op))
	if err != nil {
		return 0
	}
	return info.Size()
}

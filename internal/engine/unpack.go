package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// UnpackManager materialises images into target directories via hard or
// soft links, and tears them down again, grounded on
// original_source/src/image_manager/unpack.rs.
type UnpackManager struct {
	config  Config
	printer printer.Printer
}

// NewUnpackManager constructs an UnpackManager.
func NewUnpackManager(config Config, p printer.Printer) *UnpackManager {
	return &UnpackManager{config: config, printer: p}
}

// Unpack materialises ref's top layer (parents-first pre-order) into
// unpackDir. If replace is set and unpackDir is already a recorded
// unpacking, the existing unpacking is removed first (errors from that
// removal are logged, not propagated, matching the original's
// swallow-and-log behaviour). It refuses to unpack into an existing,
// non-empty, not-previously-tracked directory.
func (m *UnpackManager) Unpack(
	ws *state.WriteSession,
	layerManager *LayerManager,
	unpackDir string,
	ref reference.Reference,
	replace bool,
) error {
	if replace {
		if _, err := os.Stat(unpackDir); err == nil {
			if err := m.removeUnpackingLocked(ws, layerManager, unpackDir, true); err != nil {
				m.printer.Println(fmt.Sprintf("failed to remove existing unpacking at %s: %v", unpackDir, err))
			}
		}
	}

	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create unpack directory", unpackDir, err)
	}

	canonical, err := filepath.Abs(unpackDir)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to resolve unpack directory", unpackDir, err)
	}

	if _, exists := ws.FindUnpacking(canonical); exists {
		return &engineerr.Error{Kind: engineerr.KindUnpacking, Message: "an unpacking already exists at this destination", Path: canonical}
	}

	entries, err := os.ReadDir(canonical)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to read unpack directory", canonical, err)
	}
	if len(entries) > 0 {
		return &engineerr.Error{Kind: engineerr.KindUnpacking, Message: "the destination folder is not empty", Path: canonical}
	}

	hash, err := layerManager.FullyQualifyReference(&ws.Session, ref)
	if err != nil {
		return engineerr.NotFound(ref.String())
	}

	if err := m.unpackLayer(&ws.Session, layerManager, hash, canonical); err != nil {
		return err
	}

	ws.InsertUnpacking(state.Unpacking{Hash: hash, Destination: canonical, Time: time.Now().UTC()})
	return nil
}

// unpackLayer materialises a single layer's parent chain (first) and
// then its own operations in order; an Image operation recurses into
// the referenced image's own parent-first order.
func (m *UnpackManager) unpackLayer(s *state.Session, layerManager *LayerManager, hash reference.ImageId, destDir string) error {
	layer, ok := s.GetLayer(hash)
	if !ok {
		return engineerr.NotFound(string(hash))
	}

	if layer.ParentHash != nil {
		if err := m.unpackLayer(s, layerManager, *layer.ParentHash, destDir); err != nil {
			return err
		}
	}

	for _, op := range layer.Operations {
		switch op.Kind {
		case state.OpImage:
			if err := m.unpackLayer(s, layerManager, op.ImageHash, destDir); err != nil {
				return err
			}
		case state.OpDirectory:
			if err := os.MkdirAll(filepath.Join(destDir, op.Path), 0o755); err != nil {
				return engineerr.WithPath(engineerr.KindIO, "failed to create directory", op.Path, err)
			}
		case state.OpFile, state.OpCompressedFile:
			if err := m.linkFile(hash, op, destDir); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *UnpackManager) linkFile(hash reference.ImageId, op state.Operation, destDir string) error {
	dest := filepath.Join(destDir, op.Path)
	src := blobPath(m.config, hash, op)

	os.Remove(dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create parent directory", dest, err)
	}

	if op.LinkType == state.LinkSoft {
		if err := os.Symlink(src, dest); err != nil {
			return engineerr.WithPath(engineerr.KindIO, "failed to create symlink", dest, err)
		}
		return nil
	}

	if err := os.Link(src, dest); err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create hard link", dest, err)
	}
	return nil
}

// RemoveUnpacking tears down the unpacking rooted at unpackDir, in
// exact reverse order of Unpack. If force is set, per-step errors are
// logged and swallowed rather than aborting the teardown; the
// Unpacking record is always removed regardless of teardown success.
func (m *UnpackManager) RemoveUnpacking(ws *state.WriteSession, layerManager *LayerManager, unpackDir string, force bool) error {
	return m.removeUnpackingLocked(ws, layerManager, unpackDir, force)
}

func (m *UnpackManager) removeUnpackingLocked(ws *state.WriteSession, layerManager *LayerManager, unpackDir string, force bool) error {
	canonical, err := filepath.Abs(unpackDir)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to resolve unpack directory", unpackDir, err)
	}

	unpacking, ok := ws.FindUnpacking(canonical)
	if !ok {
		return &engineerr.Error{Kind: engineerr.KindUnpacking, Message: "no unpacking exists at this destination", Path: canonical}
	}

	removeErr := m.removeUnpackedLayer(&ws.Session, unpacking.Hash, canonical, force)
	ws.RemoveUnpacking(canonical)

	if !force {
		return removeErr
	}
	if removeErr != nil {
		m.printer.Println(fmt.Sprintf("error while removing unpacking at %s: %v", canonical, removeErr))
	}
	return nil
}

// removeUnpackedLayer undoes a layer's own operations in reverse order
// (Image operations recursing into the referenced layer's own reverse
// order), then recurses into the parent chain — the exact mirror image
// of unpackLayer's construction order.
func (m *UnpackManager) removeUnpackedLayer(s *state.Session, hash reference.ImageId, destDir string, force bool) error {
	layer, ok := s.GetLayer(hash)
	if !ok {
		return engineerr.NotFound(string(hash))
	}

	for i := len(layer.Operations) - 1; i >= 0; i-- {
		op := layer.Operations[i]
		var err error
		switch op.Kind {
		case state.OpImage:
			err = m.removeUnpackedLayer(s, op.ImageHash, destDir, force)
		case state.OpDirectory:
			err = os.Remove(filepath.Join(destDir, op.Path))
		case state.OpFile, state.OpCompressedFile:
			err = os.Remove(filepath.Join(destDir, op.Path))
		}
		if err != nil {
			if force {
				m.printer.Println(fmt.Sprintf("failed to remove unpacked entry %s: %v", op.Path, err))
				continue
			}
			return engineerr.WithPath(engineerr.KindIO, "failed to remove unpacked entry", op.Path, err)
		}
	}

	if layer.ParentHash != nil {
		if err := m.removeUnpackedLayer(s, *layer.ParentHash, destDir, force); err != nil {
			if !force {
				return err
			}
		}
	}

	return nil
}

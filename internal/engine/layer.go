package engine

import (
	"fmt"
	"time"

	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// LayerManager provides CRUD and reachability helpers shared by the
// build, GC, compression, and transfer components, grounded on
// original_source/src/image_manager/layer.rs's LayerManager.
type LayerManager struct {
	config Config
	store  *state.Store
}

// NewLayerManager constructs a LayerManager over the given store.
func NewLayerManager(config Config, store *state.Store) *LayerManager {
	return &LayerManager{config: config, store: store}
}

// GetLayer fully qualifies ref to a hash and returns the layer, mapping
// a missing reference to a not-found error.
func (m *LayerManager) GetLayer(s *state.Session, ref reference.Reference) (state.Layer, error) {
	hash, err := s.FullyQualifyReference(ref)
	if err != nil {
		return state.Layer{}, fmt.Errorf("could not find the image: %s", ref)
	}
	layer, ok := s.GetLayer(hash)
	if !ok {
		return state.Layer{}, fmt.Errorf("could not find the image: %s", ref)
	}
	return layer, nil
}

// GetLayerByHash returns the layer with the given hash.
func (m *LayerManager) GetLayerByHash(s *state.Session, hash reference.ImageId) (state.Layer, error) {
	layer, ok := s.GetLayer(hash)
	if !ok {
		return state.Layer{}, fmt.Errorf("could not find the image: %s", hash)
	}
	return layer, nil
}

// LayerExists reports whether hash names a known layer.
func (m *LayerManager) LayerExists(s *state.Session, hash reference.ImageId) bool {
	return s.LayerExists(hash)
}

// FullyQualifyReference resolves ref to a layer hash.
func (m *LayerManager) FullyQualifyReference(s *state.Session, ref reference.Reference) (reference.ImageId, error) {
	return s.FullyQualifyReference(ref)
}

// GetImage resolves tag to its Image binding.
func (m *LayerManager) GetImage(s *state.Session, tag reference.ImageTag) (state.Image, error) {
	img, ok := s.GetImage(tag)
	if !ok {
		return state.Image{}, fmt.Errorf("could not find the image: %s", tag)
	}
	return img, nil
}

// TagImage binds tag directly to the layer ref resolves to, without
// rebuilding anything, matching the original's tag_image.
func (m *LayerManager) TagImage(ws *state.WriteSession, ref reference.Reference, tag reference.ImageTag) (state.Image, error) {
	hash, err := m.FullyQualifyReference(&ws.Session, ref)
	if err != nil {
		return state.Image{}, fmt.Errorf("could not find the image: %s", ref)
	}

	image := state.Image{Hash: hash, Tag: tag, Created: time.Now().UTC()}
	ws.InsertOrReplaceImage(image)
	return image, nil
}

// FindUsedLayers computes the reachability closure of hash: itself, its
// parent chain, and every layer referenced transitively by an Image
// operation, matching layer.rs's find_used_layers exactly (recursion
// into both the layer's own parent_hash and each Image-op's referenced
// layer).
func (m *LayerManager) FindUsedLayers(s *state.Session, hash reference.ImageId, used map[reference.ImageId]bool) error {
	if used[hash] {
		return nil
	}
	used[hash] = true

	layer, ok := s.GetLayer(hash)
	if !ok {
		return fmt.Errorf("could not find the image: %s", hash)
	}

	for _, op := range layer.Operations {
		if op.Kind == state.OpImage {
			if err := m.FindUsedLayers(s, op.ImageHash, used); err != nil {
				return err
			}
		}
	}

	if layer.ParentHash != nil {
		if err := m.FindUsedLayers(s, *layer.ParentHash, used); err != nil {
			return err
		}
	}

	return nil
}

// SizeOfReference sums the on-disk storage size of ref's layer(s),
// recursing into the parent chain and Image-op references when
// recursive is true.
func (m *LayerManager) SizeOfReference(s *state.Session, ref reference.Reference, recursive bool) (int64, error) {
	hash, err := s.FullyQualifyReference(ref)
	if err != nil {
		return 0, err
	}
	return m.sizeOfHash(s, hash, recursive, map[reference.ImageId]bool{})
}

func (m *LayerManager) sizeOfHash(s *state.Session, hash reference.ImageId, recursive bool, seen map[reference.ImageId]bool) (int64, error) {
	if seen[hash] {
		return 0, nil
	}
	seen[hash] = true

	layer, ok := s.GetLayer(hash)
	if !ok {
		return 0, fmt.Errorf("could not find the image: %s", hash)
	}

	var total int64
	for _, op := range layer.Operations {
		switch op.Kind {
		case state.OpFile, state.OpCompressedFile:
			total += blobSize(m.config, hash, op)
		case state.OpImage:
			if recursive {
				sub, err := m.sizeOfHash(s, op.ImageHash, recursive, seen)
				if err != nil {
					return 0, err
				}
				total += sub
			}
		}
	}

	if recursive && layer.ParentHash != nil {
		sub, err := m.sizeOfHash(s, *layer.ParentHash, recursive, seen)
		if err != nil {
			return 0, err
		}
		total += sub
	}

	return total, nil
}

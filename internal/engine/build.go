package engine

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/hashsum"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// BuildManager builds an ImageDefinition into layers and an image
// binding, grounded on original_source/src/image_manager/build.rs.
type BuildManager struct {
	config  Config
	printer printer.Printer
}

// NewBuildManager constructs a BuildManager.
func NewBuildManager(config Config, p printer.Printer) *BuildManager {
	return &BuildManager{config: config, printer: p}
}

// BuildResult reports the final image binding and which layers were
// newly materialised (cache hits are not counted).
type BuildResult struct {
	Image      state.Image
	BuiltLayers []reference.ImageId
}

// BuildImage builds def against buildContext under tag. force bypasses
// the skip-if-exists check so every layer is re-materialised.
func (m *BuildManager) BuildImage(
	ws *state.WriteSession,
	layerManager *LayerManager,
	buildContext string,
	def *recipe.ImageDefinition,
	tag reference.ImageTag,
	force bool,
) (BuildResult, error) {
	var parentHash *reference.ImageId

	if def.BaseImage != nil {
		hash, err := layerManager.FullyQualifyReference(&ws.Session, *def.BaseImage)
		if err != nil {
			return BuildResult{}, engineerr.NotFound((*def.BaseImage).String())
		}
		if !layerManager.LayerExists(&ws.Session, hash) {
			return BuildResult{}, engineerr.NotFound((*def.BaseImage).String())
		}
		parentHash = &hash
	}

	var built []reference.ImageId

	for _, layerDef := range def.Layers {
		expanded, err := recipe.ExpandLayerOperations(buildContext, layerDef.Operations)
		if err != nil {
			return BuildResult{}, err
		}

		layer, err := m.createLayer(ws, buildContext, parentHash, expanded)
		if err != nil {
			return BuildResult{}, err
		}

		exists := layerManager.LayerExists(&ws.Session, layer.Hash)
		if exists && !force {
			parentHash = &layer.Hash
			continue
		}

		if err := m.buildLayer(buildContext, layer); err != nil {
			return BuildResult{}, err
		}
		ws.InsertOrReplaceLayer(layer)
		built = append(built, layer.Hash)

		hash := layer.Hash
		parentHash = &hash
	}

	if parentHash == nil {
		return BuildResult{}, engineerr.New(engineerr.KindParse, "image definition produced no layers")
	}

	now := time.Now().UTC()
	image := state.Image{Hash: *parentHash, Tag: tag, Created: now}
	ws.InsertOrReplaceImage(image)

	// The companion ":latest" binding is always written for a non-latest
	// tag, matching the original's unconditional behaviour in build_image.
	if tag.Tag != "latest" {
		ws.InsertOrReplaceImage(state.Image{Hash: *parentHash, Tag: tag.WithTag("latest"), Created: now})
	}

	return BuildResult{Image: image, BuiltLayers: built}, nil
}

// createLayer computes the layer's canonical hash over its operations
// and parent, using the content-hash cache for File operations, and
// returns the (not yet materialised) Layer.
func (m *BuildManager) createLayer(
	ws *state.WriteSession,
	buildContext string,
	parentHash *reference.ImageId,
	defs []recipe.OperationDefinition,
) (state.Layer, error) {
	ops := make([]state.Operation, 0, len(defs))
	var accumulator string

	if parentHash != nil {
		accumulator += parentHash.String()
	}

	for _, def := range defs {
		op, err := m.toStateOperation(ws, buildContext, def)
		if err != nil {
			return state.Layer{}, err
		}
		ops = append(ops, op)
		accumulator += op.CanonicalString()
	}

	hash, err := reference.ParseImageId(hashsum.HashString(accumulator))
	if err != nil {
		return state.Layer{}, fmt.Errorf("computing layer hash: %w", err)
	}

	return state.Layer{
		ParentHash: parentHash,
		Hash:       hash,
		Operations: ops,
		Created:    time.Now().UTC(),
	}, nil
}

func (m *BuildManager) toStateOperation(ws *state.WriteSession, buildContext string, def recipe.OperationDefinition) (state.Operation, error) {
	switch def.Kind {
	case recipe.DefImage:
		id, ok := reference.AsImageId(def.Reference)
		if !ok {
			tag, _ := reference.AsImageTag(def.Reference)
			resolved, err := ws.FullyQualifyReference(def.Reference)
			if err != nil {
				return state.Operation{}, engineerr.NotFound(tag.String())
			}
			id = resolved
		}
		return state.Operation{Kind: state.OpImage, ImageHash: id}, nil

	case recipe.DefDirectory:
		return state.Operation{Kind: state.OpDirectory, Path: def.Path}, nil

	default: // recipe.DefFile
		absPath := filepath.Join(buildContext, def.SourcePath)
		info, err := os.Stat(absPath)
		if err != nil {
			return state.Operation{}, engineerr.WithPath(engineerr.KindIO, "source file does not exist", def.SourcePath, err)
		}

		mtimeMs := info.ModTime().UnixMilli()
		contentHash, ok := ws.GetContentHash(absPath, mtimeMs)
		if !ok {
			contentHash, err = hashsum.HashFile(absPath)
			if err != nil {
				return state.Operation{}, engineerr.WithPath(engineerr.KindIO, "failed to hash source file", def.SourcePath, err)
			}
			ws.PutContentHash(absPath, mtimeMs, contentHash)
		}

		return state.Operation{
			Kind:        state.OpFile,
			Path:        def.Path,
			SourcePath:  def.SourcePath,
			ContentHash: contentHash,
			LinkType:    def.LinkType,
			Writable:    def.Writable,
		}, nil
	}
}

// buildLayer materialises layer's File operations into the store: each
// blob is copied to <layer_dir>/<SHA-256(path)>, and the operation's
// SourcePath is rewritten to that store-relative path. This happens
// after the layer's hash has already been computed, so materialisation
// never changes layer identity.
func (m *BuildManager) buildLayer(buildContext string, layer state.Layer) error {
	dir := m.config.LayerDir(string(layer.Hash))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create layer directory", dir, err)
	}

	for i := range layer.Operations {
		op := &layer.Operations[i]
		if op.Kind != state.OpFile {
			continue
		}

		blobName := hashsum.HashString(op.Path)
		destPath := filepath.Join(dir, blobName)

		if err := copyFile(filepath.Join(buildContext, op.SourcePath), destPath); err != nil {
			return engineerr.WithPath(engineerr.KindIO, "failed to copy layer file", op.SourcePath, err)
		}

		m.printer.Println(fmt.Sprintf("\t* Adding file %s -> %s", op.SourcePath, op.Path))
		op.SourcePath = blobName
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

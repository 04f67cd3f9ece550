// Package transfer implements export/import of an image's full layer
// closure as a single zip archive, and a partial-closure diff export
// that leaves out layers a peer already has, grounded on
// original_source/src/image_manager/transfer.rs.
package transfer

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// Manager exports and imports image closures against a layer store.
type Manager struct {
	config  engine.Config
	printer printer.Printer
}

// New constructs a Manager.
func New(config engine.Config, p printer.Printer) *Manager {
	return &Manager{config: config, printer: p}
}

// ImportResult reports what an import actually added, distinguishing
// newly-written layers from ones already present (and thus skipped).
type ImportResult struct {
	Layers []reference.ImageId
	Images []state.Image
}

// ExportImage writes tag's full layer closure to archivePath: one
// manifest.json per reachable layer and one blob entry per File
// operation, plus a trailing
// images.json binding tag to its top layer.
func (m *Manager) ExportImage(s *state.Session, layerManager *engine.LayerManager, tag reference.ImageTag, archivePath string) error {
	hash, err := layerManager.FullyQualifyReference(s, tag.ToReference())
	if err != nil {
		return engineerr.NotFound(tag.String())
	}
	return m.exportClosure(s, layerManager, hash, archivePath, nil, func(w *zip.Writer) error {
		return writeImagesEntry(w, []state.Image{{Hash: hash, Tag: tag}})
	})
}

// ExportDiff writes only the layers reachable from tag that are NOT
// already present in haveHashes: a layer in haveHashes gets neither its
// manifest nor its blobs in the archive, though the walk still follows
// its parent and Image edges. The trailing images.json is always written.
func (m *Manager) ExportDiff(s *state.Session, layerManager *engine.LayerManager, tag reference.ImageTag, archivePath string, haveHashes map[reference.ImageId]bool) error {
	hash, err := layerManager.FullyQualifyReference(s, tag.ToReference())
	if err != nil {
		return engineerr.NotFound(tag.String())
	}
	return m.exportClosure(s, layerManager, hash, archivePath, haveHashes, func(w *zip.Writer) error {
		return writeImagesEntry(w, []state.Image{{Hash: hash, Tag: tag}})
	})
}

func (m *Manager) exportClosure(
	s *state.Session,
	layerManager *engine.LayerManager,
	topHash reference.ImageId,
	archivePath string,
	skip map[reference.ImageId]bool,
	writeTrailer func(*zip.Writer) error,
) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create archive file", archivePath, err)
	}
	defer f.Close()

	w := zip.NewWriter(f)

	stack := []reference.ImageId{topHash}
	seen := map[reference.ImageId]bool{}
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[hash] {
			continue
		}
		seen[hash] = true

		layer, ok := s.GetLayer(hash)
		if !ok {
			w.Close()
			return engineerr.NotFound(string(hash))
		}

		if !skip[hash] {
			if err := writeManifestEntry(w, layer); err != nil {
				w.Close()
				return err
			}

			for _, op := range layer.Operations {
				if op.Kind != state.OpFile {
					continue
				}
				if err := writeBlobEntry(w, m.config, hash, op); err != nil {
					w.Close()
					return err
				}
			}
		}

		for _, op := range layer.Operations {
			if op.Kind == state.OpImage {
				stack = append(stack, op.ImageHash)
			}
		}
		if layer.ParentHash != nil {
			stack = append(stack, *layer.ParentHash)
		}
	}

	if err := writeTrailer(w); err != nil {
		w.Close()
		return err
	}

	return w.Close()
}

func writeManifestEntry(w *zip.Writer, layer state.Layer) error {
	entry, err := w.Create(fmt.Sprintf("layers/%s/manifest.json", layer.Hash))
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(layer)
	if err != nil {
		return fmt.Errorf("encoding layer manifest: %w", err)
	}
	_, err = entry.Write(encoded)
	return err
}

func writeBlobEntry(w *zip.Writer, config engine.Config, hash reference.ImageId, op state.Operation) error {
	src := filepath.Join(config.LayerDir(string(hash)), filepath.Base(op.SourcePath))
	in, err := os.Open(src)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to open layer blob", src, err)
	}
	defer in.Close()

	entryName := blobEntryName(hash, op)
	entry, err := w.Create(entryName)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, in)
	return err
}

func blobEntryName(hash reference.ImageId, op state.Operation) string {
	return fmt.Sprintf("layers/%s/blobs/%s", hash, filepath.Base(op.SourcePath))
}

func writeImagesEntry(w *zip.Writer, images []state.Image) error {
	entry, err := w.Create("images.json")
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("encoding images.json: %w", err)
	}
	_, err = entry.Write(encoded)
	return err
}

// ImportImage reads an archive written by ExportImage/ExportDiff,
// skipping any layer already present, and inserts every new layer and
// image binding. Every blob's destination path is verified to resolve
// under the store's base directory before being written, rejecting a
// maliciously crafted archive that tries to escape it via "..".
func (m *Manager) ImportImage(ws *state.WriteSession, layerManager *engine.LayerManager, archivePath string) (ImportResult, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return ImportResult{}, engineerr.WithPath(engineerr.KindIO, "failed to open archive file", archivePath, err)
	}
	defer r.Close()

	byName := map[string]*zip.File{}
	for _, f := range r.File {
		byName[f.Name] = f
	}

	result := ImportResult{}

	for _, f := range r.File {
		parts := strings.Split(f.Name, "/")
		if len(parts) < 3 || parts[0] != "layers" || parts[len(parts)-1] != "manifest.json" {
			continue
		}

		hash := reference.ImageId(parts[1])
		if layerManager.LayerExists(&ws.Session, hash) {
			m.printer.Println(fmt.Sprintf("Layer %s already exists, skipping import.", hash))
			continue
		}
		m.printer.Println(fmt.Sprintf("Importing layer %s...", hash))

		layerDir := m.config.LayerDir(string(hash))
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
			return result, engineerr.WithPath(engineerr.KindIO, "failed to create layer directory", layerDir, err)
		}

		var layer state.Layer
		if err := readJSONEntry(f, &layer); err != nil {
			return result, fmt.Errorf("decoding layer manifest: %w", err)
		}

		for i := range layer.Operations {
			op := &layer.Operations[i]
			if op.Kind != state.OpFile {
				continue
			}

			entryName := blobEntryName(hash, *op)
			entry, ok := byName[entryName]
			if !ok {
				return result, &engineerr.Error{Kind: engineerr.KindInvalidImageImport, Message: "archive is missing a referenced blob", Path: entryName}
			}

			destPath := filepath.Join(layerDir, filepath.Base(op.SourcePath))
			if !pathUnder(destPath, m.config.BaseDir) {
				return result, &engineerr.Error{Kind: engineerr.KindInvalidImageImport, Message: "blob path escapes the store directory", Path: destPath}
			}

			if err := extractEntry(entry, destPath); err != nil {
				return result, err
			}
			op.SourcePath = filepath.Base(op.SourcePath)
		}

		if err := ws.InsertLayer(layer); err != nil {
			return result, err
		}
		result.Layers = append(result.Layers, hash)
	}

	imagesFile, ok := byName["images.json"]
	if !ok {
		return result, &engineerr.Error{Kind: engineerr.KindInvalidImageImport, Message: "archive is missing images.json"}
	}
	var images []state.Image
	if err := readJSONEntry(imagesFile, &images); err != nil {
		return result, fmt.Errorf("decoding images.json: %w", err)
	}
	for _, img := range images {
		if img.Created.IsZero() {
			img.Created = time.Now().UTC()
		}
		ws.InsertOrReplaceImage(img)
		m.printer.Println(fmt.Sprintf("Imported image %s (%s).", img.Tag, img.Hash))
		result.Images = append(result.Images, img)
	}

	return result, nil
}

func readJSONEntry(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return json.NewDecoder(rc).Decode(v)
}

func extractEntry(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to read archive entry", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create blob file", destPath, err)
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// pathUnder reports whether path, once cleaned, lies within base.
func pathUnder(path, base string) bool {
	cleanBase := filepath.Clean(base)
	cleanPath := filepath.Clean(path)
	rel, err := filepath.Rel(cleanBase, cleanPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

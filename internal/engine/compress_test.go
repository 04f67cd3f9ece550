package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

func buildLargeFileImage(t *testing.T, config Config, store *state.Store, tag reference.ImageTag) {
	t.Helper()
	buildContext := t.TempDir()
	content := strings.Repeat("x", 4096)
	if err := os.WriteFile(filepath.Join(buildContext, "big.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	def, err := recipe.Parse("COPY big.txt big.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)

	err = store.Update(func(ws *state.WriteSession) error {
		_, err := buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return err
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
}

func TestCompressRewritesOperationToCompressedFile(t *testing.T) {
	config, store := newTestEnv(t)
	tag := reference.NewImageTag("myapp")
	buildLargeFileImage(t, config, store, tag)

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)

	err := store.Update(func(ws *state.WriteSession) error {
		return buildManager.Compress(ws, layerManager, tag.ToReference(), 1024, false)
	})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	err = store.View(func(s *state.Session) error {
		img, _ := s.GetImage(tag)
		layer, _ := s.GetLayer(img.Hash)
		op, _ := layer.FileOperationAt(0)
		if op.Kind != state.OpCompressedFile {
			t.Fatalf("expected the operation to be rewritten to CompressedFile, got %v", op.Kind)
		}
		if op.CompressedContentHash == "" {
			t.Fatal("expected a compressed content hash to be recorded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCompressBelowThresholdIsNoOp(t *testing.T) {
	config, store := newTestEnv(t)
	tag := reference.NewImageTag("myapp")
	buildContext := buildTestContext(t) // "hello", well under 1024 bytes

	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)

	err = store.Update(func(ws *state.WriteSession) error {
		_, err := buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return err
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	err = store.Update(func(ws *state.WriteSession) error {
		return buildManager.Compress(ws, layerManager, tag.ToReference(), 1024, false)
	})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	err = store.View(func(s *state.Session) error {
		img, _ := s.GetImage(tag)
		layer, _ := s.GetLayer(img.Hash)
		op, _ := layer.FileOperationAt(0)
		if op.Kind != state.OpFile {
			t.Fatalf("expected a small file under threshold to stay uncompressed, got %v", op.Kind)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestDecompressReversesCompress(t *testing.T) {
	config, store := newTestEnv(t)
	tag := reference.NewImageTag("myapp")
	buildLargeFileImage(t, config, store, tag)

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)

	err := store.Update(func(ws *state.WriteSession) error {
		return buildManager.Compress(ws, layerManager, tag.ToReference(), 1024, false)
	})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	err = store.Update(func(ws *state.WriteSession) error {
		return buildManager.Decompress(ws, layerManager, tag.ToReference())
	})
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	err = store.View(func(s *state.Session) error {
		img, _ := s.GetImage(tag)
		layer, _ := s.GetLayer(img.Hash)
		op, _ := layer.FileOperationAt(0)
		if op.Kind != state.OpFile {
			t.Fatalf("expected the operation to be rewritten back to File, got %v", op.Kind)
		}
		if op.CompressedContentHash != "" {
			t.Fatal("expected the compressed content hash to be cleared")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

func newTestEnv(t *testing.T) (Config, *state.Store) {
	t.Helper()
	base := t.TempDir()
	config := Config{BaseDir: base}
	store, err := state.Open(config.StatePath())
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}
	return config, store
}

func buildTestContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return dir
}

func TestBuildImageProducesLayerAndImage(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := buildTestContext(t)

	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	tag := reference.NewImageTag("myapp")

	var result BuildResult
	err = store.Update(func(ws *state.WriteSession) error {
		var buildErr error
		result, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return buildErr
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(result.BuiltLayers) != 1 {
		t.Fatalf("expected 1 built layer, got %d", len(result.BuiltLayers))
	}

	blobPath := config.LayerDir(string(result.Image.Hash))
	entries, err := os.ReadDir(blobPath)
	if err != nil {
		t.Fatalf("reading layer dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 blob file, got %d", len(entries))
	}
}

func TestBuildImageCacheHitYieldsZeroBuiltLayers(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := buildTestContext(t)

	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	tag := reference.NewImageTag("myapp")

	err = store.Update(func(ws *state.WriteSession) error {
		_, err := buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return err
	})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	def2, _ := recipe.Parse("COPY a.txt a.txt\n", nil)
	var result BuildResult
	err = store.Update(func(ws *state.WriteSession) error {
		var buildErr error
		result, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def2, tag, false)
		return buildErr
	})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if len(result.BuiltLayers) != 0 {
		t.Fatalf("expected a cache hit to build 0 layers, got %d", len(result.BuiltLayers))
	}
}

func TestBuildImageSingleByteChangeRebuildsOneLayer(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := buildTestContext(t)

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	tag := reference.NewImageTag("myapp")

	def1, _ := recipe.Parse("COPY a.txt a.txt\n", nil)
	err := store.Update(func(ws *state.WriteSession) error {
		_, err := buildManager.BuildImage(ws, layerManager, buildContext, def1, tag, false)
		return err
	})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}

	if err := os.WriteFile(filepath.Join(buildContext, "a.txt"), []byte("hellp"), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	def2, _ := recipe.Parse("COPY a.txt a.txt\n", nil)
	var result BuildResult
	err = store.Update(func(ws *state.WriteSession) error {
		var buildErr error
		result, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def2, tag, false)
		return buildErr
	})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if len(result.BuiltLayers) != 1 {
		t.Fatalf("expected changing the file content to rebuild exactly 1 layer, got %d", len(result.BuiltLayers))
	}
}

func TestBuildImageCompanionLatestTag(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := buildTestContext(t)

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	tag := reference.NewImageTag("myapp").WithTag("v1")

	def, _ := recipe.Parse("COPY a.txt a.txt\n", nil)
	err := store.Update(func(ws *state.WriteSession) error {
		_, err := buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return err
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	err = store.View(func(s *state.Session) error {
		if _, ok := s.GetImage(tag.WithTag("latest")); !ok {
			t.Fatal("expected a companion :latest binding for a non-latest tag")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestBuildImageFromDirectoryProducesOneLayerPerTopLevelEntry(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := t.TempDir()
	if err := os.MkdirAll(filepath.Join(buildContext, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(buildContext, "assets", "logo.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(buildContext, "README.md"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	def, err := recipe.CreateFromDirectory(buildContext)
	if err != nil {
		t.Fatalf("create from directory: %v", err)
	}

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	tag := reference.NewImageTag("fromdir")

	var result BuildResult
	err = store.Update(func(ws *state.WriteSession) error {
		var buildErr error
		result, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		return buildErr
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(result.BuiltLayers) != 2 {
		t.Fatalf("expected 2 built layers (one sub-directory, one root file), got %d", len(result.BuiltLayers))
	}
}

package engine

import (
	"testing"

	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

func TestTagImageBindsExistingLayerWithoutRebuilding(t *testing.T) {
	config, store := newTestEnv(t)
	buildContext := buildTestContext(t)

	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	buildManager := NewBuildManager(config, printer.Discard{})
	layerManager := NewLayerManager(config, store)
	sourceTag := reference.NewImageTag("myapp")

	var built BuildResult
	err = store.Update(func(ws *state.WriteSession) error {
		var buildErr error
		built, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def, sourceTag, false)
		return buildErr
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	newTag := reference.NewImageTag("myapp").WithTag("stable")
	var tagged state.Image
	err = store.Update(func(ws *state.WriteSession) error {
		var tagErr error
		tagged, tagErr = layerManager.TagImage(ws, sourceTag.ToReference(), newTag)
		return tagErr
	})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}

	if tagged.Hash != built.Image.Hash {
		t.Fatalf("expected tagged hash %s to match built hash %s", tagged.Hash, built.Image.Hash)
	}

	err = store.View(func(s *state.Session) error {
		img, ok := s.GetImage(newTag)
		if !ok {
			t.Fatal("expected the new tag to resolve")
		}
		if img.Hash != built.Image.Hash {
			t.Fatalf("expected new tag to resolve to %s, got %s", built.Image.Hash, img.Hash)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestTagImageErrorsOnUnresolvableReference(t *testing.T) {
	config, store := newTestEnv(t)
	layerManager := NewLayerManager(config, store)

	missing, err := reference.Parse("doesnotexist")
	if err != nil {
		t.Fatalf("parse reference: %v", err)
	}

	err = store.Update(func(ws *state.WriteSession) error {
		_, tagErr := layerManager.TagImage(ws, missing, reference.NewImageTag("whatever"))
		return tagErr
	})
	if err == nil {
		t.Fatal("expected an error tagging an unresolvable reference")
	}
}

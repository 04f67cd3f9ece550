package registryclient_test

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/hashsum"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/registryclient"
	"github.com/glennswest/labar/internal/registryserver"
	"github.com/glennswest/labar/internal/state"
)

func newTestRegistry(t *testing.T) (*httptest.Server, engine.Config, *state.Store) {
	t.Helper()
	base := t.TempDir()
	config := engine.Config{BaseDir: base}
	store, err := state.Open(config.StatePath())
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	err = store.Update(func(ws *state.WriteSession) error {
		ws.PutUser(state.Credential{Username: "bot", PasswordHash: string(hash), AccessRights: []string{"list", "download", "upload"}})
		return nil
	})
	if err != nil {
		t.Fatalf("seeding users: %v", err)
	}

	log := zap.NewNop().Sugar()
	regServer := registryserver.New(config, store, log, "127.0.0.1:0", 30*time.Minute, nil)
	httpServer := httptest.NewServer(regServer.Handler())
	return httpServer, config, store
}

func buildPushableImage(t *testing.T, config engine.Config, store *state.Store, tag reference.ImageTag) reference.ImageId {
	t.Helper()
	buildContext := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildContext, "a.txt"), []byte("hello from client test"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	buildManager := engine.NewBuildManager(config, printer.Discard{})
	layerManager := engine.NewLayerManager(config, store)

	var hash reference.ImageId
	err = store.Update(func(ws *state.WriteSession) error {
		result, err := buildManager.BuildImage(ws, layerManager, buildContext, def, tag, false)
		if err != nil {
			return err
		}
		hash = result.Image.Hash
		return nil
	})
	if err != nil {
		t.Fatalf("building source image: %v", err)
	}
	return hash
}

func TestPushThenPullRoundTrips(t *testing.T) {
	srcConfig := engine.Config{BaseDir: t.TempDir()}
	srcStore, err := state.Open(srcConfig.StatePath())
	if err != nil {
		t.Fatalf("opening source state: %v", err)
	}
	tag := reference.NewImageTag("myapp")
	hash := buildPushableImage(t, srcConfig, srcStore, tag)

	httpServer, _, _ := newTestRegistry(t)
	defer httpServer.Close()

	client := registryclient.New(srcConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)
	srcLayerManager := engine.NewLayerManager(srcConfig, srcStore)
	err = srcStore.View(func(s *state.Session) error {
		return client.Push(s, srcLayerManager, tag)
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	destConfig := engine.Config{BaseDir: t.TempDir()}
	destStore, err := state.Open(destConfig.StatePath())
	if err != nil {
		t.Fatalf("opening dest state: %v", err)
	}
	destLayerManager := engine.NewLayerManager(destConfig, destStore)
	destClient := registryclient.New(destConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)

	err = destStore.Update(func(ws *state.WriteSession) error {
		return destClient.Pull(ws, destLayerManager, tag, nil)
	})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}

	err = destStore.View(func(s *state.Session) error {
		img, ok := s.GetImage(tag)
		if !ok {
			t.Fatal("expected pulled image binding to exist")
		}
		if img.Hash != hash {
			t.Fatalf("expected pulled hash %s, got %s", hash, img.Hash)
		}
		if !destLayerManager.LayerExists(s, hash) {
			t.Fatal("expected pulled layer to exist locally")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verifying pull: %v", err)
	}

	blobPath := filepath.Join(destConfig.LayerDir(string(hash)), hashsum.HashString("a.txt"))
	content, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("reading pulled blob: %v", err)
	}
	if string(content) != "hello from client test" {
		t.Fatalf("unexpected pulled blob content: %q", content)
	}
}

func TestPullIsIdempotentWhenLayerAlreadyPresent(t *testing.T) {
	srcConfig := engine.Config{BaseDir: t.TempDir()}
	srcStore, err := state.Open(srcConfig.StatePath())
	if err != nil {
		t.Fatalf("opening source state: %v", err)
	}
	tag := reference.NewImageTag("myapp")
	buildPushableImage(t, srcConfig, srcStore, tag)

	httpServer, _, _ := newTestRegistry(t)
	defer httpServer.Close()

	client := registryclient.New(srcConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)
	srcLayerManager := engine.NewLayerManager(srcConfig, srcStore)
	err = srcStore.View(func(s *state.Session) error {
		return client.Push(s, srcLayerManager, tag)
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	destConfig := engine.Config{BaseDir: t.TempDir()}
	destStore, err := state.Open(destConfig.StatePath())
	if err != nil {
		t.Fatalf("opening dest state: %v", err)
	}
	destLayerManager := engine.NewLayerManager(destConfig, destStore)
	destClient := registryclient.New(destConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)

	pull := func() error {
		return destStore.Update(func(ws *state.WriteSession) error {
			return destClient.Pull(ws, destLayerManager, tag, nil)
		})
	}
	if err := pull(); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	if err := pull(); err != nil {
		t.Fatalf("second pull should be a no-op, got: %v", err)
	}
}

func TestSyncBindsEveryRemoteImageUnderDestRegistry(t *testing.T) {
	srcConfig := engine.Config{BaseDir: t.TempDir()}
	srcStore, err := state.Open(srcConfig.StatePath())
	if err != nil {
		t.Fatalf("opening source state: %v", err)
	}
	tag := reference.NewImageTag("myapp")
	buildPushableImage(t, srcConfig, srcStore, tag)

	httpServer, _, _ := newTestRegistry(t)
	defer httpServer.Close()

	client := registryclient.New(srcConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)
	srcLayerManager := engine.NewLayerManager(srcConfig, srcStore)
	err = srcStore.View(func(s *state.Session) error {
		return client.Push(s, srcLayerManager, tag)
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	destConfig := engine.Config{BaseDir: t.TempDir()}
	destStore, err := state.Open(destConfig.StatePath())
	if err != nil {
		t.Fatalf("opening dest state: %v", err)
	}
	destLayerManager := engine.NewLayerManager(destConfig, destStore)
	destClient := registryclient.New(destConfig, printer.Discard{}, httpServer.URL, "bot", "secret", 0, engine.StoragePreferUncompressed)

	var result registryclient.DownloadResult
	err = destStore.Update(func(ws *state.WriteSession) error {
		var syncErr error
		result, syncErr = destClient.Sync(ws, destLayerManager, "mirror.local", nil, nil)
		return syncErr
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(result.PulledImages) != 1 {
		t.Fatalf("expected exactly one synced image, got %d", len(result.PulledImages))
	}
	if result.PulledImages[0].FullRepository() != "mirror.local/myapp" {
		t.Fatalf("expected synced tag to carry the destination registry, got %q", result.PulledImages[0].FullRepository())
	}
}

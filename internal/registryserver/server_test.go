package registryserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

func newTestServer(t *testing.T) (*Server, engine.Config, *state.Store) {
	t.Helper()
	base := t.TempDir()
	config := engine.Config{BaseDir: base}
	store, err := state.Open(config.StatePath())
	if err != nil {
		t.Fatalf("opening state: %v", err)
	}

	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	err = store.Update(func(ws *state.WriteSession) error {
		ws.PutUser(state.Credential{Username: "alice", PasswordHash: string(hash), AccessRights: []string{"list", "download", "upload"}})
		ws.PutUser(state.Credential{Username: "guest", PasswordHash: string(hash), AccessRights: nil})
		return nil
	})
	if err != nil {
		t.Fatalf("seeding users: %v", err)
	}

	log := zap.NewNop().Sugar()
	server := New(config, store, log, "127.0.0.1:0", 30*time.Minute, nil)
	return server, config, store
}

func authRequest(req *http.Request, username, password string) {
	req.SetBasicAuth(username, password)
}

func TestListImagesRequiresAuth(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/images", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestListImagesRejectsUserWithoutListRight(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/images", nil)
	authRequest(req, "guest", "secret")
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a user lacking list rights, got %d", rec.Code)
	}
}

func TestBindAndResolveImage(t *testing.T) {
	server, config, store := newTestServer(t)
	tag := reference.NewImageTag("myapp")

	buildContext := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildContext, "a.txt"), []byte("hello"), 0o644); err != nil {
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
		hash = result.Image.Hash
		return err
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	body, _ := json.Marshal(bindImageRequest{Hash: string(hash), Tag: tag.String()})
	req := httptest.NewRequest(http.MethodPost, "/images", bytes.NewReader(body))
	authRequest(req, "alice", "secret")
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 binding an image, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/images/"+tag.String(), nil)
	authRequest(req, "alice", "secret")
	rec = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 resolving an image, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp resolveImageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Image.Hash != hash {
		t.Fatalf("expected resolved hash %s, got %s", hash, resp.Image.Hash)
	}
}

func TestUploadManifestThenFileRoundTrips(t *testing.T) {
	server, config, store := newTestServer(t)

	// Build a source image elsewhere to get a real layer manifest to upload.
	srcConfig := engine.Config{BaseDir: t.TempDir()}
	srcStore, err := state.Open(srcConfig.StatePath())
	if err != nil {
		t.Fatalf("opening source state: %v", err)
	}
	buildContext := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildContext, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	def, err := recipe.Parse("COPY a.txt a.txt\n", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	srcBuildManager := engine.NewBuildManager(srcConfig, printer.Discard{})
	srcLayerManager := engine.NewLayerManager(srcConfig, srcStore)
	tag := reference.NewImageTag("myapp")
	var layer state.Layer
	err = srcStore.Update(func(ws *state.WriteSession) error {
		result, err := srcBuildManager.BuildImage(ws, srcLayerManager, buildContext, def, tag, false)
		if err != nil {
			return err
		}
		layer, _ = ws.GetLayer(result.Image.Hash)
		return nil
	})
	if err != nil {
		t.Fatalf("building source image: %v", err)
	}

	manifestBody, _ := json.Marshal(layer)
	req := httptest.NewRequest(http.MethodPost, "/layers/manifest", bytes.NewReader(manifestBody))
	authRequest(req, "alice", "secret")
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 uploading a manifest, got %d: %s", rec.Code, rec.Body.String())
	}

	var manifestResult uploadManifestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &manifestResult); err != nil {
		t.Fatalf("decoding manifest result: %v", err)
	}
	if manifestResult.Status != "uploaded" || manifestResult.UploadID == "" {
		t.Fatalf("expected a fresh upload id, got %+v", manifestResult)
	}

	op, _ := layer.FileOperationAt(0)
	srcBlobPath := filepath.Join(srcConfig.LayerDir(string(layer.Hash)), filepath.Base(op.SourcePath))
	blobContent, err := os.ReadFile(srcBlobPath)
	if err != nil {
		t.Fatalf("reading source blob: %v", err)
	}

	uploadReq := httptest.NewRequest(http.MethodPost, "/layers/"+string(layer.Hash)+"/upload/0", bytes.NewReader(blobContent))
	authRequest(uploadReq, "alice", "secret")
	uploadReq.Header.Set("X-Upload-Id", manifestResult.UploadID)
	uploadRec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(uploadRec, uploadReq)
	if uploadRec.Code != http.StatusOK {
		t.Fatalf("expected 200 uploading a file, got %d: %s", uploadRec.Code, uploadRec.Body.String())
	}

	destBlobPath := filepath.Join(config.LayerDir(string(layer.Hash)), filepath.Base(op.SourcePath))
	gotContent, err := os.ReadFile(destBlobPath)
	if err != nil {
		t.Fatalf("reading uploaded blob: %v", err)
	}
	if string(gotContent) != string(blobContent) {
		t.Fatalf("expected uploaded blob content to match, got %q", gotContent)
	}

	downloadReq := httptest.NewRequest(http.MethodGet, "/layers/"+string(layer.Hash)+"/download/0", nil)
	authRequest(downloadReq, "alice", "secret")
	downloadRec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(downloadRec, downloadReq)
	if downloadRec.Code != http.StatusOK {
		t.Fatalf("expected 200 downloading a file, got %d: %s", downloadRec.Code, downloadRec.Body.String())
	}
	if downloadRec.Body.String() != string(blobContent) {
		t.Fatalf("expected downloaded content to match uploaded content")
	}
}

// Package registryserver hosts the registry's HTTP endpoints: image
// listing/binding, layer manifest/blob exchange, and the chunked
// upload handshake, grounded on
// original_source/src/registry/mod.rs's route table and on the
// teacher's own net/http.ServeMux server shape in pkg/registry/registry.go.
package registryserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/glennswest/labar/internal/advisorylock"
	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/regconfig"
	"github.com/glennswest/labar/internal/registryclient"
	"github.com/glennswest/labar/internal/state"
)

// AccessRight names one of the five permissions the registry checks
// per request, matching original_source/src/registry/auth.rs exactly.
type AccessRight string

const (
	AccessAccess   AccessRight = "access"
	AccessList     AccessRight = "list"
	AccessDownload AccessRight = "download"
	AccessUpload   AccessRight = "upload"
	AccessDelete   AccessRight = "delete"
)

// Server hosts the registry's HTTP surface over a single engine store.
type Server struct {
	config            engine.Config
	store             *state.Store
	layerManager      *engine.LayerManager
	buildManager      *engine.BuildManager
	log               *zap.SugaredLogger
	server            *http.Server
	pendingExpiration time.Duration

	upstream       *regconfig.UpstreamConfig
	upstreamClient *registryclient.Client

	pullsMu sync.Mutex
	pulls   map[string]*pullThroughState
}

// pullThroughState tracks one in-flight server-initiated upstream pull,
// so that concurrent pollers for the same tag share a single pull
// instead of each triggering their own.
type pullThroughState struct {
	done chan struct{}
	err  error
}

// New constructs a Server bound to an engine store at config. upstream
// is nil when this registry has no upstream configured; when non-nil
// with PullThrough set, a tag missing locally is fetched from upstream
// on demand by handleResolveImage, matching spec.md §4.9's pull-through
// behaviour.
func New(config engine.Config, store *state.Store, log *zap.SugaredLogger, address string, pendingExpiration time.Duration, upstream *regconfig.UpstreamConfig) *Server {
	s := &Server{
		config:            config,
		store:             store,
		layerManager:      engine.NewLayerManager(config, store),
		buildManager:      engine.NewBuildManager(config, printer.Discard{}),
		log:               log,
		pendingExpiration: pendingExpiration,
		upstream:          upstream,
		pulls:             make(map[string]*pullThroughState),
	}

	if upstream != nil && upstream.PullThrough {
		s.upstreamClient = registryclient.New(config, printer.Discard{}, upstreamBaseURL(upstream.Hostname), upstream.Username, upstream.Password, 3, engine.StoragePreferUncompressed)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/images", s.handleImages)
	mux.HandleFunc("/images/", s.handleResolveImage)
	mux.HandleFunc("/layers/manifest", s.handleUploadManifest)
	mux.HandleFunc("/layers/", s.handleLayerSubroute)

	s.server = &http.Server{Addr: address, Handler: mux}
	return s
}

// upstreamBaseURL derives an HTTP base URL from a configured hostname,
// which the original stores as a bare "host:port" (see
// original_source/src/registry/config.rs's RegistryUpstreamConfig).
func upstreamBaseURL(hostname string) string {
	if strings.Contains(hostname, "://") {
		return hostname
	}
	return "http://" + hostname
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler exposes the routed mux directly, for tests and for callers
// that want to embed the registry's routes behind their own listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) writeLockPath() string {
	return s.config.WriteLockPath()
}

func (s *Server) withWriteLock(fn func(ws *state.WriteSession) error) error {
	lock, err := advisorylock.Acquire(s.writeLockPath())
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return s.store.Update(fn)
}

// --- authentication and access rights ---

func (s *Server) authenticate(r *http.Request) (state.Credential, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return state.Credential{}, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Basic" {
		return state.Credential{}, false
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return state.Credential{}, false
	}
	userPass := strings.SplitN(string(decoded), ":", 2)
	if len(userPass) != 2 {
		return state.Credential{}, false
	}

	var cred state.Credential
	var ok bool
	err = s.store.View(func(session *state.Session) error {
		cred, ok = session.GetUser(userPass[0])
		return nil
	})
	if err != nil || !ok {
		return state.Credential{}, false
	}

	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(userPass[1])) != nil {
		return state.Credential{}, false
	}
	return cred, true
}

// checkAccess authenticates r and verifies the user holds right,
// writing an HTTP 401 and returning false if either check fails.
// AccessAccess is implicit for any authenticated user, matching the
// original's has_access short-circuit.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request, right AccessRight) bool {
	cred, ok := s.authenticate(r)
	if !ok {
		s.writeError(w, &engineerr.Error{Kind: engineerr.KindUnauthorized, Message: "authentication required"})
		return false
	}
	if right == AccessAccess {
		return true
	}
	for _, granted := range cred.AccessRights {
		if granted == string(right) {
			return true
		}
	}
	s.writeError(w, &engineerr.Error{Kind: engineerr.KindUnauthorized, Message: fmt.Sprintf("user %q lacks %s access", cred.Username, right)})
	return false
}

// --- error mapping (spec.md §7) ---

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var ee *engineerr.Error
	if e, ok := err.(*engineerr.Error); ok {
		ee = e
		switch e.Kind {
		case engineerr.KindNotFound:
			status = http.StatusNotFound
		case engineerr.KindUnauthorized:
			status = http.StatusUnauthorized
		case engineerr.KindIO, engineerr.KindState:
			status = http.StatusInternalServerError
		case engineerr.KindPullFailed:
			status = http.StatusBadGateway
		default:
			status = http.StatusBadRequest
		}
	}
	s.log.Warnw("registry request failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := err.Error()
	if ee != nil {
		message = ee.Message
	}
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// --- /images ---

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listImages(w, r)
	case http.MethodPost:
		s.bindImage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	if !s.checkAccess(w, r, AccessList) {
		return
	}
	var images []state.Image
	err := s.store.View(func(session *state.Session) error {
		images = session.AllImages()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

type bindImageRequest struct {
	Hash string `json:"hash"`
	Tag  string `json:"tag"`
}

func (s *Server) bindImage(w http.ResponseWriter, r *http.Request) {
	if !s.checkAccess(w, r, AccessUpload) {
		return
	}
	var spec bindImageRequest
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, engineerr.Wrap(engineerr.KindParse, "invalid request body", err))
		return
	}

	hash, err := reference.ParseImageId(spec.Hash)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid image id", spec.Hash, err))
		return
	}
	tag, err := reference.ParseImageTag(spec.Tag)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid image tag", spec.Tag, err))
		return
	}

	err = s.withWriteLock(func(ws *state.WriteSession) error {
		ws.InsertOrReplaceImage(state.Image{Hash: hash, Tag: tag, Created: time.Now().UTC()})
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- /images/{tag} ---

type resolveImageResponse struct {
	Image state.Image `json:"image"`
	Size  int64       `json:"size"`
}

func (s *Server) handleResolveImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAccess(w, r, AccessList) {
		return
	}

	tagText := strings.TrimPrefix(r.URL.Path, "/images/")
	tag, err := reference.ParseImageTag(tagText)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid image tag", tagText, err))
		return
	}

	resp, ok, err := s.lookupImage(tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	canPullThrough := r.URL.Query().Get("can_pull_through") == "true"
	if !canPullThrough || s.upstreamClient == nil {
		s.writeError(w, engineerr.NotFound(tag.String()))
		return
	}

	outcome, pullErr := s.pollPullThrough(tag)
	switch outcome {
	case pullThroughPending:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pulling"})
		return
	case pullThroughFailed:
		s.writeError(w, engineerr.Wrap(engineerr.KindPullFailed, "pull-through from upstream failed", pullErr))
		return
	}

	resp, ok, err = s.lookupImage(tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, engineerr.NotFound(tag.String()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookupImage(tag reference.ImageTag) (resolveImageResponse, bool, error) {
	var resp resolveImageResponse
	found := false
	err := s.store.View(func(session *state.Session) error {
		img, ok := session.GetImage(tag)
		if !ok {
			return nil
		}
		size, err := s.layerManager.SizeOfReference(session, img.Hash.ToReference(), true)
		if err != nil {
			return err
		}
		resp = resolveImageResponse{Image: img, Size: size}
		found = true
		return nil
	})
	return resp, found, err
}

type pullThroughOutcome int

const (
	pullThroughReady pullThroughOutcome = iota
	pullThroughPending
	pullThroughFailed
)

// pollPullThrough ensures a background pull from upstream is running
// for tag, starting one if none is in flight, and reports whether the
// caller's poll should see it as still pending, failed, or (once the
// tracked goroutine has finished) ready to be looked up again.
func (s *Server) pollPullThrough(tag reference.ImageTag) (pullThroughOutcome, error) {
	key := tag.String()

	s.pullsMu.Lock()
	existing, inFlight := s.pulls[key]
	if !inFlight {
		fresh := &pullThroughState{done: make(chan struct{})}
		s.pulls[key] = fresh
		s.pullsMu.Unlock()
		go s.runPullThrough(tag, key, fresh)
		return pullThroughPending, nil
	}
	s.pullsMu.Unlock()

	select {
	case <-existing.done:
		s.pullsMu.Lock()
		delete(s.pulls, key)
		s.pullsMu.Unlock()
		if existing.err != nil {
			return pullThroughFailed, existing.err
		}
		return pullThroughReady, nil
	default:
		return pullThroughPending, nil
	}
}

func (s *Server) runPullThrough(tag reference.ImageTag, key string, pull *pullThroughState) {
	defer close(pull.done)
	err := s.withWriteLock(func(ws *state.WriteSession) error {
		return s.upstreamClient.Pull(ws, s.layerManager, tag, nil)
	})
	if err != nil {
		s.log.Warnw("pull-through from upstream failed", "tag", key, "error", err)
		pull.err = err
	}
}

// --- /layers/... ---

func (s *Server) handleLayerSubroute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/layers/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2 && parts[1] == "manifest":
		s.getLayerManifest(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "download":
		s.downloadLayerFile(w, r, parts[0], parts[2])
	case len(parts) == 3 && parts[1] == "upload":
		s.uploadLayerFile(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getLayerManifest(w http.ResponseWriter, r *http.Request, idText string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAccess(w, r, AccessDownload) {
		return
	}

	hash, err := reference.ParseImageId(idText)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid layer id", idText, err))
		return
	}

	var layer state.Layer
	err = s.store.View(func(session *state.Session) error {
		var ok bool
		layer, ok = session.GetLayer(hash)
		if !ok {
			return engineerr.NotFound(string(hash))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, layer)
}

func (s *Server) downloadLayerFile(w http.ResponseWriter, r *http.Request, idText, indexText string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAccess(w, r, AccessDownload) {
		return
	}

	hash, err := reference.ParseImageId(idText)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid layer id", idText, err))
		return
	}
	index, err := strconv.Atoi(indexText)
	if err != nil {
		s.writeError(w, engineerr.New(engineerr.KindParse, "invalid file index"))
		return
	}

	var op state.Operation
	err = s.store.View(func(session *state.Session) error {
		layer, ok := session.GetLayer(hash)
		if !ok {
			return engineerr.NotFound(string(hash))
		}
		found, ok := layer.FileOperationAt(index)
		if !ok {
			return &engineerr.Error{Kind: engineerr.KindNotFound, Message: "layer file not found"}
		}
		op = found
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	path := filepath.Join(s.config.LayerDir(string(hash)), filepath.Base(op.SourcePath))
	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindIO, "failed to open layer blob", path, err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(path)))
	io.Copy(w, f)
}

type uploadManifestResult struct {
	Status   string `json:"status"`
	UploadID string `json:"upload_id,omitempty"`
}

func (s *Server) handleUploadManifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAccess(w, r, AccessUpload) {
		return
	}

	var layer state.Layer
	if err := json.NewDecoder(r.Body).Decode(&layer); err != nil {
		s.writeError(w, engineerr.Wrap(engineerr.KindParse, "invalid layer manifest", err))
		return
	}

	var result uploadManifestResult
	err := s.withWriteLock(func(ws *state.WriteSession) error {
		if s.layerManager.LayerExists(&ws.Session, layer.Hash) {
			result = uploadManifestResult{Status: "already_exist"}
			return nil
		}

		dir := s.config.LayerDir(string(layer.Hash))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return engineerr.WithPath(engineerr.KindIO, "failed to create layer directory", dir, err)
		}

		if err := ws.InsertLayer(layer); err != nil {
			return err
		}

		uploadID := uuid.NewString()
		ws.PutPendingUpload(state.PendingUpload{UploadId: uploadID, LayerHash: layer.Hash, Created: time.Now().UTC()})
		result = uploadManifestResult{Status: "uploaded", UploadID: uploadID}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) uploadLayerFile(w http.ResponseWriter, r *http.Request, idText, indexText string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkAccess(w, r, AccessUpload) {
		return
	}

	hash, err := reference.ParseImageId(idText)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindParse, "invalid layer id", idText, err))
		return
	}
	index, err := strconv.Atoi(indexText)
	if err != nil {
		s.writeError(w, engineerr.New(engineerr.KindParse, "invalid file index"))
		return
	}

	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		s.writeError(w, engineerr.New(engineerr.KindParse, "missing X-Upload-Id header"))
		return
	}

	var op state.Operation
	err = s.store.View(func(session *state.Session) error {
		uploadKnown := false
		for _, p := range session.AllPendingUploads() {
			if p.UploadId == uploadID && p.LayerHash == hash {
				uploadKnown = true
				break
			}
		}
		if !uploadKnown {
			return &engineerr.Error{Kind: engineerr.KindInvalidImageImport, Message: "unknown or expired upload id"}
		}

		layer, ok := session.GetLayer(hash)
		if !ok {
			return engineerr.NotFound(string(hash))
		}
		fileOp, ok := layer.FileOperationAt(index)
		if !ok {
			return &engineerr.Error{Kind: engineerr.KindNotFound, Message: "layer file not found"}
		}
		op = fileOp
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	dir := s.config.LayerDir(string(hash))
	destPath := filepath.Join(dir, filepath.Base(op.SourcePath))
	tmpPath := destPath + ".tmp"

	out, err := os.Create(tmpPath)
	if err != nil {
		s.writeError(w, engineerr.WithPath(engineerr.KindIO, "failed to create upload temp file", tmpPath, err))
		return
	}
	if _, err := io.Copy(out, r.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		s.writeError(w, engineerr.Wrap(engineerr.KindIO, "failed to stream uploaded file", err))
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		s.writeError(w, engineerr.Wrap(engineerr.KindIO, "failed to close uploaded file", err))
		return
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		s.writeError(w, engineerr.Wrap(engineerr.KindIO, "failed to commit uploaded file", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

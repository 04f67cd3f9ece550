// Package registryclient implements pull/push/sync against a registry
// server over the HTTP+JSON wire protocol of spec.md §6. The DFS
// closure walk and skip-if-exists logic are grounded on
// original_source/src/image_manager/registry.rs's S3-backed client;
// the transport itself targets the bespoke HTTP endpoints the server
// package hosts, since the original's S3 backing is out of scope here
// (see DESIGN.md Open Question #6).
package registryclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

const defaultRetryDelay = 2 * time.Second

// Client talks to a single registry over HTTP Basic auth.
type Client struct {
	baseURL      string
	username     string
	password     string
	httpClient   *http.Client
	config       engine.Config
	printer      printer.Printer
	retryDelay   time.Duration
	maxRetries   int
	buildManager *engine.BuildManager
	storageMode  engine.StorageMode
}

// New constructs a Client against baseURL (e.g. "https://example.com:9000").
// storageMode is applied once per image a Pull or Sync call binds, to
// that image's whole layer closure, including layers that were already
// present locally before the call.
func New(config engine.Config, p printer.Printer, baseURL, username, password string, maxRetries int, storageMode engine.StorageMode) *Client {
	return &Client{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		config:       config,
		printer:      p,
		retryDelay:   defaultRetryDelay,
		maxRetries:   maxRetries,
		buildManager: engine.NewBuildManager(config, p),
		storageMode:  storageMode,
	}
}

func (c *Client) authenticatedRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	return req, nil
}

func (c *Client) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return engineerr.Wrap(engineerr.KindPullFailed, "exhausted retries", lastErr)
}

// ListImages fetches every image binding the registry knows about.
func (c *Client) ListImages() ([]state.Image, error) {
	req, err := c.authenticatedRequest(http.MethodGet, "/images", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindRegistry, "listing images failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var images []state.Image
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, fmt.Errorf("decoding image list: %w", err)
	}
	return images, nil
}

type resolveImageResponse struct {
	Image state.Image `json:"image"`
	Size  int64       `json:"size"`
}

// ResolveImage resolves tag on the remote registry.
func (c *Client) ResolveImage(tag reference.ImageTag) (state.Image, error) {
	req, err := c.authenticatedRequest(http.MethodGet, "/images/"+tag.String(), nil)
	if err != nil {
		return state.Image{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return state.Image{}, engineerr.Wrap(engineerr.KindRegistry, "resolving image failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return state.Image{}, err
	}

	var decoded resolveImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return state.Image{}, fmt.Errorf("decoding resolved image: %w", err)
	}
	return decoded.Image, nil
}

func (c *Client) downloadManifest(hash reference.ImageId) (state.Layer, error) {
	req, err := c.authenticatedRequest(http.MethodGet, "/layers/"+string(hash)+"/manifest", nil)
	if err != nil {
		return state.Layer{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return state.Layer{}, engineerr.Wrap(engineerr.KindRegistry, "downloading manifest failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return state.Layer{}, err
	}

	var layer state.Layer
	if err := json.NewDecoder(resp.Body).Decode(&layer); err != nil {
		return state.Layer{}, fmt.Errorf("decoding layer manifest: %w", err)
	}
	return layer, nil
}

func (c *Client) downloadFile(hash reference.ImageId, index int, destPath string) error {
	req, err := c.authenticatedRequest(http.MethodGet, fmt.Sprintf("/layers/%s/download/%d", hash, index), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engineerr.Wrap(engineerr.KindRegistry, "downloading layer file failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to create downloaded file", destPath, err)
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

// Pull resolves ref on the remote registry, then walks its closure
// depth-first, downloading every layer not already present locally.
// On success the image is bound locally under newTag (or the resolved
// tag if newTag is the zero value).
func (c *Client) Pull(ws *state.WriteSession, layerManager *engine.LayerManager, tag reference.ImageTag, newTag *reference.ImageTag) error {
	remoteImage, err := c.ResolveImage(tag)
	if err != nil {
		return err
	}

	stack := []reference.ImageId{remoteImage.Hash}
	seen := map[reference.ImageId]bool{}
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[hash] {
			continue
		}
		seen[hash] = true

		if layerManager.LayerExists(&ws.Session, hash) {
			continue
		}

		var layer state.Layer
		err := c.withRetry(func() error {
			var downloadErr error
			layer, downloadErr = c.downloadManifest(hash)
			return downloadErr
		})
		if err != nil {
			return err
		}

		dir := c.config.LayerDir(string(hash))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return engineerr.WithPath(engineerr.KindIO, "failed to create layer directory", dir, err)
		}

		fileIndex := 0
		for i := range layer.Operations {
			op := &layer.Operations[i]
			if op.Kind != state.OpFile {
				continue
			}
			blobName := filepath.Base(op.SourcePath)
			destPath := filepath.Join(dir, blobName)

			index := fileIndex
			fileIndex++
			err := c.withRetry(func() error {
				return c.downloadFile(hash, index, destPath)
			})
			if err != nil {
				return err
			}
			c.printer.Println(fmt.Sprintf("\t* Downloading file -> %s", destPath))
			op.SourcePath = blobName
		}

		ws.InsertOrReplaceLayer(layer)

		for _, op := range layer.Operations {
			if op.Kind == state.OpImage {
				stack = append(stack, op.ImageHash)
			}
		}
		if layer.ParentHash != nil {
			stack = append(stack, *layer.ParentHash)
		}
	}

	boundTag := tag
	if newTag != nil {
		boundTag = *newTag
	}
	ws.InsertOrReplaceImage(state.Image{Hash: remoteImage.Hash, Tag: boundTag, Created: time.Now().UTC()})

	if err := c.buildManager.ApplyStorageMode(ws, layerManager, remoteImage.Hash.ToReference(), c.storageMode); err != nil {
		return err
	}
	return nil
}

type bindImageRequest struct {
	Hash string `json:"hash"`
	Tag  string `json:"tag"`
}

type uploadManifestResult struct {
	Status   string `json:"status"`
	UploadID string `json:"upload_id,omitempty"`
}

// Push walks tag's closure depth-first, uploading every layer the
// remote doesn't already have, then binds (hash, tag) remotely.
func (c *Client) Push(s *state.Session, layerManager *engine.LayerManager, tag reference.ImageTag) error {
	hash, err := layerManager.FullyQualifyReference(s, tag.ToReference())
	if err != nil {
		return engineerr.NotFound(tag.String())
	}

	stack := []reference.ImageId{hash}
	seen := map[reference.ImageId]bool{}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[current] {
			continue
		}
		seen[current] = true

		layer, ok := s.GetLayer(current)
		if !ok {
			return engineerr.NotFound(string(current))
		}

		if err := c.uploadLayer(layer); err != nil {
			return err
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

	body, _ := json.Marshal(bindImageRequest{Hash: string(hash), Tag: tag.String()})
	req, err := c.authenticatedRequest(http.MethodPost, "/images", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engineerr.Wrap(engineerr.KindRegistry, "binding remote image failed", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) uploadLayer(layer state.Layer) error {
	body, err := json.Marshal(layer)
	if err != nil {
		return fmt.Errorf("encoding layer manifest: %w", err)
	}

	req, err := c.authenticatedRequest(http.MethodPost, "/layers/manifest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engineerr.Wrap(engineerr.KindRegistry, "uploading manifest failed", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var result uploadManifestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding upload-manifest result: %w", err)
	}
	if result.Status == "already_exist" {
		return nil
	}

	fileIndex := 0
	for _, op := range layer.Operations {
		if op.Kind != state.OpFile {
			continue
		}
		path := filepath.Join(c.config.LayerDir(string(layer.Hash)), filepath.Base(op.SourcePath))
		index := fileIndex
		fileIndex++

		if err := c.withRetry(func() error {
			return c.uploadFile(layer.Hash, index, result.UploadID, path)
		}); err != nil {
			return err
		}
		c.printer.Println(fmt.Sprintf("\t* Uploading file %s", path))
	}

	return nil
}

func (c *Client) uploadFile(hash reference.ImageId, index int, uploadID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return engineerr.WithPath(engineerr.KindIO, "failed to open layer blob for upload", path, err)
	}
	defer f.Close()

	req, err := c.authenticatedRequest(http.MethodPost, fmt.Sprintf("/layers/%s/upload/%d", hash, index), f)
	if err != nil {
		return err
	}
	req.Header.Set("X-Upload-Id", uploadID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return engineerr.Wrap(engineerr.KindRegistry, "uploading layer file failed", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// DownloadResult reports sync's outcome.
type DownloadResult struct {
	PulledImages []reference.ImageTag
}

// Sync lists every image on the source registry and, for each, pulls
// any layer not yet present locally via before/commit hooks so callers
// can cooperate with peers over the pending_uploads table: before
// pulling a layer, beforeLayerPull is consulted (false skips that
// layer's image entirely); after a successful download, commitLayer
// decides whether to keep going (false abandons the image).
func (c *Client) Sync(
	ws *state.WriteSession,
	layerManager *engine.LayerManager,
	destRegistry string,
	beforeLayerPull func(hash reference.ImageId) bool,
	commitLayer func(hash reference.ImageId) bool,
) (DownloadResult, error) {
	images, err := c.ListImages()
	if err != nil {
		return DownloadResult{}, err
	}

	result := DownloadResult{}

	for _, remoteImage := range images {
		abandoned := false

		stack := []reference.ImageId{remoteImage.Hash}
		seen := map[reference.ImageId]bool{}
		for len(stack) > 0 && !abandoned {
			hash := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[hash] {
				continue
			}
			seen[hash] = true

			if layerManager.LayerExists(&ws.Session, hash) {
				continue
			}
			if beforeLayerPull != nil && !beforeLayerPull(hash) {
				abandoned = true
				break
			}

			var layer state.Layer
			err := c.withRetry(func() error {
				var downloadErr error
				layer, downloadErr = c.downloadManifest(hash)
				return downloadErr
			})
			if err != nil {
				abandoned = true
				break
			}

			dir := c.config.LayerDir(string(hash))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				abandoned = true
				break
			}

			fileIndex := 0
			downloadFailed := false
			for i := range layer.Operations {
				op := &layer.Operations[i]
				if op.Kind != state.OpFile {
					continue
				}
				blobName := filepath.Base(op.SourcePath)
				destPath := filepath.Join(dir, blobName)
				index := fileIndex
				fileIndex++

				if err := c.withRetry(func() error { return c.downloadFile(hash, index, destPath) }); err != nil {
					downloadFailed = true
					break
				}
				op.SourcePath = blobName
			}
			if downloadFailed {
				abandoned = true
				break
			}

			ws.InsertOrReplaceLayer(layer)

			if commitLayer != nil && !commitLayer(hash) {
				abandoned = true
				break
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

		if abandoned {
			continue
		}

		tag := remoteImage.Tag
		tag.SetRegistry(destRegistry)
		ws.InsertOrReplaceImage(state.Image{Hash: remoteImage.Hash, Tag: tag, Created: time.Now().UTC()})

		if err := c.buildManager.ApplyStorageMode(ws, layerManager, remoteImage.Hash.ToReference(), c.storageMode); err != nil {
			return result, err
		}
		result.PulledImages = append(result.PulledImages, tag)
	}

	return result, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &engineerr.Error{Kind: engineerr.KindUnauthorized, Message: body.Error}
	case http.StatusNotFound:
		return &engineerr.Error{Kind: engineerr.KindNotFound, Message: body.Error}
	default:
		return &engineerr.Error{Kind: engineerr.KindRegistry, Message: body.Error}
	}
}

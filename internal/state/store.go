// Package state implements the engine's on-disk catalogue: layers,
// images, unpackings, users, and the content-hash cache, held in memory
// behind a single mutex and flushed to disk as one file, exactly the way
// the teacher's BlobStore holds its manifest/blob index in memory and
// persists it through plain file writes.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glennswest/labar/internal/reference"
)

// LinkType selects how a File operation is materialised on unpack.
type LinkType int

const (
	LinkHard LinkType = iota
	LinkSoft
)

func (l LinkType) String() string {
	if l == LinkSoft {
		return "soft"
	}
	return "hard"
}

// Operation is one step of a layer: Directory, File, CompressedFile, or
// a reference to another Image's top layer.
type Operation struct {
	Kind                  OperationKind `json:"kind"`
	Path                  string        `json:"path,omitempty"`
	SourcePath            string        `json:"source_path,omitempty"`
	ContentHash           string        `json:"content_hash,omitempty"`
	CompressedContentHash string        `json:"compressed_content_hash,omitempty"`
	LinkType              LinkType      `json:"link_type,omitempty"`
	Writable              bool          `json:"writable,omitempty"`
	ImageHash             reference.ImageId `json:"image_hash,omitempty"`
}

// OperationKind tags the variant of an Operation, playing the role the
// original's LayerOperation enum discriminant plays.
type OperationKind int

const (
	OpImage OperationKind = iota
	OpDirectory
	OpFile
	OpCompressedFile
)

// CanonicalString returns the per-operation contribution to a layer's
// canonical hash accumulator, exactly as specified: File/CompressedFile
// contribute path+relative_source_path+content_hash+link_type+writable
// concatenated with no separators; Directory contributes its path;
// Image contributes the referenced hash.
func (op Operation) CanonicalString() string {
	switch op.Kind {
	case OpImage:
		return op.ImageHash.String()
	case OpDirectory:
		return op.Path
	default: // OpFile, OpCompressedFile
		writable := "false"
		if op.Writable {
			writable = "true"
		}
		return op.Path + op.SourcePath + op.ContentHash + op.LinkType.String() + writable
	}
}

// Layer is an immutable, hash-identified ordered sequence of operations
// over an optional parent.
type Layer struct {
	ParentHash *reference.ImageId `json:"parent_hash,omitempty"`
	Hash       reference.ImageId  `json:"hash"`
	Operations []Operation        `json:"operations"`
	Created    time.Time          `json:"created"`
}

// FileOperationAt returns the nth File/CompressedFile-variant operation,
// skipping Directory and Image operations, matching get_file_operation.
func (l Layer) FileOperationAt(index int) (Operation, bool) {
	n := 0
	for _, op := range l.Operations {
		if op.Kind == OpFile || op.Kind == OpCompressedFile {
			if n == index {
				return op, true
			}
			n++
		}
	}
	return Operation{}, false
}

// Image binds a human tag to a top layer hash.
type Image struct {
	Hash    reference.ImageId  `json:"hash"`
	Tag     reference.ImageTag `json:"tag"`
	Created time.Time          `json:"created"`
}

// Unpacking records a materialised image at a destination directory.
type Unpacking struct {
	Hash        reference.ImageId `json:"hash"`
	Destination string            `json:"destination"`
	Time        time.Time         `json:"time"`
}

// ContentHashCacheKey keys the content-hash cache by source path and
// modification time in milliseconds, the same granularity the original
// uses to avoid re-hashing unchanged files.
type ContentHashCacheKey struct {
	SourcePath string `json:"source_path"`
	ModifiedMs int64  `json:"modified_ms"`
}

// PendingUpload tracks an in-progress layer upload session on the
// registry server.
type PendingUpload struct {
	UploadId  string    `json:"upload_id"`
	LayerHash reference.ImageId `json:"layer_hash"`
	Created   time.Time `json:"created"`
}

// Credential is a registry user: a username, a hashed password, and the
// flat set of access rights granted to them.
type Credential struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	AccessRights []string `json:"access_rights"`
}

// catalogue is the whole-file JSON representation flushed to disk.
type catalogue struct {
	Layers        []Layer                        `json:"layers"`
	Images        []Image                         `json:"images"`
	Unpackings    []Unpacking                      `json:"unpackings"`
	Users         []Credential                     `json:"users"`
	ContentHashes map[string]string                `json:"content_hashes"`
	PendingUploads []PendingUpload                 `json:"pending_uploads"`
}

func newCatalogue() catalogue {
	return catalogue{ContentHashes: map[string]string{}}
}

// Store is the single-writer/multi-reader catalogue, guarded by one
// sync.RWMutex exactly as the teacher's BlobStore guards its maps.
type Store struct {
	path string
	mu   sync.RWMutex
	data catalogue
}

// Open loads the catalogue from path (base/state.db), creating an empty
// one if it does not yet exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: newCatalogue()}

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	if err := json.Unmarshal(content, &s.data); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.data.ContentHashes == nil {
		s.data.ContentHashes = map[string]string{}
	}
	return s, nil
}

// flush writes the whole catalogue to a temp file and renames it over
// the target path, matching the teacher's tmp-then-rename durability
// idiom used elsewhere in the pack for atomic file replacement.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming temp state file: %w", err)
	}
	return nil
}

// Session is a read-only view into the catalogue, released implicitly
// when the caller stops using it (there is no explicit Close — callers
// acquire one scope per read, matching the short-lived RLock pattern in
// pkg/registry/store.go).
type Session struct {
	store *Store
}

// WriteSession is a read/write view; Store.Update persists the catalogue
// once the callback holding it returns without error.
type WriteSession struct {
	Session
}

// View runs fn with a read lock held, releasing it via defer exactly as
// BlobStore.GetBlob/HasBlob do.
func (s *Store) View(fn func(*Session) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Session{store: s})
}

// Update runs fn with a write lock held, flushing the catalogue to disk
// afterward if fn succeeds.
func (s *Store) Update(fn func(*WriteSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := &WriteSession{Session{store: s}}
	if err := fn(ws); err != nil {
		return err
	}
	return s.flush()
}

func (s *Session) layerIndex(hash reference.ImageId) int {
	for i, l := range s.store.data.Layers {
		if l.Hash == hash {
			return i
		}
	}
	return -1
}

// GetLayer returns the layer with the given hash.
func (s *Session) GetLayer(hash reference.ImageId) (Layer, bool) {
	if i := s.layerIndex(hash); i >= 0 {
		return s.store.data.Layers[i], true
	}
	return Layer{}, false
}

// LayerExists reports whether a layer with the given hash is known.
func (s *Session) LayerExists(hash reference.ImageId) bool {
	return s.layerIndex(hash) >= 0
}

// AllLayers returns every known layer.
func (s *Session) AllLayers() []Layer {
	out := make([]Layer, len(s.store.data.Layers))
	copy(out, s.store.data.Layers)
	return out
}

// InsertLayer adds a new layer. It returns an error if the hash already
// exists, matching insert_layer's strict semantics (insert_or_replace_layer
// is the permissive counterpart).
func (ws *WriteSession) InsertLayer(layer Layer) error {
	if ws.store.layerIndexLocked(layer.Hash) >= 0 {
		return fmt.Errorf("layer %s already exists", layer.Hash)
	}
	ws.store.data.Layers = append(ws.store.data.Layers, layer)
	return nil
}

// InsertOrReplaceLayer inserts layer, replacing any existing layer with
// the same hash.
func (ws *WriteSession) InsertOrReplaceLayer(layer Layer) {
	if i := ws.store.layerIndexLocked(layer.Hash); i >= 0 {
		ws.store.data.Layers[i] = layer
		return
	}
	ws.store.data.Layers = append(ws.store.data.Layers, layer)
}

// RemoveLayer deletes the layer with the given hash, if present.
func (ws *WriteSession) RemoveLayer(hash reference.ImageId) {
	if i := ws.store.layerIndexLocked(hash); i >= 0 {
		ws.store.data.Layers = append(ws.store.data.Layers[:i], ws.store.data.Layers[i+1:]...)
	}
}

func (s *Store) layerIndexLocked(hash reference.ImageId) int {
	for i, l := range s.data.Layers {
		if l.Hash == hash {
			return i
		}
	}
	return -1
}

// GetImage resolves a tag to its Image binding.
func (s *Session) GetImage(tag reference.ImageTag) (Image, bool) {
	for _, img := range s.store.data.Images {
		if img.Tag == tag {
			return img, true
		}
	}
	return Image{}, false
}

// AllImages returns every known image binding.
func (s *Session) AllImages() []Image {
	out := make([]Image, len(s.store.data.Images))
	copy(out, s.store.data.Images)
	return out
}

// InsertOrReplaceImage inserts img, replacing any existing binding with
// the same tag.
func (ws *WriteSession) InsertOrReplaceImage(img Image) {
	for i, existing := range ws.store.data.Images {
		if existing.Tag == img.Tag {
			ws.store.data.Images[i] = img
			return
		}
	}
	ws.store.data.Images = append(ws.store.data.Images, img)
}

// RemoveImage deletes the image binding for tag, if present.
func (ws *WriteSession) RemoveImage(tag reference.ImageTag) {
	for i, existing := range ws.store.data.Images {
		if existing.Tag == tag {
			ws.store.data.Images = append(ws.store.data.Images[:i], ws.store.data.Images[i+1:]...)
			return
		}
	}
}

// FullyQualifyReference resolves a Reference to a layer hash: an ImageId
// passes through, an ImageTag is looked up among images.
func (s *Session) FullyQualifyReference(ref reference.Reference) (reference.ImageId, error) {
	if id, ok := reference.AsImageId(ref); ok {
		return id, nil
	}
	tag, _ := reference.AsImageTag(ref)
	img, ok := s.GetImage(tag)
	if !ok {
		return "", fmt.Errorf("could not find the image: %s", tag)
	}
	return img.Hash, nil
}

// GetContentHash looks up a cached content hash by source path and
// modification time in milliseconds.
func (s *Session) GetContentHash(sourcePath string, modifiedMs int64) (string, bool) {
	key := contentHashKey(sourcePath, modifiedMs)
	hash, ok := s.store.data.ContentHashes[key]
	return hash, ok
}

// PutContentHash caches a content hash under source path and modification
// time.
func (ws *WriteSession) PutContentHash(sourcePath string, modifiedMs int64, hash string) {
	ws.store.data.ContentHashes[contentHashKey(sourcePath, modifiedMs)] = hash
}

func contentHashKey(sourcePath string, modifiedMs int64) string {
	return fmt.Sprintf("%s@%d", sourcePath, modifiedMs)
}

// AllUnpackings returns every known unpacking record.
func (s *Session) AllUnpackings() []Unpacking {
	out := make([]Unpacking, len(s.store.data.Unpackings))
	copy(out, s.store.data.Unpackings)
	return out
}

// FindUnpacking locates the unpacking whose destination matches dest.
func (s *Session) FindUnpacking(dest string) (Unpacking, bool) {
	for _, u := range s.store.data.Unpackings {
		if u.Destination == dest {
			return u, true
		}
	}
	return Unpacking{}, false
}

// InsertUnpacking records a new unpacking.
func (ws *WriteSession) InsertUnpacking(u Unpacking) {
	ws.store.data.Unpackings = append(ws.store.data.Unpackings, u)
}

// RemoveUnpacking deletes the unpacking record for dest, if present.
func (ws *WriteSession) RemoveUnpacking(dest string) {
	for i, u := range ws.store.data.Unpackings {
		if u.Destination == dest {
			ws.store.data.Unpackings = append(ws.store.data.Unpackings[:i], ws.store.data.Unpackings[i+1:]...)
			return
		}
	}
}

// GetUser looks up a credential by username.
func (s *Session) GetUser(username string) (Credential, bool) {
	for _, u := range s.store.data.Users {
		if u.Username == username {
			return u, true
		}
	}
	return Credential{}, false
}

// AnyUsers reports whether any user exists.
func (s *Session) AnyUsers() bool {
	return len(s.store.data.Users) > 0
}

// PutUser inserts or replaces a credential.
func (ws *WriteSession) PutUser(c Credential) {
	for i, u := range ws.store.data.Users {
		if u.Username == c.Username {
			ws.store.data.Users[i] = c
			return
		}
	}
	ws.store.data.Users = append(ws.store.data.Users, c)
}

// RemoveUser deletes the credential for username, if present.
func (ws *WriteSession) RemoveUser(username string) {
	for i, u := range ws.store.data.Users {
		if u.Username == username {
			ws.store.data.Users = append(ws.store.data.Users[:i], ws.store.data.Users[i+1:]...)
			return
		}
	}
}

// AllPendingUploads returns every tracked pending upload.
func (s *Session) AllPendingUploads() []PendingUpload {
	out := make([]PendingUpload, len(s.store.data.PendingUploads))
	copy(out, s.store.data.PendingUploads)
	return out
}

// PutPendingUpload records a new pending upload session.
func (ws *WriteSession) PutPendingUpload(p PendingUpload) {
	ws.store.data.PendingUploads = append(ws.store.data.PendingUploads, p)
}

// RemovePendingUpload deletes the pending upload with the given id.
func (ws *WriteSession) RemovePendingUpload(uploadID string) {
	for i, p := range ws.store.data.PendingUploads {
		if p.UploadId == uploadID {
			ws.store.data.PendingUploads = append(ws.store.data.PendingUploads[:i], ws.store.data.PendingUploads[i+1:]...)
			return
		}
	}
}

// ExpirePendingUploads drops pending uploads older than maxAge relative
// to now, matching the registry config's pending_upload_expiration.
func (ws *WriteSession) ExpirePendingUploads(now time.Time, maxAge time.Duration) {
	kept := ws.store.data.PendingUploads[:0]
	for _, p := range ws.store.data.PendingUploads {
		if now.Sub(p.Created) <= maxAge {
			kept = append(kept, p)
		}
	}
	ws.store.data.PendingUploads = kept
}

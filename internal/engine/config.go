// Package engine implements the build, unpack, garbage-collection and
// compression managers: the core operations over the content-addressed
// layer store. Config is the module's one implicit global — every
// manager takes it by value and derives paths from it, mirroring the
// original's ImageManagerConfig.
package engine

import "path/filepath"

// Config holds the base directory the engine stores layers and
// unpackings under.
type Config struct {
	BaseDir string
}

// LayersDir is base/layers, where every layer's materialised blobs live.
func (c Config) LayersDir() string {
	return filepath.Join(c.BaseDir, "layers")
}

// LayerDir is the directory holding one layer's manifest and blobs.
func (c Config) LayerDir(hash string) string {
	return filepath.Join(c.LayersDir(), hash)
}

// StatePath is the catalogue file tracked by internal/state.
func (c Config) StatePath() string {
	return filepath.Join(c.BaseDir, "state.db")
}

// WriteLockPath is the advisory lock guarding catalogue mutation.
func (c Config) WriteLockPath() string {
	return filepath.Join(c.BaseDir, "write_lock")
}

// UnpackLockPath is the advisory lock guarding unpacking mutation.
func (c Config) UnpackLockPath() string {
	return filepath.Join(c.BaseDir, "unpack_lock")
}

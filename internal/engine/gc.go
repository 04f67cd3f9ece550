package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// GC sweeps layer directories unreachable from any image or unpacking
// root, grounded on the reachability walk in
// original_source/src/image_manager/layer.rs's find_used_layers, but
// driven by an explicit work-stack instead of recursion to avoid deep
// call stacks over long parent chains.
type GC struct {
	config  Config
	printer printer.Printer
}

// NewGC constructs a GC.
func NewGC(config Config, p printer.Printer) *GC {
	return &GC{config: config, printer: p}
}

// Collect computes the set of layers reachable from every image
// binding and every unpacking, then removes every on-disk layer
// directory not in that set. Per-layer removal failures are logged and
// do not abort the sweep.
func (g *GC) Collect(ws *state.WriteSession) error {
	used := g.reachable(&ws.Session)

	entries, err := os.ReadDir(g.config.LayersDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading layers directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		hash := reference.ImageId(entry.Name())
		if used[hash] {
			continue
		}

		dir := filepath.Join(g.config.LayersDir(), entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			g.printer.Println(fmt.Sprintf("failed to remove unreferenced layer %s: %v", hash, err))
			continue
		}
		ws.RemoveLayer(hash)
		g.printer.Println(fmt.Sprintf("removed unreferenced layer %s", hash))
	}

	return nil
}

// reachable walks every root (image bindings and unpackings) via an
// explicit stack over parent_hash and Image-operation edges.
func (g *GC) reachable(s *state.Session) map[reference.ImageId]bool {
	used := map[reference.ImageId]bool{}

	var roots []reference.ImageId
	for _, img := range s.AllImages() {
		roots = append(roots, img.Hash)
	}
	for _, u := range s.AllUnpackings() {
		roots = append(roots, u.Hash)
	}

	stack := append([]reference.ImageId{}, roots...)
	for len(stack) > 0 {
		hash := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if used[hash] {
			continue
		}
		used[hash] = true

		layer, ok := s.GetLayer(hash)
		if !ok {
			continue
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

	return used
}

// CleanOldImages removes every image binding created before now-maxAge,
// then runs a trailing Collect pass so the layers they alone kept alive
// are swept too.
func (g *GC) CleanOldImages(ws *state.WriteSession, now time.Time, maxAge time.Duration) error {
	for _, img := range ws.AllImages() {
		if now.Sub(img.Created) > maxAge {
			ws.RemoveImage(img.Tag)
		}
	}
	return g.Collect(ws)
}

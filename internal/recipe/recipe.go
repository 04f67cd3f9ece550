// Package recipe implements the engine's image-definition grammar: a
// small Dockerfile-like text language (FROM/COPY/MKDIR/IMAGE/BEGIN
// LAYER/END) that parses into an ordered list of layer definitions, and
// the expander that turns COPY-of-a-directory into the deterministic,
// flattened Directory+File operation sequence the build manager hashes.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/glennswest/labar/internal/engineerr"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/state"
)

// OperationDefinition is a not-yet-expanded step parsed from the
// recipe text: either an image reference, an explicit directory, or a
// copy (which may itself expand into many File/Directory operations).
type OperationDefinition struct {
	Kind       DefinitionKind
	Reference  reference.Reference
	Path       string
	SourcePath string
	LinkType   state.LinkType
	Writable   bool
}

// DefinitionKind orders the same way the original's derived Ord does:
// Image, Directory, File — this ordering drives the "directories before
// files" sort used by directory expansion.
type DefinitionKind int

const (
	DefImage DefinitionKind = iota
	DefDirectory
	DefFile
)

// LayerDefinition is one parsed layer: either a single-line COPY/MKDIR/
// IMAGE, or a BEGIN LAYER ... END block grouping several.
type LayerDefinition struct {
	InputLine  string
	Operations []OperationDefinition
}

// ImageDefinition is a fully parsed recipe: an optional base image and
// an ordered list of layer definitions.
type ImageDefinition struct {
	BaseImage *reference.Reference
	Layers    []LayerDefinition
}

var varDollar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
var varBraced = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substitute performs fixed-point $NAME then ${NAME} substitution on a
// single argument, matching the original's two separate while-loops
// (one regex driven fully to a fixed point before the other begins).
func substitute(arg string, vars map[string]string) string {
	for {
		replaced := varDollar.ReplaceAllStringFunc(arg, func(m string) string {
			name := varDollar.FindStringSubmatch(m)[1]
			if v, ok := vars[name]; ok {
				return v
			}
			return m
		})
		if replaced == arg {
			break
		}
		arg = replaced
	}
	for {
		replaced := varBraced.ReplaceAllStringFunc(arg, func(m string) string {
			name := varBraced.FindStringSubmatch(m)[1]
			if v, ok := vars[name]; ok {
				return v
			}
			return m
		})
		if replaced == arg {
			break
		}
		arg = replaced
	}
	return arg
}

// tokenize splits a line into whitespace-separated parts, treating a
// double-quoted segment as a single token.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	hasCur := false

	flush := func() {
		if hasCur {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasCur = false
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			hasCur = true
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
			hasCur = true
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	flush()
	return tokens, nil
}

func parseErr(message, line string) error {
	return engineerr.WithLine(engineerr.KindParse, message, line, nil)
}

// Parse parses recipe text into an ImageDefinition, substituting vars
// into every argument (never the command token) to a fixed point.
func Parse(content string, vars map[string]string) (*ImageDefinition, error) {
	def := &ImageDefinition{}

	var subLayerOps []OperationDefinition
	var subLayerLines []string
	insideSubLayer := false

	finishLayer := func(inputLine string, ops []OperationDefinition) {
		def.Layers = append(def.Layers, LayerDefinition{InputLine: inputLine, Operations: ops})
	}

	for _, rawLine := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(rawLine)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		tokens, err := tokenize(trimmed)
		if err != nil {
			return nil, parseErr(err.Error(), trimmed)
		}
		if len(tokens) == 0 {
			continue
		}

		command := tokens[0]
		args := make([]string, len(tokens)-1)
		for i, a := range tokens[1:] {
			args[i] = substitute(a, vars)
		}

		switch command {
		case "BEGIN":
			if insideSubLayer {
				return nil, parseErr("already within a BEGIN LAYER block", trimmed)
			}
			if len(args) != 1 {
				return nil, parseErr("expected a subcommand after BEGIN", trimmed)
			}
			if args[0] != "LAYER" {
				return nil, parseErr(fmt.Sprintf("invalid subcommand: %q", args[0]), trimmed)
			}
			insideSubLayer = true
			subLayerOps = nil
			subLayerLines = nil

		case "END":
			if !insideSubLayer {
				return nil, parseErr("END without a matching BEGIN LAYER", trimmed)
			}
			if len(args) != 0 {
				return nil, parseErr(fmt.Sprintf("expected 0 arguments, got %d", len(args)), trimmed)
			}
			insideSubLayer = false
			finishLayer(strings.Join(subLayerLines, "\n"), subLayerOps)
			subLayerOps = nil
			subLayerLines = nil

		case "FROM":
			if len(args) != 1 {
				return nil, parseErr(fmt.Sprintf("expected 1 argument, got %d", len(args)), trimmed)
			}
			ref, err := reference.Parse(args[0])
			if err != nil {
				return nil, parseErr(err.Error(), trimmed)
			}
			def.BaseImage = &ref

		case "MKDIR":
			if len(args) != 1 {
				return nil, parseErr(fmt.Sprintf("expected 1 argument, got %d", len(args)), trimmed)
			}
			op := OperationDefinition{Kind: DefDirectory, Path: args[0]}
			if insideSubLayer {
				subLayerOps = append(subLayerOps, op)
				subLayerLines = append(subLayerLines, trimmed)
			} else {
				finishLayer(trimmed, []OperationDefinition{op})
			}

		case "IMAGE":
			if len(args) != 1 {
				return nil, parseErr(fmt.Sprintf("expected 1 argument, got %d", len(args)), trimmed)
			}
			ref, err := reference.Parse(args[0])
			if err != nil {
				return nil, parseErr(err.Error(), trimmed)
			}
			op := OperationDefinition{Kind: DefImage, Reference: ref}
			if insideSubLayer {
				subLayerOps = append(subLayerOps, op)
				subLayerLines = append(subLayerLines, trimmed)
			} else {
				finishLayer(trimmed, []OperationDefinition{op})
			}

		case "COPY":
			op, err := parseCopy(args, trimmed)
			if err != nil {
				return nil, err
			}
			if insideSubLayer {
				subLayerOps = append(subLayerOps, op)
				subLayerLines = append(subLayerLines, trimmed)
			} else {
				finishLayer(trimmed, []OperationDefinition{op})
			}

		default:
			return nil, parseErr(fmt.Sprintf("unknown command: %q", command), trimmed)
		}
	}

	if insideSubLayer {
		return nil, parseErr("BEGIN LAYER block was never closed with END", strings.Join(subLayerLines, "\n"))
	}

	return def, nil
}

func parseCopy(args []string, line string) (OperationDefinition, error) {
	linkType := state.LinkHard
	writable := false

	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "--") {
		flag := args[i]
		switch {
		case strings.HasPrefix(flag, "--link="):
			value := strings.TrimPrefix(flag, "--link=")
			if value == "soft" {
				linkType = state.LinkSoft
			} else {
				linkType = state.LinkHard
			}
		case strings.HasPrefix(flag, "--writable="):
			value := strings.TrimPrefix(flag, "--writable=")
			writable = value == "yes" || value == "true"
		default:
			return OperationDefinition{}, parseErr(fmt.Sprintf("unknown flag: %q", flag), line)
		}
		i++
	}

	positional := args[i:]
	if len(positional) != 2 {
		return OperationDefinition{}, parseErr(fmt.Sprintf("expected 2 arguments, got %d", len(positional)), line)
	}

	return OperationDefinition{
		Kind:       DefFile,
		SourcePath: positional[0],
		Path:       positional[1],
		LinkType:   linkType,
		Writable:   writable,
	}, nil
}

// CreateFromDirectory builds an implicit definition straight from a
// directory with no recipe file: one layer per top-level sub-directory
// (recursively expanded by a later Expand(directory) call) and one
// layer per root file, both sorted lexically, matching
// ImageDefinition::create_from_directory's two-list split. Unlike the
// original, source paths are stored relative to directory (not
// absolute) so the later Expand step — which rejects absolute source
// paths — can resolve them directly against directory as the build
// context.
func CreateFromDirectory(directory string) (*ImageDefinition, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, engineerr.WithPath(engineerr.KindIO, "failed to read directory", directory, err)
	}

	var dirNames []string
	var fileNames []string
	for _, e := range entries {
		if e.IsDir() {
			dirNames = append(dirNames, e.Name())
		} else {
			fileNames = append(fileNames, e.Name())
		}
	}
	sort.Strings(dirNames)
	sort.Strings(fileNames)

	def := &ImageDefinition{}
	for _, name := range dirNames {
		def.Layers = append(def.Layers, LayerDefinition{
			Operations: []OperationDefinition{
				{Kind: DefFile, Path: name, SourcePath: name, LinkType: state.LinkHard, Writable: false},
			},
		})
	}
	for _, name := range fileNames {
		def.Layers = append(def.Layers, LayerDefinition{
			Operations: []OperationDefinition{
				{Kind: DefFile, Path: name, SourcePath: name, LinkType: state.LinkHard, Writable: false},
			},
		})
	}

	return def, nil
}

// ExpandLayerOperations expands one layer's operations against
// buildContext, exported for callers (the build manager) that expand a
// layer at a time rather than a whole definition at once, matching the
// original's per-layer .expand(build_context) call inside the build
// loop.
func ExpandLayerOperations(buildContext string, ops []OperationDefinition) ([]OperationDefinition, error) {
	return expandOperations(buildContext, ops)
}

// Expand resolves every COPY-of-a-directory in def against buildContext
// into the deterministic flattened Directory+File sequence, in place.
func (def *ImageDefinition) Expand(buildContext string) error {
	for i := range def.Layers {
		expanded, err := expandOperations(buildContext, def.Layers[i].Operations)
		if err != nil {
			return err
		}
		def.Layers[i].Operations = expanded
	}
	return nil
}

func expandOperations(buildContext string, ops []OperationDefinition) ([]OperationDefinition, error) {
	var out []OperationDefinition
	for _, op := range ops {
		if op.Kind != DefFile {
			out = append(out, op)
			continue
		}

		if filepath.IsAbs(op.SourcePath) {
			return nil, engineerr.WithPath(engineerr.KindParse, "source path must not be absolute", op.SourcePath, nil)
		}

		resolved := filepath.Join(buildContext, op.SourcePath)
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, engineerr.WithPath(engineerr.KindIO, "source path does not exist", op.SourcePath, err)
		}

		if !info.IsDir() {
			dest := singleFileDestination(op.Path, op.SourcePath)
			out = append(out, OperationDefinition{
				Kind:       DefFile,
				Path:       dest,
				SourcePath: op.SourcePath,
				LinkType:   op.LinkType,
				Writable:   op.Writable,
			})
			continue
		}

		recursive, err := recursiveCopyOperations(resolved, op.SourcePath, op.Path, op.LinkType, op.Writable)
		if err != nil {
			return nil, err
		}
		out = append(out, recursive...)
	}
	return out, nil
}

// singleFileDestination implements the three COPY destination rules: a
// trailing slash joins the source's basename onto the destination
// directory; "." uses the basename alone; otherwise dst is used
// literally.
func singleFileDestination(dst, sourcePath string) string {
	base := filepath.Base(sourcePath)
	switch {
	case strings.HasSuffix(dst, "/"):
		return filepath.Join(dst, base)
	case dst == ".":
		return base
	default:
		return dst
	}
}

type stackEntry struct {
	absPath  string
	relPath  string
	destPath string
}

// recursiveCopyOperations performs an explicit-stack DFS walk of
// sourcePath and returns one Directory op per subdirectory and one File
// op per file, the whole flattened result sorted so that all Directory
// operations (lexically by path) precede all File operations (lexically
// by path) — the original's derived-Ord behaviour on a globally sorted
// slice, not a per-directory grouping.
func recursiveCopyOperations(sourceAbsPath, sourceRelPath, baseDestPath string, linkType state.LinkType, writable bool) ([]OperationDefinition, error) {
	var results []OperationDefinition

	stack := []stackEntry{{absPath: sourceAbsPath, relPath: "", destPath: baseDestPath}}
	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(entry.absPath)
		if err != nil {
			return nil, engineerr.WithPath(engineerr.KindIO, "failed to read directory", entry.absPath, err)
		}

		for _, e := range entries {
			childRel := e.Name()
			if entry.relPath != "" {
				childRel = filepath.Join(entry.relPath, e.Name())
			}
			childAbs := filepath.Join(entry.absPath, e.Name())
			childDest := e.Name()
			if entry.destPath != "." {
				childDest = filepath.Join(entry.destPath, e.Name())
			}

			if e.IsDir() {
				results = append(results, OperationDefinition{Kind: DefDirectory, Path: childDest})
				stack = append(stack, stackEntry{absPath: childAbs, relPath: childRel, destPath: childDest})
			} else {
				results = append(results, OperationDefinition{
					Kind:       DefFile,
					Path:       childDest,
					SourcePath: filepath.Join(sourceRelPath, childRel),
					LinkType:   linkType,
					Writable:   writable,
				})
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Kind != results[j].Kind {
			return results[i].Kind < results[j].Kind
		}
		return results[i].Path < results[j].Path
	})

	return results, nil
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/compresr/ai-gateway/internal/canonical"
)

// Built-in tool names.
const (
	ToolListFiles  = "workspace_list_files"
	ToolReadFile   = "workspace_read_file"
	ToolListModels = "gateway_list_models"
)

const (
	defaultListLimit    = 200
	maxListLimit        = 1000
	defaultMaxReadBytes = 256 * 1024
)

// =============================================================================
// WORKSPACE
// =============================================================================

// Workspace exposes read-only introspection of one directory tree. Paths are
// relative to the root; anything resolving outside it is refused.
type Workspace struct {
	root         string
	maxReadBytes int64
}

// NewWorkspace roots the workspace tools at dir. maxReadBytes <= 0 uses the
// default cap.
func NewWorkspace(dir string, maxReadBytes int64) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if maxReadBytes <= 0 {
		maxReadBytes = defaultMaxReadBytes
	}
	return &Workspace{root: abs, maxReadBytes: maxReadBytes}, nil
}

func (w *Workspace) Name() string { return "workspace" }

func (w *Workspace) ListTools(context.Context) ([]canonical.ToolSpec, error) {
	return []canonical.ToolSpec{
		{
			Name:        ToolListFiles,
			Description: "List files under a directory of the workspace.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string","description":"Directory relative to the workspace root"},` +
				`"recursive":{"type":"boolean"},` +
				`"limit":{"type":"integer","minimum":1,"maximum":1000}},` +
				`"additionalProperties":false}`),
		},
		{
			Name:        ToolReadFile,
			Description: "Read a text file from the workspace.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"path":{"type":"string","minLength":1}},` +
				`"required":["path"],"additionalProperties":false}`),
		},
	}, nil
}

func (w *Workspace) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case ToolListFiles:
		var in struct {
			Path      string `json:"path"`
			Recursive bool   `json:"recursive"`
			Limit     int    `json:"limit"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return w.listFiles(ctx, in.Path, in.Recursive, in.Limit)
	case ToolReadFile:
		var in struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		return w.readFile(in.Path)
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

type fileEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func (w *Workspace) listFiles(ctx context.Context, dir string, recursive bool, limit int) (json.RawMessage, error) {
	rel, err := localPath(dir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	root, err := os.OpenRoot(w.root)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	defer root.Close()
	fsys := root.FS()

	var entries []fileEntry
	truncated := false
	add := func(p string, d fs.DirEntry) bool {
		if len(entries) >= limit {
			truncated = true
			return false
		}
		e := fileEntry{Path: p, Type: "file"}
		if d.IsDir() {
			e.Type = "dir"
		} else if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
		return true
	}

	if recursive {
		err = fs.WalkDir(fsys, rel, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p == rel {
				return nil
			}
			if !add(p, d) {
				return fs.SkipAll
			}
			return nil
		})
	} else {
		var des []fs.DirEntry
		des, err = fs.ReadDir(fsys, rel)
		for _, d := range des {
			if !add(path.Join(rel, d.Name()), d) {
				break
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return json.Marshal(struct {
		Path      string      `json:"path"`
		Entries   []fileEntry `json:"entries"`
		Truncated bool        `json:"truncated"`
	}{Path: rel, Entries: nonNilEntries(entries), Truncated: truncated})
}

func (w *Workspace) readFile(name string) (json.RawMessage, error) {
	rel, err := localPath(name)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(w.root)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read %s: is a directory", name)
	}

	data, err := io.ReadAll(io.LimitReader(f, w.maxReadBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, fmt.Errorf("read %s: binary file", name)
	}
	return json.Marshal(struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Size      int64  `json:"size"`
		Truncated bool   `json:"truncated"`
	}{Path: rel, Content: string(data), Size: info.Size(), Truncated: info.Size() > int64(len(data))})
}

// localPath normalizes a caller path to a slash-separated path that stays
// inside the root. Empty means the root itself.
func localPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ".", nil
	}
	p = filepath.ToSlash(p)
	if path.IsAbs(p) || !filepath.IsLocal(filepath.FromSlash(p)) {
		return "", errors.New("path escapes the workspace root")
	}
	return path.Clean(p), nil
}

func nonNilEntries(e []fileEntry) []fileEntry {
	if e == nil {
		return []fileEntry{}
	}
	return e
}

// =============================================================================
// GATEWAY
// =============================================================================

// ModelLister returns the identifiers currently served.
type ModelLister func(ctx context.Context) ([]string, error)

// Gateway exposes the gateway's own state to the model.
type Gateway struct {
	models ModelLister
}

// NewGateway creates the gateway introspection provider.
func NewGateway(models ModelLister) *Gateway {
	return &Gateway{models: models}
}

func (g *Gateway) Name() string { return "gateway" }

func (g *Gateway) ListTools(context.Context) ([]canonical.ToolSpec, error) {
	return []canonical.ToolSpec{{
		Name:        ToolListModels,
		Description: "List the model identifiers this gateway serves.",
		Schema:      json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
	}}, nil
}

func (g *Gateway) Call(ctx context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	if name != ToolListModels {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	models, err := g.models(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	if models == nil {
		models = []string{}
	}
	return json.Marshal(struct {
		Models []string `json:"models"`
	}{Models: models})
}

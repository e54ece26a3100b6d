package capability

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	maxScanFileSize = 1 << 20
	maxTreeEntries  = 2000
)

// RegisterBuiltins installs the capabilities that ship with the binary.
// File-system capabilities only see paths under root.
func RegisterBuiltins(reg *Registry, root string) error {
	if root == "" {
		root = "."
	}
	ws := workspace{root: root}
	builtins := []struct {
		cap     Capability
		handler Handler
	}{
		{
			Capability{
				Name:        "visualize_directory_tree",
				Description: "Render a directory as an indented tree with file and directory counts.",
				Parameters: []Parameter{
					{Name: "path", Type: "string", Description: "directory relative to the workspace"},
					{Name: "max_depth", Type: "integer", Description: "levels to descend (default 3)"},
				},
			},
			ws.directoryTree,
		},
		{
			Capability{
				Name:        "extract_todos",
				Description: "Scan text files for TODO, FIXME, HACK and XXX markers.",
				Parameters: []Parameter{
					{Name: "path", Type: "string", Description: "file or directory relative to the workspace"},
				},
			},
			ws.extractTodos,
		},
		{
			Capability{
				Name:        "convert_data_format",
				Description: "Convert a document between JSON and YAML.",
				Parameters: []Parameter{
					{Name: "content", Type: "string", Description: "document text", Required: true},
					{Name: "from", Type: "string", Description: "json or yaml", Required: true},
					{Name: "to", Type: "string", Description: "json or yaml", Required: true},
				},
			},
			convertDataFormat,
		},
	}
	for _, b := range builtins {
		if err := reg.Register(b.cap, b.handler); err != nil {
			return err
		}
	}
	return nil
}

type workspace struct {
	root string
}

// resolve maps a caller path onto the workspace; ".." cannot escape it.
func (w workspace) resolve(p string) string {
	return filepath.Join(w.root, filepath.Clean("/"+p))
}

func (w workspace) directoryTree(ctx context.Context, args map[string]any) (any, error) {
	dir := w.resolve(stringArg(args, "path", "."))
	depth := intArg(args, "max_depth", 3)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var (
		b            strings.Builder
		dirs, files  int
		entriesShown int
	)
	b.WriteString(filepath.Base(dir) + "/\n")

	var walk func(path, prefix string, level int) error
	walk = func(path, prefix string, level int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if level >= depth || entriesShown >= maxTreeEntries {
			return nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		visible := entries[:0]
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), ".") {
				visible = append(visible, e)
			}
		}
		entries = visible
		for i, e := range entries {
			connector, childPrefix := "├── ", "│   "
			if i == len(entries)-1 {
				connector, childPrefix = "└── ", "    "
			}
			entriesShown++
			if e.IsDir() {
				dirs++
				b.WriteString(prefix + connector + e.Name() + "/\n")
				if err := walk(filepath.Join(path, e.Name()), prefix+childPrefix, level+1); err != nil {
					return err
				}
				continue
			}
			files++
			b.WriteString(prefix + connector + e.Name() + "\n")
		}
		return nil
	}
	if err := walk(dir, "", 0); err != nil {
		return nil, err
	}
	return map[string]any{
		"tree":        strings.TrimRight(b.String(), "\n"),
		"directories": dirs,
		"files":       files,
		"truncated":   entriesShown >= maxTreeEntries,
	}, nil
}

var todoRe = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b[:\s(]*(.*)`)

// Todo is one marker found by extract_todos.
type Todo struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Marker string `json:"marker"`
	Text   string `json:"text"`
}

func (w workspace) extractTodos(ctx context.Context, args map[string]any) (any, error) {
	start := w.resolve(stringArg(args, "path", "."))
	var todos []Todo

	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != start && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		found, err := scanTodos(path)
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			rel = path
		}
		for i := range found {
			found[i].File = rel
		}
		todos = append(todos, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract todos: %w", err)
	}
	return map[string]any{"todos": todos, "count": len(todos)}, nil
}

func scanTodos(path string) ([]Todo, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxScanFileSize {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil
	}

	var out []Todo
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxScanFileSize)
	for n := 1; sc.Scan(); n++ {
		m := todoRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		out = append(out, Todo{Line: n, Marker: m[1], Text: strings.TrimSpace(m[2])})
	}
	return out, sc.Err()
}

func convertDataFormat(_ context.Context, args map[string]any) (any, error) {
	content := stringArg(args, "content", "")
	from := strings.ToLower(stringArg(args, "from", ""))
	to := strings.ToLower(stringArg(args, "to", ""))

	var doc any
	switch from {
	case "json":
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported source format %q", from)
	}

	var out []byte
	var err error
	switch to {
	case "json":
		out, err = json.MarshalIndent(doc, "", "  ")
	case "yaml", "yml":
		out, err = yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("unsupported target format %q", to)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", to, err)
	}
	return map[string]any{"content": string(out), "format": to}, nil
}

func stringArg(args map[string]any, key, def string) string {
	switch v := args[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

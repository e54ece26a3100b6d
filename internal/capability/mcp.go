package capability

import (
	"context"
	"fmt"
	"sort"

	"github.com/nidhogg/taskforge/internal/mcp"
)

// ToolSource is an MCP server connection.
type ToolSource interface {
	Name() string
	ListTools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

// RegisterMCP exposes every tool of every source as "<server>.<tool>".
// Only arguments named in a tool's input schema are forwarded.
func RegisterMCP(reg *Registry, sources ...ToolSource) error {
	for _, src := range sources {
		for _, tool := range src.ListTools() {
			src, tool := src, tool
			params := schemaParameters(tool.InputSchema)
			c := Capability{
				Name:        src.Name() + "." + tool.Name,
				Description: tool.Description,
				Parameters:  params,
			}
			err := reg.Register(c, func(ctx context.Context, args map[string]any) (any, error) {
				res, err := src.CallTool(ctx, tool.Name, filterArgs(args, params))
				if err != nil {
					return nil, err
				}
				if res.IsError {
					return nil, fmt.Errorf("%s.%s: %s", src.Name(), tool.Name, res.Text)
				}
				return res.Text, nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func schemaParameters(schema map[string]any) []Parameter {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	params := make([]Parameter, 0, len(props))
	for name, raw := range props {
		p := Parameter{Name: name, Required: required[name]}
		if def, ok := raw.(map[string]any); ok {
			p.Type, _ = def["type"].(string)
			p.Description, _ = def["description"].(string)
		}
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

func filterArgs(args map[string]any, params []Parameter) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for _, p := range params {
		if v, ok := args[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

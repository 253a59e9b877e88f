package upstream

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/mcprouter/internal/store"
)

// toJSONMap round-trips v through JSON into a plain map, used to store
// mcp-go's typed schema/annotation structs as the CapabilityRow's
// transport-agnostic blob fields without coupling Store to mcp-go's types.
func toJSONMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func toToolRows(tools []mcp.Tool) []store.CapabilityRow {
	rows := make([]store.CapabilityRow, 0, len(tools))
	for _, t := range tools {
		rows = append(rows, store.CapabilityRow{
			Kind:        store.KindTool,
			NameOrURI:   t.Name,
			Description: t.Description,
			InputSchema: toJSONMap(t.InputSchema),
			Annotations: toJSONMap(t.Annotations),
			Enabled:     true,
		})
	}
	return rows
}

func toResourceRows(resources []mcp.Resource) []store.CapabilityRow {
	rows := make([]store.CapabilityRow, 0, len(resources))
	for _, r := range resources {
		rows = append(rows, store.CapabilityRow{
			Kind:        store.KindResource,
			NameOrURI:   r.URI,
			Title:       r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
			Enabled:     true,
		})
	}
	return rows
}

func toPromptRows(prompts []mcp.Prompt) []store.CapabilityRow {
	rows := make([]store.CapabilityRow, 0, len(prompts))
	for _, p := range prompts {
		args := make([]store.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, store.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		rows = append(rows, store.CapabilityRow{
			Kind:        store.KindPrompt,
			NameOrURI:   p.Name,
			Description: p.Description,
			Arguments:   args,
			Enabled:     true,
		})
	}
	return rows
}

package aggregator

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/mcprouter/internal/store"
)

// fromJSONMap is the mirror of internal/upstream's toJSONMap: it decodes a
// capability row's transport-agnostic blob field back into the mcp-go typed
// struct it was stored from.
func fromJSONMap(m map[string]interface{}, out interface{}) {
	if m == nil {
		return
	}
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}

// namespacedTool builds the client-facing mcp.Tool for row, presented under
// upstreamName per spec.md §4.6 step 6.
func namespacedTool(upstreamName string, row *store.CapabilityRow) mcp.Tool {
	tool := mcp.Tool{
		Name:        upstreamName + "/" + row.NameOrURI,
		Description: row.Description,
	}
	fromJSONMap(row.InputSchema, &tool.InputSchema)
	fromJSONMap(row.Annotations, &tool.Annotations)
	return tool
}

// namespacedResource builds the client-facing mcp.Resource for row; per
// spec.md §4.6 step 6 only the URI (the resource's addressable identity) is
// namespaced, the display Name is passed through.
func namespacedResource(upstreamName string, row *store.CapabilityRow) mcp.Resource {
	return mcp.Resource{
		URI:         upstreamName + "/" + row.NameOrURI,
		Name:        row.Title,
		Description: row.Description,
		MIMEType:    row.MIMEType,
	}
}

// namespacedPrompt builds the client-facing mcp.Prompt for row.
func namespacedPrompt(upstreamName string, row *store.CapabilityRow) mcp.Prompt {
	args := make([]mcp.PromptArgument, 0, len(row.Arguments))
	for _, a := range row.Arguments {
		args = append(args, mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return mcp.Prompt{
		Name:        upstreamName + "/" + row.NameOrURI,
		Description: row.Description,
		Arguments:   args,
	}
}

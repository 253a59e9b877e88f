package upstream

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprouter/mcprouter/internal/store"
)

func TestToToolRows_MapsNameDescriptionAndSchema(t *testing.T) {
	tools := []mcp.Tool{
		{
			Name:        "add",
			Description: "adds two numbers",
			InputSchema: mcp.ToolInputSchema{Type: "object", Required: []string{"a", "b"}},
		},
	}

	rows := toToolRows(tools)
	require.Len(t, rows, 1)
	assert.Equal(t, store.KindTool, rows[0].Kind)
	assert.Equal(t, "add", rows[0].NameOrURI)
	assert.Equal(t, "adds two numbers", rows[0].Description)
	assert.True(t, rows[0].Enabled)
	assert.ElementsMatch(t, []interface{}{"a", "b"}, rows[0].InputSchema["required"])
}

func TestToResourceRows_MapsURIAsNameOrURI(t *testing.T) {
	resources := []mcp.Resource{
		{URI: "file:///tmp/a.txt", Name: "a", MIMEType: "text/plain"},
	}

	rows := toResourceRows(resources)
	require.Len(t, rows, 1)
	assert.Equal(t, store.KindResource, rows[0].Kind)
	assert.Equal(t, "file:///tmp/a.txt", rows[0].NameOrURI)
	assert.Equal(t, "a", rows[0].Title)
	assert.Equal(t, "text/plain", rows[0].MIMEType)
}

func TestToPromptRows_MapsArguments(t *testing.T) {
	prompts := []mcp.Prompt{
		{
			Name:        "greet",
			Description: "says hello",
			Arguments: []mcp.PromptArgument{
				{Name: "who", Required: true},
			},
		},
	}

	rows := toPromptRows(prompts)
	require.Len(t, rows, 1)
	assert.Equal(t, store.KindPrompt, rows[0].Kind)
	assert.Equal(t, "greet", rows[0].NameOrURI)
	require.Len(t, rows[0].Arguments, 1)
	assert.Equal(t, "who", rows[0].Arguments[0].Name)
	assert.True(t, rows[0].Arguments[0].Required)
}

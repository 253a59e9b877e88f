// Package store implements the durable Store component of spec.md §4.1:
// one bbolt database holding upstream configs, tokens, permission
// bindings, and cached capability rows, with a transactional
// UPSERT-and-prune reconciliation primitive. Modeled on the teacher's
// internal/storage package (one bucket per entity kind, MarshalBinary
// JSON records, a *bbolt.DB behind a thin Store type).
package store

import (
	"encoding/json"
	"time"
)

// Bucket names, one per top-level entity kind.
const (
	bucketUpstreams        = "upstreams"
	bucketTokens           = "tokens"
	bucketTokenHashIndex   = "token_hash_index"
	bucketCapabilities     = "capabilities"
	bucketCapabilityIndex  = "capability_index"
	bucketPermissions      = "permissions"
	bucketMeta             = "meta"
)

const schemaVersionKey = "schema_version"

// CurrentSchemaVersion is bumped whenever the on-disk record shapes change.
const CurrentSchemaVersion = 1

// Transport identifies how an Upstream Driver reaches its upstream.
type Transport string

const (
	TransportSTDIO Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// UpstreamConfig is the identity and connection parameters of one upstream
// MCP server (spec.md §3).
type UpstreamConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Transport   Transport         `json:"transport"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Enabled     bool              `json:"enabled"`
	Version     string            `json:"version,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// StripIrrelevantFields clears fields that don't apply to the configured
// transport before persistence (spec.md §3 invariant).
func (u *UpstreamConfig) StripIrrelevantFields() {
	switch u.Transport {
	case TransportSTDIO:
		u.URL = ""
		u.Headers = nil
	case TransportSSE, TransportHTTP:
		u.Command = ""
		u.Args = nil
		u.Env = nil
	}
}

// MarshalBinary implements bbolt's encoding.BinaryMarshaler hook.
func (u *UpstreamConfig) MarshalBinary() ([]byte, error) { return json.Marshal(u) }

// UnmarshalBinary implements bbolt's encoding.BinaryUnmarshaler hook.
func (u *UpstreamConfig) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, u) }

// TokenRecord is a bearer credential (spec.md §3); value_hash is the only
// representation of the secret ever persisted.
type TokenRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ValueHash   string     `json:"value_hash"`
	DisplayMask string     `json:"display_mask"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  uint64     `json:"usage_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the token has aged past ExpiresAt.
func (t *TokenRecord) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

func (t *TokenRecord) MarshalBinary() ([]byte, error)    { return json.Marshal(t) }
func (t *TokenRecord) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, t) }

// CapabilityKind discriminates a tool / resource / prompt declaration.
type CapabilityKind string

const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
	KindPrompt   CapabilityKind = "prompt"

	// KindServer scopes a PermissionBinding to an upstream as a whole (the
	// "servers" entry of a token's allow-list), keyed by upstream ID rather
	// than a CapabilityRow ID. It reuses the same (token_id, kind, id)
	// binding shape so Grant/Revoke/HasPermission stay uniform across both
	// server-level and capability-level scoping.
	KindServer CapabilityKind = "server"
)

// CapabilityRow is a cached declaration of one tool/resource/prompt on one
// upstream (spec.md §3). Its ID is stable across reconciliations so that
// PermissionBinding rows referencing it keep working.
type CapabilityRow struct {
	ID          string                 `json:"id"`
	UpstreamID  string                 `json:"upstream_id"`
	Kind        CapabilityKind         `json:"kind"`
	NameOrURI   string                 `json:"name_or_uri"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	MIMEType    string                 `json:"mime_type,omitempty"`
	Arguments   []PromptArgument       `json:"arguments,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Enabled     bool                   `json:"enabled"`
}

// PromptArgument mirrors an MCP prompt template argument declaration.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

func (c *CapabilityRow) MarshalBinary() ([]byte, error)    { return json.Marshal(c) }
func (c *CapabilityRow) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, c) }

// PermissionBinding grants a token access to one capability row.
type PermissionBinding struct {
	TokenID      string         `json:"token_id"`
	Kind         CapabilityKind `json:"kind"`
	CapabilityID string         `json:"capability_id"`
}

func (p *PermissionBinding) key() string {
	return p.TokenID + "/" + string(p.Kind) + "/" + p.CapabilityID
}

func (p *PermissionBinding) MarshalBinary() ([]byte, error)    { return json.Marshal(p) }
func (p *PermissionBinding) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, p) }

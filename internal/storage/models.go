package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for the bbolt database
const (
	ToolStatsBucket = "toolstats"
	ToolCacheBucket = "toolcache"
	CommandsBucket  = "commands"
	MetaBucket      = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// ToolStatRecord tracks how often a tool was called through the proxy.
type ToolStatRecord struct {
	ToolName string    `json:"tool_name"`
	Count    uint64    `json:"count"`
	LastUsed time.Time `json:"last_used"`
}

// CachedTool is one tool in an upstream's cached catalog. The input schema
// is carried opaquely and never interpreted.
type CachedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCacheRecord is the last-known tool catalog for one upstream. Hash
// covers the serialized catalog; an unchanged hash on re-list means no
// effective change happened and no list-changed notification is due.
type ToolCacheRecord struct {
	UpstreamID string       `json:"upstream_id"`
	Hash       string       `json:"hash"`
	Tools      []CachedTool `json:"tools"`
	Updated    time.Time    `json:"updated"`
}

// CommandRecord is one installed in-process command: its JS source plus
// the manifest fields that gate installation and bound execution.
type CommandRecord struct {
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Source       string    `json:"source"`
	Version      string    `json:"version,omitempty"`
	MinVersion   string    `json:"min_funnel_version,omitempty"`
	TimeoutMs    int       `json:"timeout_ms,omitempty"`
	MaxToolCalls int       `json:"max_tool_calls,omitempty"`
	Installed    time.Time `json:"installed"`
	Updated      time.Time `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (t *ToolStatRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (t *ToolStatRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (c *ToolCacheRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *ToolCacheRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (c *CommandRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *CommandRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

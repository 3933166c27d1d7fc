// Package store defines the router's persistent entities and the
// repository interfaces over them (spec §3). Each interface is owned by
// exactly one implementation package (internal/store/sqlite); callers never
// reach for the database directly.
package store

// Transport enumerates the MCP transports a server config may use.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// ServerStatus is the Server Manager's state machine (spec §4.1).
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusStopping ServerStatus = "stopping"
	StatusError    ServerStatus = "error"
)

// Server is the persisted configuration and last-known status of one MCP
// child server (spec §3 "Server").
type Server struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Transport       Transport         `json:"transport"`
	Command         string            `json:"command,omitempty"`
	Args            []string          `json:"args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	URL             string            `json:"url,omitempty"`
	ProjectID       string            `json:"projectId,omitempty"`
	Status          ServerStatus      `json:"status"`
	ToolPermissions map[string]bool   `json:"toolPermissions,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	CreatedAt       int64             `json:"createdAt"`
	UpdatedAt       int64             `json:"updatedAt"`
}

// ServerPatch carries only the mutable fields update(id, patch) may change.
// id, createdAt, and status are intentionally absent: status only changes
// through the Server Manager's lifecycle operations.
type ServerPatch struct {
	Name            *string
	Command         *string
	Args            []string
	Env             map[string]string
	URL             *string
	ProjectID       *string
	ToolPermissions map[string]bool
}

// TokenMeta is the relational-store half of a Token (spec §3 "Token"); the
// secret itself lives only in the keychain.
type TokenMeta struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"clientId"`
	Name         string          `json:"name"`
	IssuedAt     int64           `json:"issuedAt"`  // seconds
	ExpiresAt    int64           `json:"expiresAt"`  // seconds
	LastUsedAt   int64           `json:"lastUsedAt,omitempty"`
	Scopes       []string        `json:"scopes,omitempty"`
	ServerAccess map[string]bool `json:"serverAccess,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// PolicyScope and ResourceType enumerate spec §3 "Policy Rule" fields.
type PolicyScope string

const (
	ScopeGlobal    PolicyScope = "global"
	ScopeWorkspace PolicyScope = "workspace"
	ScopeServer    PolicyScope = "server"
	ScopeClient    PolicyScope = "client"
)

type ResourceType string

const (
	ResourceTool     ResourceType = "tool"
	ResourceServer   ResourceType = "server"
	ResourceResource ResourceType = "resource"
)

type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require_approval"
	ActionRedact          PolicyAction = "redact"
)

type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpContains    ConditionOperator = "contains"
	OpMatches     ConditionOperator = "matches"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
)

type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

type PolicyRule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Enabled      bool         `json:"enabled"`
	Scope        PolicyScope  `json:"scope"`
	ScopeID      string       `json:"scopeId,omitempty"`
	ResourceType ResourceType `json:"resourceType"`
	Pattern      string       `json:"pattern"`
	Action       PolicyAction `json:"action"`
	Priority     int          `json:"priority"`
	Conditions   []Condition  `json:"conditions,omitempty"`
	RedactFields []string     `json:"redactFields,omitempty"`
	CreatedAt    int64        `json:"createdAt"`
}

// PolicyPatch carries the mutable fields update(id, patch) may change; id
// and createdAt are excluded per spec §4.4's CRUD contract.
type PolicyPatch struct {
	Name         *string
	Enabled      *bool
	Scope        *PolicyScope
	ScopeID      *string
	ResourceType *ResourceType
	Pattern      *string
	Action       *PolicyAction
	Priority     *int
	Conditions   []Condition
	RedactFields []string
}

// ApprovalStatus is the Approval Queue's state machine (spec §4.5).
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ApprovalRequest is the persisted-history half of a pending/resolved
// approval (spec §3 "Approval Request"). The live queue (internal/approval)
// is the authority on in-flight state; rows here are a write-through record
// for inspection, not a second source of truth.
type ApprovalRequest struct {
	ID            string         `json:"id"`
	ClientID      string         `json:"clientId"`
	ServerID      string         `json:"serverId"`
	ToolName      string         `json:"toolName"`
	ToolArguments map[string]any `json:"toolArguments,omitempty"`
	PolicyRuleID  string         `json:"policyRuleId,omitempty"`
	Status        ApprovalStatus `json:"status"`
	RequestedAt   int64          `json:"requestedAt"`
	ExpiresAt     int64          `json:"expiresAt"`
	RespondedAt   int64          `json:"respondedAt,omitempty"`
	RespondedBy   string         `json:"respondedBy,omitempty"`
	ResponseNote  string         `json:"responseNote,omitempty"`
}

// AuditEvent is append-only (spec §3 "Audit Event").
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ClientID  string         `json:"clientId,omitempty"`
	ServerID  string         `json:"serverId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Success   bool           `json:"success"`
	Duration  int64          `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// AuditFilter is the query shape for Audit Log's query/queryPaginated/count
// (spec §4.8).
type AuditFilter struct {
	Type      string
	ClientID  string
	ServerID  string
	StartTime int64
	EndTime   int64
}

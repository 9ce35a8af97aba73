package v1

// RestoreLayer identifies one layer of a workspace restore plan. Layers are
// applied in ascending order; later layers overlay earlier ones.
type RestoreLayer string

const (
	LayerRegistryBase     RestoreLayer = "L0"
	LayerSessionOverlay   RestoreLayer = "L1"
	LayerKnowledgeOverlay RestoreLayer = "L2"
	LayerUserOverlay      RestoreLayer = "L3"
	LayerRuntimeFixups    RestoreLayer = "L4"
)

// ConflictPolicy controls how overlay collisions are resolved.
type ConflictPolicy string

const (
	ConflictKeepSession ConflictPolicy = "keep_session"
	ConflictKeepBase    ConflictPolicy = "keep_base"
)

// SeedFile copies a registry file into the workspace during restore.
type SeedFile struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// MountPoint mounts an external source into the workspace.
type MountPoint struct {
	Name       string `json:"name" yaml:"name"`
	TargetPath string `json:"targetPath" yaml:"targetPath"`
	ReadOnly   bool   `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`
}

// CleanupRule removes a path matching the rule after restore.
type CleanupRule struct {
	Path    string `json:"path" yaml:"path"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// RestoreManifest is the runtime manifest a restore plan is derived from.
type RestoreManifest struct {
	RuntimeVersion string         `json:"runtimeVersion" yaml:"runtimeVersion"`
	ConflictPolicy ConflictPolicy `json:"conflictPolicy,omitempty" yaml:"conflictPolicy,omitempty"`
	RequiredPaths  []string       `json:"requiredPaths,omitempty" yaml:"requiredPaths,omitempty"`
	ProtectedPaths []string       `json:"protectedPaths,omitempty" yaml:"protectedPaths,omitempty"`
	SeedFiles      []SeedFile     `json:"seedFiles,omitempty" yaml:"seedFiles,omitempty"`
	MountPoints    []MountPoint   `json:"mountPoints,omitempty" yaml:"mountPoints,omitempty"`
	CleanupRules   []CleanupRule  `json:"cleanupRules,omitempty" yaml:"cleanupRules,omitempty"`
}

// RestoreEntry is one ordered step of a restore plan.
type RestoreEntry struct {
	Layer  RestoreLayer `json:"layer"`
	Kind   string       `json:"kind"`
	Source string       `json:"source"`
	Target string       `json:"target"`
}

// RestorePlan is the fully derived, ordered workspace restoration manifest.
// Plans are computed on demand and never persisted.
type RestorePlan struct {
	AppID             string         `json:"appId"`
	ProjectName       string         `json:"projectName"`
	UserLoginName     string         `json:"userLoginName"`
	SessionID         string         `json:"sessionId"`
	RuntimeVersion    string         `json:"runtimeVersion"`
	WorkspaceS3Prefix string         `json:"workspaceS3Prefix"`
	ConflictPolicy    ConflictPolicy `json:"conflictPolicy"`
	RequiredPaths     []string       `json:"requiredPaths,omitempty"`
	ProtectedPaths    []string       `json:"protectedPaths,omitempty"`
	SeedFiles         []SeedFile     `json:"seedFiles,omitempty"`
	MountPoints       []MountPoint   `json:"mountPoints,omitempty"`
	CleanupRules      []CleanupRule  `json:"cleanupRules,omitempty"`
	Entries           []RestoreEntry `json:"entries"`
}

// RestorePlanRequest is the body of POST /api/runs/restore-plan.
type RestorePlanRequest struct {
	AppID          string          `json:"appId" binding:"required"`
	ProjectName    string          `json:"projectName,omitempty"`
	UserLoginName  string          `json:"userLoginName" binding:"required"`
	SessionID      string          `json:"sessionId" binding:"required"`
	RuntimeVersion string          `json:"runtimeVersion" binding:"required"`
	Manifest       RestoreManifest `json:"manifest" binding:"required"`
	ExistingPaths  []string        `json:"existingPaths,omitempty"`
	Validate       bool            `json:"validate,omitempty"`
}

// RestorePlanResponse is the response of the restore-plan endpoint.
type RestorePlanResponse struct {
	OK                   bool         `json:"ok"`
	Reason               string       `json:"reason,omitempty"`
	MissingRequiredPaths []string     `json:"missingRequiredPaths,omitempty"`
	Plan                 *RestorePlan `json:"plan"`
}

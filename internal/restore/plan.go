// Package restore derives layered workspace restoration plans from runtime
// manifests. Plan building is a pure function of its inputs: the same
// manifest and identity always yield the same plan.
package restore

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/runplane/runplane/internal/apperr"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

const workspaceRoot = "/workspace"

// ReasonRequiredPathsMissing is the response reason when validation finds
// required paths absent from the workspace.
const ReasonRequiredPathsMissing = "required_paths_missing"

// Identity names the workspace a plan is built for.
type Identity struct {
	AppID          string
	ProjectName    string
	UserLoginName  string
	SessionID      string
	RuntimeVersion string
}

// WorkspaceS3Prefix computes the object store prefix for the identity:
// app/<appId>/project/<projectName||default>/<userLoginName>/session/<sessionId>/workspace
// with each segment trimmed of surrounding slashes.
func (id Identity) WorkspaceS3Prefix() string {
	project := strings.Trim(id.ProjectName, "/")
	if project == "" {
		project = "default"
	}
	return fmt.Sprintf("app/%s/project/%s/%s/session/%s/workspace",
		strings.Trim(id.AppID, "/"),
		project,
		strings.Trim(id.UserLoginName, "/"),
		strings.Trim(id.SessionID, "/"))
}

// LoadManifest parses a YAML runtime manifest.
func LoadManifest(data []byte) (*v1.RestoreManifest, error) {
	var m v1.RestoreManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid restore manifest", err)
	}
	return &m, nil
}

// BuildPlan validates the manifest against the requested identity and
// derives the ordered restore entries across layers L0 through L4.
func BuildPlan(id Identity, manifest *v1.RestoreManifest) (*v1.RestorePlan, error) {
	if manifest.RuntimeVersion != id.RuntimeVersion {
		return nil, apperr.Newf(apperr.KindValidation,
			"manifest runtimeVersion %q does not match requested %q",
			manifest.RuntimeVersion, id.RuntimeVersion)
	}

	normalized, err := normalizeManifest(manifest)
	if err != nil {
		return nil, err
	}

	policy := normalized.ConflictPolicy
	if policy == "" {
		policy = v1.ConflictKeepSession
	}
	prefix := id.WorkspaceS3Prefix()
	project := strings.Trim(id.ProjectName, "/")
	if project == "" {
		project = "default"
	}

	// Entries are ordered by layer: seed files extend L0 and mounts extend
	// L4, so they slot in with their layer rather than trailing the plan.
	entries := []v1.RestoreEntry{
		{Layer: v1.LayerRegistryBase, Kind: "registry_base",
			Source: "registry://" + id.RuntimeVersion, Target: workspaceRoot},
	}
	for _, sf := range normalized.SeedFiles {
		entries = append(entries, v1.RestoreEntry{
			Layer:  v1.LayerRegistryBase,
			Kind:   "seed_file",
			Source: sf.From,
			Target: sf.To,
		})
	}
	entries = append(entries,
		v1.RestoreEntry{Layer: v1.LayerSessionOverlay, Kind: "session_overlay",
			Source: "s3://" + prefix, Target: workspaceRoot},
		v1.RestoreEntry{Layer: v1.LayerKnowledgeOverlay, Kind: "knowledge_overlay",
			Source: "kb://app/" + strings.Trim(id.AppID, "/"), Target: workspaceRoot + "/.kb/app"},
		v1.RestoreEntry{Layer: v1.LayerKnowledgeOverlay, Kind: "knowledge_overlay",
			Source: "kb://project/" + project, Target: workspaceRoot + "/.kb/project"},
		v1.RestoreEntry{Layer: v1.LayerUserOverlay, Kind: "user_overlay",
			Source: "user://" + strings.Trim(id.UserLoginName, "/"), Target: workspaceRoot},
		v1.RestoreEntry{Layer: v1.LayerRuntimeFixups, Kind: "runtime_fixups",
			Source: "runtime://link-agent-data", Target: workspaceRoot + "/.agent_data"},
	)
	for _, mp := range normalized.MountPoints {
		entries = append(entries, v1.RestoreEntry{
			Layer:  v1.LayerRuntimeFixups,
			Kind:   "mount",
			Source: mp.Name,
			Target: mp.TargetPath,
		})
	}

	return &v1.RestorePlan{
		AppID:             id.AppID,
		ProjectName:       project,
		UserLoginName:     id.UserLoginName,
		SessionID:         id.SessionID,
		RuntimeVersion:    id.RuntimeVersion,
		WorkspaceS3Prefix: prefix,
		ConflictPolicy:    policy,
		RequiredPaths:     normalized.RequiredPaths,
		ProtectedPaths:    normalized.ProtectedPaths,
		SeedFiles:         normalized.SeedFiles,
		MountPoints:       normalized.MountPoints,
		CleanupRules:      normalized.CleanupRules,
		Entries:           entries,
	}, nil
}

// ValidateRequiredPaths checks required paths against the workspace's
// existing paths using normalized set membership.
func ValidateRequiredPaths(required, existing []string) (bool, []string) {
	have := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		if norm, err := normalizePath(p, "existingPaths"); err == nil {
			have[norm] = struct{}{}
		}
	}

	var missing []string
	for _, p := range required {
		norm, err := normalizePath(p, "requiredPaths")
		if err != nil {
			missing = append(missing, p)
			continue
		}
		if _, ok := have[norm]; !ok {
			missing = append(missing, norm)
		}
	}
	sort.Strings(missing)
	return len(missing) == 0, missing
}

// normalizeManifest returns a copy of the manifest with every path-bearing
// field normalized. Any invalid path fails the whole manifest.
func normalizeManifest(m *v1.RestoreManifest) (*v1.RestoreManifest, error) {
	out := &v1.RestoreManifest{
		RuntimeVersion: m.RuntimeVersion,
		ConflictPolicy: m.ConflictPolicy,
	}

	for _, p := range m.RequiredPaths {
		norm, err := normalizePath(p, "requiredPaths")
		if err != nil {
			return nil, err
		}
		out.RequiredPaths = append(out.RequiredPaths, norm)
	}
	for _, p := range m.ProtectedPaths {
		norm, err := normalizePath(p, "protectedPaths")
		if err != nil {
			return nil, err
		}
		out.ProtectedPaths = append(out.ProtectedPaths, norm)
	}
	for _, sf := range m.SeedFiles {
		to, err := normalizePath(sf.To, "seedFiles.to")
		if err != nil {
			return nil, err
		}
		out.SeedFiles = append(out.SeedFiles, v1.SeedFile{From: sf.From, To: to})
	}
	for _, mp := range m.MountPoints {
		target, err := normalizePath(mp.TargetPath, "mountPoints.targetPath")
		if err != nil {
			return nil, err
		}
		out.MountPoints = append(out.MountPoints, v1.MountPoint{
			Name: mp.Name, TargetPath: target, ReadOnly: mp.ReadOnly,
		})
	}
	for _, cr := range m.CleanupRules {
		path, err := normalizePath(cr.Path, "cleanupRules.path")
		if err != nil {
			return nil, err
		}
		out.CleanupRules = append(out.CleanupRules, v1.CleanupRule{Path: path, Pattern: cr.Pattern})
	}
	return out, nil
}

// normalizePath collapses duplicate slashes, strips a trailing slash and
// enforces that the result is absolute, /workspace-rooted and free of ".."
// segments.
func normalizePath(p, field string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", pathError(field, p, "must be absolute")
	}

	segments := strings.Split(p, "/")
	cleaned := segments[:0]
	for _, seg := range segments {
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			return "", pathError(field, p, "must not contain '..' segments")
		}
		cleaned = append(cleaned, seg)
	}
	norm := "/" + strings.Join(cleaned, "/")

	if norm != workspaceRoot && !strings.HasPrefix(norm, workspaceRoot+"/") {
		return "", pathError(field, p, "must be rooted at "+workspaceRoot)
	}
	return norm, nil
}

func pathError(field, value, msg string) error {
	return apperr.Newf(apperr.KindValidation, "invalid %s value %q: %s", field, value, msg)
}

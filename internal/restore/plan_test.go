package restore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func testIdentity() Identity {
	return Identity{
		AppID:          "app-1",
		ProjectName:    "proj",
		UserLoginName:  "alice",
		SessionID:      "sess-1",
		RuntimeVersion: "rt-2",
	}
}

func testManifest() *v1.RestoreManifest {
	return &v1.RestoreManifest{
		RuntimeVersion: "rt-2",
		RequiredPaths:  []string{"/workspace/.agent_data", "/workspace/.kb/app"},
		ProtectedPaths: []string{"/workspace/src"},
		SeedFiles:      []v1.SeedFile{{From: "registry://rt-2/seed/config.json", To: "/workspace/config.json"}},
		MountPoints:    []v1.MountPoint{{Name: "cache", TargetPath: "/workspace/.cache", ReadOnly: false}},
		CleanupRules:   []v1.CleanupRule{{Path: "/workspace/tmp", Pattern: "*.log"}},
	}
}

func TestWorkspaceS3Prefix(t *testing.T) {
	assert.Equal(t,
		"app/app-1/project/proj/alice/session/sess-1/workspace",
		testIdentity().WorkspaceS3Prefix())

	// Empty project falls back to "default"; surrounding slashes are trimmed.
	id := Identity{AppID: "/a/", ProjectName: "", UserLoginName: "u", SessionID: "s"}
	assert.Equal(t, "app/a/project/default/u/session/s/workspace", id.WorkspaceS3Prefix())
}

func TestBuildPlanLayerOrder(t *testing.T) {
	plan, err := BuildPlan(testIdentity(), testManifest())
	require.NoError(t, err)

	assert.Equal(t, v1.ConflictKeepSession, plan.ConflictPolicy)
	assert.Equal(t, "app/app-1/project/proj/alice/session/sess-1/workspace", plan.WorkspaceS3Prefix)

	require.Len(t, plan.Entries, 8)
	assert.Equal(t, v1.LayerRegistryBase, plan.Entries[0].Layer)
	assert.Equal(t, "registry://rt-2", plan.Entries[0].Source)
	assert.Equal(t, "/workspace", plan.Entries[0].Target)

	// The seed file sits with the rest of the base layer.
	assert.Equal(t, v1.LayerRegistryBase, plan.Entries[1].Layer)
	assert.Equal(t, "seed_file", plan.Entries[1].Kind)
	assert.Equal(t, "/workspace/config.json", plan.Entries[1].Target)

	assert.Equal(t, v1.LayerSessionOverlay, plan.Entries[2].Layer)
	assert.Equal(t, "s3://"+plan.WorkspaceS3Prefix, plan.Entries[2].Source)

	assert.Equal(t, v1.LayerKnowledgeOverlay, plan.Entries[3].Layer)
	assert.Equal(t, "kb://app/app-1", plan.Entries[3].Source)
	assert.Equal(t, v1.LayerKnowledgeOverlay, plan.Entries[4].Layer)
	assert.Equal(t, "kb://project/proj", plan.Entries[4].Source)

	assert.Equal(t, v1.LayerUserOverlay, plan.Entries[5].Layer)
	assert.Equal(t, v1.LayerRuntimeFixups, plan.Entries[6].Layer)
	assert.Equal(t, "runtime://link-agent-data", plan.Entries[6].Source)
	assert.Equal(t, "/workspace/.agent_data", plan.Entries[6].Target)

	// The mount sits with the rest of the fixups layer.
	assert.Equal(t, v1.LayerRuntimeFixups, plan.Entries[7].Layer)
	assert.Equal(t, "mount", plan.Entries[7].Kind)
	assert.Equal(t, "/workspace/.cache", plan.Entries[7].Target)

	// Layers never go backwards across the plan.
	for i := 1; i < len(plan.Entries); i++ {
		assert.LessOrEqual(t, string(plan.Entries[i-1].Layer), string(plan.Entries[i].Layer))
	}
}

func TestBuildPlanIsDeterministic(t *testing.T) {
	a, err := BuildPlan(testIdentity(), testManifest())
	require.NoError(t, err)
	b, err := BuildPlan(testIdentity(), testManifest())
	require.NoError(t, err)

	aj, err := json.Marshal(a)
	require.NoError(t, err)
	bj, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, aj, bj)
}

func TestBuildPlanRejectsRuntimeVersionMismatch(t *testing.T) {
	m := testManifest()
	m.RuntimeVersion = "rt-1"
	_, err := BuildPlan(testIdentity(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtimeVersion")
}

func TestBuildPlanRejectsBadPaths(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*v1.RestoreManifest)
	}{
		{"relative required path", func(m *v1.RestoreManifest) {
			m.RequiredPaths = []string{"workspace/data"}
		}},
		{"escape via dotdot", func(m *v1.RestoreManifest) {
			m.RequiredPaths = []string{"/workspace/../etc/passwd"}
		}},
		{"outside workspace", func(m *v1.RestoreManifest) {
			m.ProtectedPaths = []string{"/etc/config"}
		}},
		{"bad seed target", func(m *v1.RestoreManifest) {
			m.SeedFiles = []v1.SeedFile{{From: "registry://x", To: "/tmp/x"}}
		}},
		{"bad mount target", func(m *v1.RestoreManifest) {
			m.MountPoints = []v1.MountPoint{{Name: "x", TargetPath: "/workspacefake"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testManifest()
			tc.mutate(m)
			_, err := BuildPlan(testIdentity(), m)
			assert.Error(t, err)
		})
	}
}

func TestBuildPlanCollapsesSlashes(t *testing.T) {
	m := testManifest()
	m.RequiredPaths = []string{"/workspace//.kb//app/"}
	plan, err := BuildPlan(testIdentity(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"/workspace/.kb/app"}, plan.RequiredPaths)
}

func TestValidateRequiredPaths(t *testing.T) {
	ok, missing := ValidateRequiredPaths(
		[]string{"/workspace/.agent_data", "/workspace/.kb/app"},
		[]string{"/workspace/.agent_data"},
	)
	assert.False(t, ok)
	assert.Equal(t, []string{"/workspace/.kb/app"}, missing)

	ok, missing = ValidateRequiredPaths(
		[]string{"/workspace/.agent_data"},
		[]string{"/workspace//.agent_data/"},
	)
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestLoadManifest(t *testing.T) {
	data := []byte(`
runtimeVersion: rt-2
conflictPolicy: keep_base
requiredPaths:
  - /workspace/.agent_data
seedFiles:
  - from: registry://rt-2/seed/config.json
    to: /workspace/config.json
`)
	m, err := LoadManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", m.RuntimeVersion)
	assert.Equal(t, v1.ConflictKeepBase, m.ConflictPolicy)
	require.Len(t, m.SeedFiles, 1)
	assert.Equal(t, "/workspace/config.json", m.SeedFiles[0].To)

	_, err = LoadManifest([]byte("runtimeVersion: [broken"))
	assert.Error(t, err)
}

package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/testutil"
	"github.com/petrijr/nodeflow/pkg/api"
)

func newRegistry(t *testing.T) (*Registry, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewRegistry(persistence.NewInMemoryStore(), clock), clock
}

func linearVersion(key, trigger string) *api.WorkflowVersion {
	return &api.WorkflowVersion{
		DefinitionKey: key,
		Nodes: []api.WorkflowNode{
			{ID: "start", Type: api.NodeTrigger, IsStartNode: true, TriggerType: trigger},
			{ID: "notify", Type: api.NodeAction, SubType: "send_email"},
			{ID: "end", Type: api.NodeEnd, IsEndNode: true},
		},
		Transitions: []api.WorkflowTransition{
			{ID: "t1", SourceNodeID: "start", TargetNodeID: "notify", ConditionType: api.ConditionAlways},
			{ID: "t2", SourceNodeID: "notify", TargetNodeID: "end", ConditionType: api.ConditionAlways},
		},
	}
}

func TestRegisterAndPublish(t *testing.T) {
	ctx := context.Background()
	reg, clock := newRegistry(t)

	def := &api.WorkflowDefinition{Key: "lead-intake", EntityType: "Lead"}
	require.NoError(t, reg.Register(ctx, def))
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, api.DefinitionDraft, def.Status)
	require.ErrorIs(t, reg.Register(ctx, &api.WorkflowDefinition{Key: "lead-intake"}), api.ErrDefinitionExists)

	_, err := reg.Resolve(ctx, "lead-intake")
	require.ErrorIs(t, err, api.ErrDefinitionNotActive)

	clock.Advance(time.Minute)
	v1 := linearVersion("lead-intake", "LeadCreated")
	g, err := reg.Publish(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, api.VersionActive, v1.Status)
	assert.Equal(t, "start", g.Start().ID)

	stored, err := reg.Get(ctx, "lead-intake")
	require.NoError(t, err)
	assert.Equal(t, api.DefinitionActive, stored.Status)
	assert.Equal(t, 1, stored.CurrentVersion)

	v2 := linearVersion("lead-intake", "LeadCreated")
	_, err = reg.Publish(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	versions, err := reg.Versions(ctx, "lead-intake")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, api.VersionDeprecated, versions[0].Status)
	assert.Equal(t, api.VersionActive, versions[1].Status)

	dup := linearVersion("lead-intake", "LeadCreated")
	dup.VersionNumber = 2
	_, err = reg.Publish(ctx, dup)
	require.ErrorIs(t, err, api.ErrVersionExists)

	resolved, err := reg.Resolve(ctx, "lead-intake")
	require.NoError(t, err)
	assert.Equal(t, 2, resolved.Version)

	// Old versions stay resolvable for instances bound to them.
	old, err := reg.Graph(ctx, "lead-intake", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, old.VersionNumber)
}

func TestPublishRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	require.NoError(t, reg.Register(ctx, &api.WorkflowDefinition{Key: "broken"}))

	v := linearVersion("broken", "")
	v.Transitions = v.Transitions[:1]
	_, err := reg.Publish(ctx, v)
	require.ErrorIs(t, err, api.ErrInvalidGraph)

	def, err := reg.Get(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, api.DefinitionDraft, def.Status)
	assert.Zero(t, def.CurrentVersion)
}

func TestPublishUnknownDefinition(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Publish(context.Background(), linearVersion("nope", ""))
	require.ErrorIs(t, err, api.ErrDefinitionNotFound)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	require.NoError(t, reg.Register(ctx, &api.WorkflowDefinition{Key: "wf"}))

	require.ErrorIs(t, reg.SetStatus(ctx, "wf", api.DefinitionActive), api.ErrInvalidTransition)

	_, err := reg.Publish(ctx, linearVersion("wf", ""))
	require.NoError(t, err)

	require.NoError(t, reg.SetStatus(ctx, "wf", api.DefinitionPaused))
	_, err = reg.Resolve(ctx, "wf")
	require.ErrorIs(t, err, api.ErrDefinitionNotActive)

	require.NoError(t, reg.SetStatus(ctx, "wf", api.DefinitionActive))
	_, err = reg.Resolve(ctx, "wf")
	require.NoError(t, err)

	require.ErrorIs(t, reg.SetStatus(ctx, "wf", "RETIRED"), api.ErrInvalidTransition)
}

func TestResolveTrigger(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	for _, tc := range []struct{ key, entity, trigger string }{
		{"lead-created", "Lead", "LeadCreated"},
		{"lead-any", "Lead", ""},
		{"opportunity", "Opportunity", "LeadCreated"},
	} {
		require.NoError(t, reg.Register(ctx, &api.WorkflowDefinition{Key: tc.key, EntityType: tc.entity}))
		_, err := reg.Publish(ctx, linearVersion(tc.key, tc.trigger))
		require.NoError(t, err)
	}
	require.NoError(t, reg.Register(ctx, &api.WorkflowDefinition{Key: "lead-draft", EntityType: "Lead"}))

	matches, err := reg.ResolveTrigger(ctx, "Lead", "LeadCreated")
	require.NoError(t, err)
	var keys []string
	for _, m := range matches {
		keys = append(keys, m.Definition.Key)
	}
	assert.ElementsMatch(t, []string{"lead-created", "lead-any"}, keys)

	matches, err = reg.ResolveTrigger(ctx, "Lead", "LeadQualified")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "lead-any", matches[0].Definition.Key)
}

const leadYAML = `
key: lead-intake
name: Lead intake
entity_type: Lead
default_timeout_hours: 72
versions:
  - version: 1
    nodes:
      - {id: start, type: trigger, start: true, trigger_type: LeadCreated}
      - id: qualify
        type: condition
      - id: notify
        type: action
        sub_type: send_email
        retry_count: 3
        retry_delay_seconds: 10
        exponential_backoff: true
        config: {template: welcome}
      - {id: done, type: end, end: true}
    transitions:
      - {id: t1, from: start, to: qualify}
      - {id: t2, from: qualify, to: notify, condition: field_match, expression: "score >= 50"}
      - {id: t3, from: qualify, to: done, default: true}
      - {id: t4, from: notify, to: done}
`

func TestParseYAML(t *testing.T) {
	f, err := ParseYAML([]byte(leadYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(f))

	def := f.Definition()
	assert.Equal(t, "Lead", def.EntityType)
	assert.Equal(t, 72, def.DefaultTimeoutHours)

	versions := f.WorkflowVersions()
	require.Len(t, versions, 1)
	v := versions[0]
	require.Len(t, v.Nodes, 4)
	assert.Equal(t, api.NodeTrigger, v.Nodes[0].Type)
	assert.Equal(t, 3, v.Nodes[2].RetryCount)
	assert.True(t, v.Nodes[2].UseExponentialBackoff)
	assert.Equal(t, "welcome", v.Nodes[2].Config["template"])
	assert.Equal(t, api.ConditionFieldMatch, v.Transitions[1].ConditionType)
	assert.Equal(t, api.ConditionAlways, v.Transitions[0].ConditionType)
	assert.True(t, v.Transitions[2].IsDefault)
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte("key: x\nversoins: []\n"))
	require.Error(t, err)

	_, err = ParseYAML([]byte("name: no key\n"))
	require.ErrorIs(t, err, ErrKeyRequired)
}

func TestValidateReportsGraphErrors(t *testing.T) {
	f, err := ParseYAML([]byte(`
key: broken
versions:
  - nodes:
      - {id: a, type: trigger, start: true}
      - {id: b, type: end, end: true}
`))
	require.NoError(t, err)
	require.ErrorIs(t, Validate(f), api.ErrInvalidGraph)
}

func TestInstallFromDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lead.yaml"), []byte(leadYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	files, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "lead.yaml"), files[0].Path)

	reg, _ := newRegistry(t)
	require.NoError(t, reg.Install(ctx, files[0]))
	require.NoError(t, reg.Install(ctx, files[0]))

	resolved, err := reg.Resolve(ctx, "lead-intake")
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.Version)

	versions, err := reg.Versions(ctx, "lead-intake")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/config"
	"updatectl/internal/graph"
	"updatectl/internal/resource"
)

func decl(kind, name string, deps ...resource.Ref) resource.Declaration {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       kind,
		"metadata":   map[string]interface{}{"name": name, "namespace": "prod"},
	}}
	return resource.Declaration{
		Ref:          resource.Ref{Kind: kind, Namespace: "prod", Name: name},
		Manifest:     obj,
		ExplicitDeps: deps,
	}
}

func ref(kind, name string) resource.Ref {
	return resource.Ref{Kind: kind, Namespace: "prod", Name: name}
}

func mustBuild(t *testing.T, decls ...resource.Declaration) *graph.Graph {
	t.Helper()
	g, err := graph.Build(decls)
	require.NoError(t, err)
	return g
}

func batchRefs(b Batch) []string {
	out := make([]string, len(b.Operations))
	for i, op := range b.Operations {
		out[i] = op.Resource.String()
	}
	return out
}

// A database secret, a deployment consuming it, and an ingress-ish service
// in front: three strictly ordered batches.
func TestBuildPlanOrdersChains(t *testing.T) {
	cfg := config.GetDefaultConfig()
	g := mustBuild(t,
		decl("Secret", "db-creds"),
		decl("Deployment", "api", ref("Secret", "db-creds")),
		decl("Service", "api", ref("Deployment", "api")),
	)

	plan, err := BuildPlan(g, cfg, false)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 3)
	assert.Equal(t, []string{"Secret/prod/db-creds"}, batchRefs(plan.Batches[0]))
	assert.Equal(t, []string{"Deployment/prod/api"}, batchRefs(plan.Batches[1]))
	assert.Equal(t, []string{"Service/prod/api"}, batchRefs(plan.Batches[2]))
	assert.Equal(t, 3, plan.TotalOperations())
	assert.NotEmpty(t, plan.ID)
}

func TestBuildPlanBatchesIndependentResources(t *testing.T) {
	cfg := config.GetDefaultConfig()
	g := mustBuild(t,
		decl("ConfigMap", "a"),
		decl("ConfigMap", "b"),
		decl("Deployment", "api", ref("ConfigMap", "a"), ref("ConfigMap", "b")),
	)

	plan, err := BuildPlan(g, cfg, false)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, []string{"ConfigMap/prod/a", "ConfigMap/prod/b"}, batchRefs(plan.Batches[0]))
	assert.Equal(t, []string{"Deployment/prod/api"}, batchRefs(plan.Batches[1]))
}

// Identical input must yield identical batch contents and ordering, no
// matter the map iteration order underneath.
func TestBuildPlanIsDeterministic(t *testing.T) {
	cfg := config.GetDefaultConfig()
	decls := []resource.Declaration{
		decl("ConfigMap", "zeta"),
		decl("ConfigMap", "alpha"),
		decl("Secret", "mid"),
		decl("Deployment", "api", ref("ConfigMap", "alpha")),
		decl("Deployment", "worker", ref("Secret", "mid")),
	}

	first, err := BuildPlan(mustBuild(t, decls...), cfg, false)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		next, err := BuildPlan(mustBuild(t, decls...), cfg, false)
		require.NoError(t, err)
		require.Len(t, next.Batches, len(first.Batches))
		for b := range first.Batches {
			assert.Equal(t, batchRefs(first.Batches[b]), batchRefs(next.Batches[b]))
		}
	}
}

func TestStrategyResolutionPrecedence(t *testing.T) {
	cfg := config.GetDefaultConfig()

	overridden := decl("Deployment", "api")
	overridden.StrategyOverride = resource.StrategyBlueGreen

	g := mustBuild(t,
		overridden,
		decl("Service", "api"),
		decl("CronJob", "nightly"),
	)
	plan, err := BuildPlan(g, cfg, false)
	require.NoError(t, err)

	op, _, ok := plan.Operation(ref("Deployment", "api"))
	require.True(t, ok)
	assert.Equal(t, resource.StrategyBlueGreen, op.Strategy, "annotation override wins over the table")

	op, _, ok = plan.Operation(ref("Service", "api"))
	require.True(t, ok)
	assert.Equal(t, resource.StrategyReplace, op.Strategy, "table entry applies")

	op, _, ok = plan.Operation(ref("CronJob", "nightly"))
	require.True(t, ok)
	assert.Equal(t, config.DefaultStrategy, op.Strategy, "unknown kind falls back to the default")
}

func TestRiskClassification(t *testing.T) {
	thresholds := config.RiskThresholds{Critical: 5, High: 3, Medium: 1}
	assert.Equal(t, resource.RiskLow, classifyRisk(0, thresholds))
	assert.Equal(t, resource.RiskLow, classifyRisk(1, thresholds))
	assert.Equal(t, resource.RiskMedium, classifyRisk(2, thresholds))
	assert.Equal(t, resource.RiskMedium, classifyRisk(3, thresholds))
	assert.Equal(t, resource.RiskHigh, classifyRisk(4, thresholds))
	assert.Equal(t, resource.RiskHigh, classifyRisk(5, thresholds))
	assert.Equal(t, resource.RiskCritical, classifyRisk(6, thresholds))
}

func TestBatchMaxRisk(t *testing.T) {
	b := Batch{Operations: []Operation{
		{Risk: resource.RiskLow},
		{Risk: resource.RiskHigh},
		{Risk: resource.RiskMedium},
	}}
	assert.Equal(t, resource.RiskHigh, b.MaxRisk())
	assert.Equal(t, resource.RiskLow, Batch{}.MaxRisk())
}

func TestInterchangeOmitsManifests(t *testing.T) {
	cfg := config.GetDefaultConfig()
	g := mustBuild(t,
		decl("Secret", "db-creds"),
		decl("Deployment", "api", ref("Secret", "db-creds")),
	)
	plan, err := BuildPlan(g, cfg, true)
	require.NoError(t, err)

	out := plan.Interchange()
	assert.Equal(t, plan.ID, out.ID)
	assert.True(t, out.DryRun)
	assert.Equal(t, 2, out.TotalOperations)
	assert.Equal(t, 2, out.TotalBatches)
	require.Len(t, out.Batches, 2)
	assert.Equal(t, "Secret/prod/db-creds", out.Batches[0].Operations[0].Resource.String())
	assert.Equal(t, resource.StrategyInPlace, out.Batches[0].Operations[0].Strategy)
}

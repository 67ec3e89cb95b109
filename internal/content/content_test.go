package content

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"kpicatalog/internal/domain"
)

func assertGolden(t *testing.T, name string, got []byte) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, got)
}

func TestPath(t *testing.T) {
	assert.Equal(t, "data/kpis/checkout-conversion-rate.yaml", Path(domain.KindKPI, "checkout-conversion-rate", "id-1"))
	assert.Equal(t, "data/dimensions/id-1.yaml", Path(domain.KindDimension, "", "id-1"))
	assert.Equal(t, "data/dashboards/exec.yaml", Path(domain.KindDashboard, "exec", "id-2"))
}

func TestRenderKPI(t *testing.T) {
	out, err := Render(domain.Entity{
		Kind:        domain.KindKPI,
		Slug:        "checkout-conversion-rate",
		Name:        "Checkout Conversion Rate",
		Description: "Share of sessions that end in a completed order.",
		Category:    "Conversion",
		Tags:        []string{"ecommerce", "funnel"},
		Details: map[string]any{
			"owner_team":      "growth",
			"formula":         "completed_orders / sessions",
			"direction":       "higher_is_better",
			"unit":            "percent",
			"target":          "",
			"implementations": map[string]any{"sql": "SELECT count(*) FROM orders"},
		},
		CreatedBy:      "alice",
		LastModifiedBy: "bob",
	})
	require.NoError(t, err)
	assertGolden(t, "kpi_full", out)
}

func TestRenderOmitsEmptyFields(t *testing.T) {
	out, err := Render(domain.Entity{
		ID:   "dim-1",
		Kind: domain.KindDimension,
		Name: "Country",
		Details: map[string]any{
			"data_type":    "string",
			"values":       []any{},
			"source_table": nil,
		},
		Tags:           []string{},
		CreatedBy:      "carol",
		LastModifiedBy: "carol",
	})
	require.NoError(t, err)
	assertGolden(t, "dimension_minimal", out)
}

func TestRenderPrunesNestedEmptyValues(t *testing.T) {
	out, err := Render(domain.Entity{
		Kind: domain.KindKPI,
		Slug: "revenue-per-user",
		Name: "Revenue Per User",
		Details: map[string]any{
			"formula":         "revenue / users",
			"data_sources":    []any{"", nil, "warehouse.orders"},
			"implementations": map[string]any{"sql": "", "dax": nil, "python": "print(1)"},
			"owners":          []any{map[string]any{"name": "", "team": "growth"}, map[string]any{"name": " "}},
			"review":          map[string]any{"notes": map[string]any{"draft": ""}, "links": []any{}},
		},
		CreatedBy: "ada",
	})
	require.NoError(t, err)
	assertGolden(t, "kpi_nested_empty", out)
	assert.NotContains(t, string(out), `""`)
	assert.NotContains(t, string(out), "null")
}

func TestRenderIsValidYAMLForEveryKind(t *testing.T) {
	for _, kind := range domain.Kinds {
		out, err := Render(domain.Entity{
			Kind:        kind,
			Slug:        "sample",
			Name:        "Sample: with colon",
			Description: "line one\nline two",
			Details:     map[string]any{"name": "ignored", "notes": "# not a comment"},
			CreatedBy:   "dev",
		})
		require.NoError(t, err, kind)
		var parsed map[string]any
		require.NoError(t, yaml.Unmarshal(out, &parsed), kind)
		assert.Equal(t, "Sample: with colon", parsed["name"])
		assert.Equal(t, "line one\nline two", parsed["description"])
		assert.Equal(t, "# not a comment", parsed["notes"])
		assert.NotContains(t, parsed, "last_modified_by")
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	e := domain.Entity{
		Kind: domain.KindEvent,
		Slug: "checkout-started",
		Name: "Checkout Started",
		Details: map[string]any{
			"zeta": "z", "alpha": "a", "trigger": "click", "platforms": []string{"web", "ios"},
		},
	}
	first, err := Render(e)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Render(e)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestRenderUnknownKind(t *testing.T) {
	_, err := Render(domain.Entity{Kind: "widget", Name: "x"})
	assert.Error(t, err)
}

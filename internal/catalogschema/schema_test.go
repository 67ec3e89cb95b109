package catalogschema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpicatalog/internal/domain"
)

func TestValidateAcceptsEveryKind(t *testing.T) {
	for _, kind := range domain.Kinds {
		err := Validate(domain.Entity{Kind: kind, Name: "Sample", Tags: []string{"a"}, Details: map[string]any{}})
		assert.NoError(t, err, kind)
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	err := Validate(domain.Entity{Kind: domain.KindKPI})
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, domain.KindKPI, ve.Kind)
}

func TestValidateKindSpecificDetails(t *testing.T) {
	err := Validate(domain.Entity{
		Kind:    domain.KindKPI,
		Name:    "Churn",
		Details: map[string]any{"direction": "sideways"},
	})
	assert.Error(t, err)

	err = Validate(domain.Entity{
		Kind:    domain.KindKPI,
		Name:    "Churn",
		Details: map[string]any{"direction": "lower_is_better", "target": 0.05},
	})
	assert.NoError(t, err)

	err = Validate(domain.Entity{
		Kind:    domain.KindDashboard,
		Name:    "Exec",
		Details: map[string]any{"url": "ftp://example.com"},
	})
	assert.Error(t, err)
}

func TestValidateUnknownKind(t *testing.T) {
	assert.Error(t, Validate(domain.Entity{Kind: "widget", Name: "x"}))
}

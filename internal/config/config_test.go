package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/simplemodel/internal/graph"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "cpu", c.Backend)
	assert.False(t, c.StrictVerify)
	assert.Zero(t, c.Seed)
	require.NoError(t, c.Validate())

	shapes, err := c.Shapes()
	require.NoError(t, err)
	assert.Nil(t, shapes)
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
backend: webgpu
strictVerify: true
seed: 42
dynamicShapes:
  x: [batch, static]
`))
	require.NoError(t, err)
	assert.Equal(t, "webgpu", c.Backend)
	assert.True(t, c.StrictVerify)
	assert.Equal(t, int64(42), c.Seed)

	shapes, err := c.Shapes()
	require.NoError(t, err)
	assert.Equal(t, graph.DynamicShapes{"x": {graph.Auto("batch"), graph.Static}}, shapes)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		yaml string
		want string
	}{
		"unknown key":     {"backnd: cpu\n", "field backnd not found"},
		"empty backend":   {"backend: \"\"\n", "backend must not be empty"},
		"empty dimension": {"dynamicShapes:\n  x: [\"\", static]\n", "dimension 0 is empty"},
		"bad type":        {"seed: many\n", "parsing config"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Default()
	c.Seed = 7
	c.DynamicShapes = map[string][]string{"x": {"batch", StaticDim}}

	data, err := c.Marshal()
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

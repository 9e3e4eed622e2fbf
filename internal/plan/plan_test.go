package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/skyeye-pipeline/pkg/types"
)

const samplePlan = `{
  "fileType": "Plan",
  "mission": {
    "items": [
      {"type": "SimpleItem", "command": 22, "params": [0, 0, 0, null, 47.397742, 8.545594, 10]},
      {"type": "SimpleItem", "command": 16, "params": [0, 0, 0, null, 47.398, 8.546, 15]},
      {"type": "SimpleItem", "command": 178, "params": [1, 5, -1, 0, 0, 0, 0]},
      {"type": "SimpleItem", "command": 20, "params": [0, 0, 0, 0, null, null, null]},
      {"type": "SimpleItem", "command": 21, "params": [0, 0, 0, null, 47.3977, 8.5456, 0]}
    ]
  }
}`

func TestParseKeepsOrderAndSkipsUnknown(t *testing.T) {
	wps, err := Parse(strings.NewReader(samplePlan))
	require.NoError(t, err)

	require.Len(t, wps, 4)
	assert.Equal(t, types.TakeoffAt(47.397742, 8.545594, 10), wps[0])
	assert.Equal(t, types.NavigateTo(47.398, 8.546, 15), wps[1])
	assert.Equal(t, types.ReturnHome(), wps[2])
	assert.Equal(t, types.Land, wps[3].Kind)
}

func TestParseRejectsShortParams(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"mission":{"items":[{"command":16,"params":[0,0,0]}]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "params")
}

func TestParseRejectsNullCoordinate(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"mission":{"items":[{"command":21,"params":[0,0,0,0,null,8.5,0]}]}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param 4 is null")
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"mission":{"items":[{"command":178,"params":[]}]}}`))
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mission.plan")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o644))

	wps, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, wps, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.plan"))
	assert.Error(t, err)
}

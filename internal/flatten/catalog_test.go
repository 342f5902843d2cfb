package flatten

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	desc, ok := c.Describe("chargingStatus")
	assert.True(t, ok)
	assert.Equal(t, "Ladestatus", desc)
	assert.Contains(t, c.States("chargingStatus"), "CHARGING")

	_, ok = c.Describe("unknownKey")
	assert.False(t, ok)
}

func TestLoadCatalog_TelematicList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telematic.json")
	data := `[
		{"technical_identifier": "vehicle.body.trunk.isOpen", "cardata_element": "Trunk open", "typical_value_range": ["true", "false"]},
		{"technical_identifier": "vehicle.cabin.temp", "cardata_element": "Cabin temperature", "typical_value_range": "-40 to 80"},
		{"technical_identifier": "", "cardata_element": "ignored"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	desc, ok := c.Describe("vehicle.body.trunk.isOpen")
	assert.True(t, ok)
	assert.Equal(t, "Trunk open", desc)
	assert.Equal(t, []string{"true", "false"}, c.States("vehicle.body.trunk.isOpen"))
	assert.Nil(t, c.States("vehicle.cabin.temp"))

	// 内置条目仍然可用
	_, ok = c.Describe("mileage")
	assert.True(t, ok)
}

func TestLoadCatalog_Mapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "descriptions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("descriptions:\n  mileage: Odometer\n"), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	desc, _ := c.Describe("mileage")
	assert.Equal(t, "Odometer", desc)
}

func TestLoadCatalog_Errors(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "scalar.yaml")
	require.NoError(t, os.WriteFile(path, []byte("just a string\n"), 0o600))
	_, err = LoadCatalog(path)
	assert.Error(t, err)
}

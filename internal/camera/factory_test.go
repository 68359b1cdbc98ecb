package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendFactory(t *testing.T) {
	f := NewBackendFactory()
	rig := NewSimulatedRig(nil)
	rig.AddSensor(0, "sim")

	f.Register("simulated", rig.NewProvider)
	f.Register("argus", rig.NewProvider)
	assert.Equal(t, []string{"argus", "simulated"}, f.SupportedBackends())

	_, err := f.Lookup("ffmpeg")
	assert.Error(t, err)

	reg, err := f.NewRegistry("simulated")
	require.NoError(t, err)
	p, err := reg.Provider()
	require.NoError(t, err)
	devices, err := p.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", KB},
		{"512MB", 512 * MB},
		{"1.5 GB", GB + GB/2},
		{"10Gi", 10 * GB},
		{"2t", 2 * TB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5MB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "2.00 GB", Format(2*GB))
}

func TestSize_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		Max  Size `yaml:"max"`
		Raw  Size `yaml:"raw"`
		Zero Size `yaml:"zero"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("max: 64MB\nraw: 4096\n"), &cfg))
	assert.Equal(t, 64*MB, cfg.Max.Bytes())
	assert.Equal(t, int64(4096), cfg.Raw.Bytes())
	assert.Equal(t, int64(0), cfg.Zero.Bytes())

	err := yaml.Unmarshal([]byte("max: [1, 2]\n"), &cfg)
	assert.Error(t, err)
}

package redis

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFlags(t *testing.T) {
	o := NewOptions()
	assert.False(t, o.Enabled())
	assert.Empty(t, o.Validate())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--redis.addr=localhost:6379", "--redis.db=2"}))
	assert.True(t, o.Enabled())
	assert.Equal(t, 2, o.DB)
}

func TestOptionsValidate(t *testing.T) {
	o := NewOptions()
	o.Addr = "localhost:6379"
	o.DB = -1
	o.DialTimeout = 0
	assert.Len(t, o.Validate(), 2)
}

package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrPort(t *testing.T) {
	p, err := addrPort(":8081")
	require.NoError(t, err)
	assert.Equal(t, 8081, p)

	p, err = addrPort("0.0.0.0:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, p)

	for _, bad := range []string{"8081", ":0", ":http", ":70000"} {
		_, err := addrPort(bad)
		assert.Error(t, err, bad)
	}
}

func TestSanitizeMDNSInstance(t *testing.T) {
	assert.Equal(t, "OK-OFFLINE (camp box local)", sanitizeMDNSInstance("OK-OFFLINE (camp.box.local)"))
	assert.Equal(t, "OK-OFFLINE", sanitizeMDNSInstance("  "))
	assert.Len(t, []rune(sanitizeMDNSInstance(strings.Repeat("x", 100))), 63)
}

func TestSanitizeMDNSHost(t *testing.T) {
	assert.Equal(t, "camp-box", sanitizeMDNSHost("Camp Box.local"))
	assert.Equal(t, "my-laptop", sanitizeMDNSHost("my_laptop"))
	assert.Equal(t, "ok-offline", sanitizeMDNSHost(""))
	assert.Len(t, sanitizeMDNSHost(strings.Repeat("a", 80)), 63)
}

package netguard_test

import (
	"testing"

	"github.com/agentsec/broker/pkg/netguard"
	"github.com/stretchr/testify/assert"
)

func TestGuard_CheckHost_BlocksMetadataEndpoint(t *testing.T) {
	g := netguard.New(netguard.ModeOpen, nil, nil)
	err := g.CheckHost("169.254.169.254")
	assert.ErrorIs(t, err, netguard.ErrPrivateAddress)
}

func TestGuard_CheckHost_BlocksPrivateIP(t *testing.T) {
	g := netguard.New(netguard.ModeOpen, nil, nil)
	for _, host := range []string{"10.0.0.1", "192.168.1.1", "127.0.0.1", "172.16.0.5"} {
		assert.ErrorIsf(t, g.CheckHost(host), netguard.ErrPrivateAddress, "host %s", host)
	}
}

func TestGuard_CheckHost_AllowsPublicHost(t *testing.T) {
	g := netguard.New(netguard.ModeStrict, nil, nil)
	assert.NoError(t, g.CheckHost("api.example.com"))
}

func TestGuard_CheckHost_BlockedDomainList(t *testing.T) {
	g := netguard.New(netguard.ModeStrict, []string{"*.evil.example.com", "exact.example.com"}, nil)
	assert.ErrorIs(t, g.CheckHost("sub.evil.example.com"), netguard.ErrHostDenied)
	assert.ErrorIs(t, g.CheckHost("exact.example.com"), netguard.ErrHostDenied)
	assert.NoError(t, g.CheckHost("fine.example.com"))
}

func TestGuard_IsAdditionallyAllowed(t *testing.T) {
	g := netguard.New(netguard.ModePermissive, nil, []string{"*.internal.example.com"})
	assert.True(t, g.IsAdditionallyAllowed("svc.internal.example.com"))
	assert.False(t, g.IsAdditionallyAllowed("api.example.com"))
}

func TestValidateHostFormat(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"api.example.com", false},
		{"localhost:8080", false},
		{"api.example.com:443", false},
		{"user@api.example.com", true},
		{"api example.com", true},
		{"api.example.com%00", true},
		{"nodothost", true},
		{"-leadingdash.example.com", true},
	}
	for _, c := range cases {
		_, err := netguard.ValidateHostFormat(c.in)
		if c.wantErr {
			assert.Errorf(t, err, "input %q", c.in)
		} else {
			assert.NoErrorf(t, err, "input %q", c.in)
		}
	}
}

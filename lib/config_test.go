package lib

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultTransportConfig().Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestConfigValidatePeerExpiryFloor(t *testing.T) {
	c := DefaultTransportConfig()
	c.PeerExpiry = c.SpmAmbientInterval // must be >= 2x
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

func TestConfigValidateSpmrBelowAmbient(t *testing.T) {
	c := DefaultTransportConfig()
	c.SpmrExpiry = c.SpmAmbientInterval
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

func TestConfigValidateSendRecvMutuallyExclusive(t *testing.T) {
	c := DefaultTransportConfig()
	c.SendOnly = true
	c.RecvOnly = true
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

func TestConfigValidateHeartbeatMustAscend(t *testing.T) {
	c := DefaultTransportConfig()
	c.SpmHeartbeatInterval = []time.Duration{200 * time.Millisecond, 100 * time.Millisecond}
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

func TestConfigValidateFecRejected(t *testing.T) {
	c := DefaultTransportConfig()
	c.FecEnabled = true
	c.FecN = 3
	c.FecK = 3 // not a power of two in valid range and n<=k
	if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Validate() = %v, want ErrInvalidArgument", err)
	}
}

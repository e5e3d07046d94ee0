package lib

import (
	"fmt"
	"time"
)

// TransportConfig is the full configuration surface of spec.md §6. Every
// setter is only valid before Bind; DefaultTransportConfig returns sane
// defaults modeled on the reference implementation's own defaults.
type TransportConfig struct {
	MaxTPDU uint16 `yaml:"max_tpdu"`
	Hops    uint8  `yaml:"hops"`

	SpmAmbientInterval   time.Duration   `yaml:"spm_ambient_interval"`
	SpmHeartbeatInterval []time.Duration `yaml:"spm_heartbeat_interval"`

	PeerExpiry  time.Duration `yaml:"peer_expiry"`
	SpmrExpiry  time.Duration `yaml:"spmr_expiry"`

	TxwSqns uint32 `yaml:"txw_sqns"`
	RxwSqns uint32 `yaml:"rxw_sqns"`
	TxwSecs time.Duration `yaml:"txw_secs"`
	RxwSecs time.Duration `yaml:"rxw_secs"`

	TxwMaxRte uint64 `yaml:"txw_max_rte"`
	RxwMaxRte uint64 `yaml:"rxw_max_rte"`

	SndBuf int `yaml:"sndbuf"`
	RcvBuf int `yaml:"rcvbuf"`

	NakBoIvl       time.Duration `yaml:"nak_bo_ivl"`
	NakRptIvl      time.Duration `yaml:"nak_rpt_ivl"`
	NakRdataIvl    time.Duration `yaml:"nak_rdata_ivl"`
	NakDataRetries int           `yaml:"nak_data_retries"`
	NakNcfRetries  int           `yaml:"nak_ncf_retries"`

	FecN         int  `yaml:"fec_n"`
	FecK         int  `yaml:"fec_k"`
	FecProactive bool `yaml:"fec_proactive"`
	FecOnDemand  bool `yaml:"fec_ondemand"`
	FecVarPktLen bool `yaml:"fec_var_pktlen"`
	FecEnabled   bool `yaml:"fec_enabled"`

	SendOnly bool `yaml:"send_only"`
	RecvOnly bool `yaml:"recv_only"`
	Passive  bool `yaml:"passive"`

	// CloseDrainTimeout bounds how long Close waits for the timer and
	// receiver goroutines to return before it gives up; no SPMs or NAKs
	// are flushed on close. It resolves the open question around the
	// reference implementation's unimplemented destroy-time flush.
	CloseDrainTimeout time.Duration `yaml:"close_drain_timeout"`
}

// DefaultTransportConfig returns the same ballpark defaults the reference
// implementation ships: a 16-second peer expiry at 8x the 2s ambient SPM
// interval, modest windows, and FEC disabled.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxTPDU:              1500,
		Hops:                 16,
		SpmAmbientInterval:   2 * time.Second,
		SpmHeartbeatInterval: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond},
		PeerExpiry:           16 * time.Second,
		SpmrExpiry:           250 * time.Millisecond,
		TxwSqns:              2048,
		RxwSqns:              2048,
		SndBuf:               1 << 20,
		RcvBuf:               1 << 20,
		NakBoIvl:             50 * time.Millisecond,
		NakRptIvl:            200 * time.Millisecond,
		NakRdataIvl:          200 * time.Millisecond,
		NakDataRetries:       5,
		NakNcfRetries:        2,
		CloseDrainTimeout:    200 * time.Millisecond,
	}
}

// Validate checks the configuration against spec.md §6's stated
// constraints, returning ErrInvalidArgument-wrapped errors describing the
// first violation found.
func (c TransportConfig) Validate() error {
	if c.MaxTPDU < HeaderSize {
		return fmt.Errorf("pgm: max_tpdu %d smaller than pgm header: %w", c.MaxTPDU, ErrInvalidArgument)
	}
	if c.Hops == 0 {
		return fmt.Errorf("pgm: hops must be in [1,255]: %w", ErrInvalidArgument)
	}
	if c.PeerExpiry < 2*c.SpmAmbientInterval {
		return fmt.Errorf("pgm: peer_expiry must be >= 2*spm_ambient_interval: %w", ErrInvalidArgument)
	}
	if c.SpmrExpiry >= c.SpmAmbientInterval {
		return fmt.Errorf("pgm: spmr_expiry must be < spm_ambient_interval: %w", ErrInvalidArgument)
	}
	if c.TxwSqns >= (1<<31)-1 || c.RxwSqns >= (1<<31)-1 {
		return fmt.Errorf("pgm: txw_sqns/rxw_sqns must be < 2^31-1: %w", ErrInvalidArgument)
	}
	for i := 1; i < len(c.SpmHeartbeatInterval); i++ {
		if c.SpmHeartbeatInterval[i] < c.SpmHeartbeatInterval[i-1] {
			return fmt.Errorf("pgm: spm_heartbeat_interval must be ascending: %w", ErrInvalidArgument)
		}
	}
	if c.SendOnly && c.RecvOnly {
		return fmt.Errorf("pgm: send_only and recv_only are mutually exclusive: %w", ErrInvalidArgument)
	}
	if c.FecEnabled {
		if _, err := NewFecConfig(c.FecN, c.FecK, c.FecProactive, c.FecOnDemand, c.FecVarPktLen); err != nil {
			return err
		}
	}
	return nil
}

// Package config loads the on-disk YAML configuration for a PGM transport
// node: network addressing the lib package has no business knowing about,
// plus the full lib.TransportConfig surface. Modeled on the teacher's
// config.AppConfig / ReadConfig("config.yaml") pattern referenced throughout
// its client/server entry points.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/pgm-go/lib"
)

// NetConfig is the addressing and interface surface a PGM node needs that
// sits outside the protocol-agnostic lib.TransportConfig: which interface to
// bind, which multicast groups to join/publish, and our own TSI port.
type NetConfig struct {
	Interface    string `yaml:"interface"`
	SendGroup    string `yaml:"send_group"`    // multicast NLA we publish ODATA/RDATA/SPM to
	RecvGroup    string `yaml:"recv_group"`    // multicast NLA we join for receiving
	DestPort     uint16 `yaml:"dest_port"`     // pgm.dport this node answers to
	GSI          string `yaml:"gsi"`           // hex-encoded 6-byte GSI, empty means derive from interface address
	RawSocket    bool   `yaml:"raw_socket"`    // use a raw IP socket instead of UDP encapsulation
	ProtocolID   int    `yaml:"protocol_id"`   // IP protocol number when raw_socket is set (113 for native PGM)
}

// AppConfigT is the full config.yaml document: networking plus the
// lib.TransportConfig fields, flattened into one file the way the teacher's
// config.yaml carries both PCP protocol knobs and AppConfig bookkeeping
// together.
type AppConfigT struct {
	Net       NetConfig `yaml:"net"`
	Transport TransportYAML `yaml:"transport"`

	// LogLevel selects verbosity for the bare log.Logger the rest of the
	// module writes through, matching the teacher's single global logger.
	LogLevel string `yaml:"log_level"`
}

// TransportYAML mirrors lib.TransportConfig's yaml tags; kept as a separate
// type so config.yaml can nest it under a "transport:" key without lib
// needing to know about the surrounding document shape.
type TransportYAML struct {
	MaxTPDU              uint16          `yaml:"max_tpdu"`
	Hops                 uint8           `yaml:"hops"`
	SpmAmbientInterval   time.Duration   `yaml:"spm_ambient_interval"`
	SpmHeartbeatInterval []time.Duration `yaml:"spm_heartbeat_interval"`
	PeerExpiry           time.Duration   `yaml:"peer_expiry"`
	SpmrExpiry           time.Duration   `yaml:"spmr_expiry"`
	TxwSqns              uint32          `yaml:"txw_sqns"`
	RxwSqns              uint32          `yaml:"rxw_sqns"`
	TxwSecs              time.Duration   `yaml:"txw_secs"`
	RxwSecs              time.Duration   `yaml:"rxw_secs"`
	TxwMaxRte            uint64          `yaml:"txw_max_rte"`
	RxwMaxRte            uint64          `yaml:"rxw_max_rte"`
	SndBuf               int             `yaml:"sndbuf"`
	RcvBuf               int             `yaml:"rcvbuf"`
	NakBoIvl             time.Duration   `yaml:"nak_bo_ivl"`
	NakRptIvl            time.Duration   `yaml:"nak_rpt_ivl"`
	NakRdataIvl          time.Duration   `yaml:"nak_rdata_ivl"`
	NakDataRetries       int             `yaml:"nak_data_retries"`
	NakNcfRetries        int             `yaml:"nak_ncf_retries"`
	FecN                 int             `yaml:"fec_n"`
	FecK                 int             `yaml:"fec_k"`
	FecProactive         bool            `yaml:"fec_proactive"`
	FecOnDemand          bool            `yaml:"fec_ondemand"`
	FecVarPktLen         bool            `yaml:"fec_var_pktlen"`
	FecEnabled           bool            `yaml:"fec_enabled"`
	SendOnly             bool            `yaml:"send_only"`
	RecvOnly             bool            `yaml:"recv_only"`
	Passive              bool            `yaml:"passive"`
	CloseDrainTimeout    time.Duration   `yaml:"close_drain_timeout"`
}

// ToLib converts the YAML document's transport section into a
// lib.TransportConfig, starting from lib.DefaultTransportConfig() so a
// config.yaml only needs to name the fields it wants to override.
func (y TransportYAML) ToLib() lib.TransportConfig {
	c := lib.DefaultTransportConfig()
	if y.MaxTPDU != 0 {
		c.MaxTPDU = y.MaxTPDU
	}
	if y.Hops != 0 {
		c.Hops = y.Hops
	}
	if y.SpmAmbientInterval != 0 {
		c.SpmAmbientInterval = y.SpmAmbientInterval
	}
	if len(y.SpmHeartbeatInterval) > 0 {
		c.SpmHeartbeatInterval = y.SpmHeartbeatInterval
	}
	if y.PeerExpiry != 0 {
		c.PeerExpiry = y.PeerExpiry
	}
	if y.SpmrExpiry != 0 {
		c.SpmrExpiry = y.SpmrExpiry
	}
	if y.TxwSqns != 0 {
		c.TxwSqns = y.TxwSqns
	}
	if y.RxwSqns != 0 {
		c.RxwSqns = y.RxwSqns
	}
	c.TxwSecs = y.TxwSecs
	c.RxwSecs = y.RxwSecs
	c.TxwMaxRte = y.TxwMaxRte
	c.RxwMaxRte = y.RxwMaxRte
	if y.SndBuf != 0 {
		c.SndBuf = y.SndBuf
	}
	if y.RcvBuf != 0 {
		c.RcvBuf = y.RcvBuf
	}
	if y.NakBoIvl != 0 {
		c.NakBoIvl = y.NakBoIvl
	}
	if y.NakRptIvl != 0 {
		c.NakRptIvl = y.NakRptIvl
	}
	if y.NakRdataIvl != 0 {
		c.NakRdataIvl = y.NakRdataIvl
	}
	if y.NakDataRetries != 0 {
		c.NakDataRetries = y.NakDataRetries
	}
	if y.NakNcfRetries != 0 {
		c.NakNcfRetries = y.NakNcfRetries
	}
	c.FecN = y.FecN
	c.FecK = y.FecK
	c.FecProactive = y.FecProactive
	c.FecOnDemand = y.FecOnDemand
	c.FecVarPktLen = y.FecVarPktLen
	c.FecEnabled = y.FecEnabled
	c.SendOnly = y.SendOnly
	c.RecvOnly = y.RecvOnly
	c.Passive = y.Passive
	if y.CloseDrainTimeout != 0 {
		c.CloseDrainTimeout = y.CloseDrainTimeout
	}
	return c
}

// AppConfig is the process-wide loaded configuration, mirroring the
// teacher's package-level config.AppConfig variable read by every command's
// main(). Mu guards reloads racing against readers on live nodes.
var (
	AppConfig AppConfigT
	Mu        sync.Mutex
)

// ReadConfig loads path as YAML into AppConfig and returns it, following
// the teacher's config.ReadConfig("config.yaml") call convention used by
// every client/server entry point.
func ReadConfig(path string) (AppConfigT, error) {
	Mu.Lock()
	defer Mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return AppConfigT{}, fmt.Errorf("pgm: reading config %s: %w", path, err)
	}
	var cfg AppConfigT
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfigT{}, fmt.Errorf("pgm: parsing config %s: %w", path, err)
	}
	AppConfig = cfg
	return cfg, nil
}

// LoadConfig reads path and returns both the lib.TransportConfig and the
// surrounding NetConfig, the two halves every node entry point needs to
// build a lib.Transport.
func LoadConfig(path string) (lib.TransportConfig, NetConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return lib.TransportConfig{}, NetConfig{}, err
	}
	tc := cfg.Transport.ToLib()
	if err := tc.Validate(); err != nil {
		return lib.TransportConfig{}, NetConfig{}, err
	}
	return tc, cfg.Net, nil
}

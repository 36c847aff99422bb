package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/interledger/connector-go/internal/model"
)

// Config holds all configuration for the connector node.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Node       NodeConfig       `yaml:"node"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Routing    RoutingConfig    `yaml:"routing"`
	Rates      RatesConfig      `yaml:"rates"`
	Settlement SettlementConfig `yaml:"settlement"`
	Accounts   []AccountConfig  `yaml:"accounts"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	// Port serves ILP-over-HTTP, BTP, SPSP and status.
	Port string `yaml:"port"`
	// SettlementPort serves inbound settlement-engine callbacks.
	SettlementPort string `yaml:"settlement_port"`
	// GlobalPacketsPerSecond paces all inbound ILP traffic; zero disables.
	GlobalPacketsPerSecond float64 `yaml:"global_packets_per_second"`
}

// NodeConfig identifies this connector.
type NodeConfig struct {
	// ILPAddress is the node's own address. May be empty when a parent
	// account is configured; it is then fetched over ILDCP at boot.
	ILPAddress string `yaml:"ilp_address"`
	// SecretSeed is 32 hex-encoded bytes; every derived key (store
	// encryption, STREAM receiver, routing auth) comes from it.
	SecretSeed string `yaml:"secret_seed"`
	// Spread is the connector's FX fee fraction.
	Spread float64 `yaml:"spread"`
	// AssetCode/AssetScale describe the node's own STREAM receiver asset.
	AssetCode  string `yaml:"asset_code"`
	AssetScale uint8  `yaml:"asset_scale"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RoutingConfig tunes CCP.
type RoutingConfig struct {
	// BroadcastInterval is loaded and defaulted here only; the CCP
	// broadcaster does not read it and always runs on
	// routing.DefaultBroadcastInterval (30s).
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	// Static maps prefixes to account names from the accounts list.
	Static map[string]string `yaml:"static"`
}

// RatesConfig seeds and refreshes the exchange rates, quoted as units per
// base asset.
type RatesConfig struct {
	Static       map[string]float64 `yaml:"static"`
	PollURL      string             `yaml:"poll_url"`
	PollInterval time.Duration      `yaml:"poll_interval"`
}

// SettlementConfig tunes the settlement queue.
type SettlementConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// AccountConfig seeds one account at boot.
type AccountConfig struct {
	Name       string `yaml:"name"`
	ILPAddress string `yaml:"ilp_address"`
	AssetCode  string `yaml:"asset_code"`
	AssetScale uint8  `yaml:"asset_scale"`
	Relation   string `yaml:"relation"` // parent, peer, child, none

	IncomingToken string `yaml:"incoming_token"`
	OutgoingToken string `yaml:"outgoing_token"`
	BTPURL        string `yaml:"btp_url"`
	HTTPURL       string `yaml:"http_url"`

	MaxPacketAmount  uint64        `yaml:"max_packet_amount"`
	PacketsPerSecond float64       `yaml:"packets_per_second"`
	AmountPerSecond  uint64        `yaml:"amount_per_second"`
	RoundTripTime    time.Duration `yaml:"round_trip_time"`

	MaxBalance  *uint64 `yaml:"max_balance"`
	MaxOwedToUs *uint64 `yaml:"max_owed_to_us"`

	SettleThreshold     *uint64 `yaml:"settle_threshold"`
	SettleTo            uint64  `yaml:"settle_to"`
	SettlementEngineURL string  `yaml:"settlement_engine_url"`

	SendRoutes    bool `yaml:"send_routes"`
	ReceiveRoutes bool `yaml:"receive_routes"`
}

// Load reads a YAML config file and returns a Config struct.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":7770"
	}
	if c.Server.SettlementPort == "" {
		c.Server.SettlementPort = ":7771"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "redis"
	}
	if c.Routing.BroadcastInterval == 0 {
		c.Routing.BroadcastInterval = 30 * time.Second
	}
	if c.Rates.PollInterval == 0 {
		c.Rates.PollInterval = time.Minute
	}
	if c.Node.AssetCode == "" {
		c.Node.AssetCode = "USD"
	}
}

// Validate enforces the boot-time invariants; violating them is fatal.
func (c *Config) Validate() error {
	if _, err := c.SecretSeed(); err != nil {
		return err
	}
	hasParent := false
	for i, acct := range c.Accounts {
		if acct.Name == "" {
			return fmt.Errorf("config: account %d has no name", i)
		}
		switch model.Relation(acct.Relation) {
		case model.RelationParent:
			hasParent = true
		case model.RelationPeer, model.RelationChild, model.RelationNone, "":
		default:
			return fmt.Errorf("config: account %q: unknown relation %q", acct.Name, acct.Relation)
		}
	}
	if c.Node.ILPAddress == "" && !hasParent {
		return errors.New("config: ilp_address is required without a parent account")
	}
	for prefix, name := range c.Routing.Static {
		if !c.hasAccount(name) {
			return fmt.Errorf("config: static route %q references unknown account %q", prefix, name)
		}
	}
	return nil
}

// SecretSeed decodes the node's root secret. Missing or malformed seeds
// abort boot.
func (c *Config) SecretSeed() ([]byte, error) {
	if c.Node.SecretSeed == "" {
		return nil, errors.New("config: node.secret_seed is required")
	}
	seed, err := hex.DecodeString(c.Node.SecretSeed)
	if err != nil || len(seed) != 32 {
		return nil, errors.New("config: node.secret_seed must be 32 hex-encoded bytes")
	}
	return seed, nil
}

func (c *Config) hasAccount(name string) bool {
	for _, acct := range c.Accounts {
		if acct.Name == name {
			return true
		}
	}
	return false
}

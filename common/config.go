package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kysee/velo-zk/zk-mixer/node"
	"github.com/kysee/velo-zk/zk-mixer/pool"
	"github.com/kysee/velo-zk/zk-mixer/relayer"
	"github.com/kysee/velo-zk/zk-mixer/setup"
	"github.com/kysee/velo-zk/zk-mixer/splitter"
	"github.com/kysee/velo-zk/zk-mixer/types"
	"github.com/shopspring/decimal"
)

// Duration reads "30s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Relayer  RelayerConfig  `toml:"relayer"`
	Split    SplitConfig    `toml:"split"`
}

// PipelineConfig locates the proving artifacts. Depth is shared with the ledger.
type PipelineConfig struct {
	Dir         string `toml:"dir"`
	Backend     string `toml:"backend"`
	Depth       int    `toml:"depth"`
	Workers     int    `toml:"workers"`
	InsecureSRS bool   `toml:"insecure_srs"`
}

type LedgerConfig struct {
	Dir               string `toml:"dir"`
	ProgramID         string `toml:"program_id"`
	AllowTestWithdraw bool   `toml:"allow_test_withdraw"`
}

type RelayerConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`

	Listen         string   `toml:"listen"`
	KeyFile        string   `toml:"key_file"`
	Mode           string   `toml:"mode"`
	Pools          string   `toml:"pools"`
	AllowedOrigins []string `toml:"allowed_origins"`

	MinFee  decimal.Decimal `toml:"min_fee"`
	RateBps uint64          `toml:"rate_bps"`
	MaxFee  decimal.Decimal `toml:"max_fee"`

	RateLimit float64 `toml:"rate_limit"`
	RateBurst int64   `toml:"rate_burst"`

	SpentCacheSize   int      `toml:"spent_cache_size"`
	StaleRootRetries uint64   `toml:"stale_root_retries"`
	RetryInterval    Duration `toml:"retry_interval"`
}

type SplitConfig struct {
	MinDelay        Duration `toml:"min_delay"`
	MaxDelay        Duration `toml:"max_delay"`
	RejectRemainder bool     `toml:"reject_remainder"`
	NotesFile       string   `toml:"notes_file"`
}

func Default() *Config {
	rc := relayer.DefaultConfig()
	sc := relayer.DefaultServerConfig()
	so := splitter.DefaultOptions()
	return &Config{
		Log: DefaultLogConfig(),
		Pipeline: PipelineConfig{
			Dir:     "artifacts",
			Backend: string(types.GROTH16),
			Depth:   types.DefaultTreeDepth,
			Workers: 2,
		},
		Ledger: LedgerConfig{
			Dir:       "devnet",
			ProgramID: types.DefaultProgram,
		},
		Relayer: RelayerConfig{
			URL:              "http://" + sc.Listen,
			Timeout:          Duration{30 * time.Second},
			Listen:           sc.Listen,
			KeyFile:          "relayer.key",
			Mode:             string(rc.Mode),
			Pools:            rc.Pools.String(),
			AllowedOrigins:   sc.AllowedOrigins,
			MinFee:           pool.ToSol(rc.Fees.MinFee),
			RateBps:          rc.Fees.RateBps,
			MaxFee:           pool.ToSol(rc.Fees.MaxFee),
			RateLimit:        sc.RateLimit,
			RateBurst:        sc.RateBurst,
			SpentCacheSize:   rc.SpentCacheSize,
			StaleRootRetries: rc.StaleRootRetries,
			RetryInterval:    Duration{rc.RetryInterval},
		},
		Split: SplitConfig{
			MinDelay:  Duration{so.MinDelay},
			MaxDelay:  Duration{so.MaxDelay},
			NotesFile: "notes.txt",
		},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if _, err := types.ParseBackend(c.Pipeline.Backend); err != nil {
		return err
	}
	if c.Pipeline.Depth <= 0 {
		return fmt.Errorf("pipeline.depth must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}
	if _, err := types.ParsePublicKey(c.Ledger.ProgramID); err != nil {
		return fmt.Errorf("ledger.program_id: %w", err)
	}
	if _, err := c.RelayerConfig(); err != nil {
		return err
	}
	if c.Relayer.RateLimit <= 0 || c.Relayer.RateBurst <= 0 {
		return errors.New("relayer.rate_limit and relayer.rate_burst must be positive")
	}
	opts := c.SplitOptions()
	return opts.Validate()
}

func (c *Config) SetupConfig() *setup.Config {
	return &setup.Config{
		Dir:         c.Pipeline.Dir,
		Backend:     types.Backend(c.Pipeline.Backend),
		Depth:       c.Pipeline.Depth,
		InsecureSRS: c.Pipeline.InsecureSRS,
	}
}

func (c *Config) NodeConfig() (node.Config, error) {
	cfg := node.DefaultConfig()
	pid, err := types.ParsePublicKey(c.Ledger.ProgramID)
	if err != nil {
		return cfg, err
	}
	cfg.Dir = c.Ledger.Dir
	cfg.ProgramID = pid
	cfg.Depth = c.Pipeline.Depth
	cfg.AllowTestWithdraw = c.Ledger.AllowTestWithdraw
	return cfg, nil
}

func (c *Config) RelayerConfig() (relayer.Config, error) {
	cfg := relayer.DefaultConfig()
	mode, err := relayer.ParseMode(c.Relayer.Mode)
	if err != nil {
		return cfg, err
	}
	pools, err := pool.Parse(c.Relayer.Pools)
	if err != nil {
		return cfg, fmt.Errorf("relayer.pools: %w", err)
	}
	pid, err := types.ParsePublicKey(c.Ledger.ProgramID)
	if err != nil {
		return cfg, err
	}
	minFee, err := pool.FromSol(c.Relayer.MinFee)
	if err != nil {
		return cfg, fmt.Errorf("relayer.min_fee: %w", err)
	}
	maxFee, err := pool.FromSol(c.Relayer.MaxFee)
	if err != nil {
		return cfg, fmt.Errorf("relayer.max_fee: %w", err)
	}

	cfg.Mode = mode
	cfg.Pools = pools
	cfg.ProgramID = pid
	cfg.Fees = relayer.FeeSchedule{MinFee: minFee, RateBps: c.Relayer.RateBps, MaxFee: maxFee}
	cfg.SpentCacheSize = c.Relayer.SpentCacheSize
	cfg.StaleRootRetries = c.Relayer.StaleRootRetries
	cfg.RetryInterval = c.Relayer.RetryInterval.Duration
	if err := cfg.Fees.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ServerConfig(version string) relayer.ServerConfig {
	return relayer.ServerConfig{
		Listen:         c.Relayer.Listen,
		AllowedOrigins: c.Relayer.AllowedOrigins,
		RateLimit:      c.Relayer.RateLimit,
		RateBurst:      c.Relayer.RateBurst,
		Version:        version,
	}
}

func (c *Config) SplitOptions() splitter.Options {
	return splitter.Options{
		MinDelay:        c.Split.MinDelay.Duration,
		MaxDelay:        c.Split.MaxDelay.Duration,
		RejectRemainder: c.Split.RejectRemainder,
	}
}

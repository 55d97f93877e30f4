package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"PooledVault/internal/auth"
	"PooledVault/internal/vault"
	"PooledVault/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "VAULTD_CONFIG"

// DefaultPath 是未指定时使用的配置文件。
const DefaultPath = "configs/vaultd.yaml"

// Config 描述 vaultd 启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     logger.Config `json:"log" yaml:"log"`
	Chain   ChainConfig   `json:"chain" yaml:"chain"`
	Vault   VaultConfig   `json:"vault" yaml:"vault"`
	Batcher BatcherConfig `json:"batcher" yaml:"batcher"`
	Keeper  KeeperConfig  `json:"keeper" yaml:"keeper"`
}

// ServerConfig 控制 API 服务的监听地址。metrics_address 非空时额外启动
// 独立的指标监听；operators 为空时写接口不鉴权。
type ServerConfig struct {
	Address        string                `json:"address" yaml:"address"`
	MetricsPath    string                `json:"metrics_path" yaml:"metrics_path"`
	MetricsAddress string                `json:"metrics_address" yaml:"metrics_address"`
	Operators      []auth.OperatorConfig `json:"operators" yaml:"operators"`
}

// ChainConfig 描述区块高度来源。rpc_url 为空时使用本地手动时钟。
type ChainConfig struct {
	ChainID         int64    `json:"chain_id" yaml:"chain_id"`
	RPCURL          string   `json:"rpc_url" yaml:"rpc_url"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
	StaleBlockLimit uint64   `json:"stale_block_limit" yaml:"stale_block_limit"`
	StartBlock      uint64   `json:"start_block" yaml:"start_block"`
}

// TokenConfig 定义 want token。
type TokenConfig struct {
	Address  string `json:"address" yaml:"address"`
	Name     string `json:"name" yaml:"name"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// ExecutorConfig 定义一个随金库启动注册的执行器。
type ExecutorConfig struct {
	Address         string `json:"address" yaml:"address"`
	Kind            string `json:"kind" yaml:"kind"`
	StaleBlockLimit uint64 `json:"stale_block_limit" yaml:"stale_block_limit"`
}

// VaultConfig 描述金库本身。
type VaultConfig struct {
	Address            string           `json:"address" yaml:"address"`
	Name               string           `json:"name" yaml:"name"`
	Symbol             string           `json:"symbol" yaml:"symbol"`
	Keeper             string           `json:"keeper" yaml:"keeper"`
	Governance         string           `json:"governance" yaml:"governance"`
	PerformanceFeeBps  uint64           `json:"performance_fee_bps" yaml:"performance_fee_bps"`
	BatcherOnlyDeposit *bool            `json:"batcher_only_deposit" yaml:"batcher_only_deposit"`
	Want               TokenConfig      `json:"want" yaml:"want"`
	Executors          []ExecutorConfig `json:"executors" yaml:"executors"`
}

// BatcherConfig 描述批处理器。max_amount 为十进制字符串，留空表示不限。
type BatcherConfig struct {
	Address               string `json:"address" yaml:"address"`
	VerificationAuthority string `json:"verification_authority" yaml:"verification_authority"`
	MaxAmount             string `json:"max_amount" yaml:"max_amount"`
	SignatureCheck        bool   `json:"signature_check" yaml:"signature_check"`
}

// QueueConfig 选择结算任务队列实现。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Queue    string `json:"queue" yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// StoreConfig 选择结算任务存储。
type StoreConfig struct {
	Driver          string   `json:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook" yaml:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook" yaml:"slack_webhook"`
	SlackChannel    string `json:"slack_channel" yaml:"slack_channel"`
}

// KeeperConfig 描述结算任务的调度与执行。
type KeeperConfig struct {
	Enabled          *bool          `json:"enabled" yaml:"enabled"`
	Workers          int            `json:"workers" yaml:"workers"`
	MaxRetries       int            `json:"max_retries" yaml:"max_retries"`
	RetryDelay       Duration       `json:"retry_delay" yaml:"retry_delay"`
	ScheduleInterval Duration       `json:"schedule_interval" yaml:"schedule_interval"`
	Queue            QueueConfig    `json:"queue" yaml:"queue"`
	Store            StoreConfig    `json:"store" yaml:"store"`
	Alerting         AlertingConfig `json:"alerting" yaml:"alerting"`
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath 返回命令行参数、环境变量或默认值中第一个非空的路径。
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}

	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 1
	}
	if c.Chain.PollInterval == 0 {
		c.Chain.PollInterval = Duration(12 * time.Second)
	}
	if c.Chain.StaleBlockLimit == 0 {
		c.Chain.StaleBlockLimit = 50
	}

	if c.Vault.Want.Decimals == 0 {
		c.Vault.Want.Decimals = 18
	}
	if c.Vault.Name == "" && c.Vault.Want.Symbol != "" {
		c.Vault.Name = "Batcher " + c.Vault.Want.Symbol
	}
	if c.Vault.Symbol == "" && c.Vault.Want.Symbol != "" {
		c.Vault.Symbol = "B" + c.Vault.Want.Symbol
	}
	if c.Vault.BatcherOnlyDeposit == nil {
		enabled := true
		c.Vault.BatcherOnlyDeposit = &enabled
	}
	for i := range c.Vault.Executors {
		e := &c.Vault.Executors[i]
		if e.Kind == "" {
			e.Kind = "sync"
		}
		if e.StaleBlockLimit == 0 {
			e.StaleBlockLimit = c.Chain.StaleBlockLimit
		}
	}

	if c.Keeper.Enabled == nil {
		enabled := true
		c.Keeper.Enabled = &enabled
	}
	if c.Keeper.Workers <= 0 {
		c.Keeper.Workers = 1
	}
	if c.Keeper.MaxRetries <= 0 {
		c.Keeper.MaxRetries = 3
	}
	if c.Keeper.RetryDelay == 0 {
		c.Keeper.RetryDelay = Duration(2 * time.Second)
	}
	if c.Keeper.ScheduleInterval == 0 {
		c.Keeper.ScheduleInterval = Duration(time.Minute)
	}
	if c.Keeper.Queue.Driver == "" {
		c.Keeper.Queue.Driver = "memory"
	}
	if c.Keeper.Queue.Size <= 0 {
		c.Keeper.Queue.Size = 256
	}
	if c.Keeper.Store.Driver == "" {
		c.Keeper.Store.Driver = "memory"
	}
}

// Validate 检查地址、金额与驱动配置。
func (c *Config) Validate() error {
	var errs []error
	requireAddress := func(field, value string) {
		if !common.IsHexAddress(value) {
			errs = append(errs, fmt.Errorf("%s 不是合法地址: %q", field, value))
		} else if common.HexToAddress(value) == (common.Address{}) {
			errs = append(errs, fmt.Errorf("%s 不能为零地址", field))
		}
	}

	requireAddress("vault.address", c.Vault.Address)
	requireAddress("vault.keeper", c.Vault.Keeper)
	requireAddress("vault.governance", c.Vault.Governance)
	requireAddress("vault.want.address", c.Vault.Want.Address)
	requireAddress("batcher.address", c.Batcher.Address)
	if c.Batcher.SignatureCheck || c.Batcher.VerificationAuthority != "" {
		requireAddress("batcher.verification_authority", c.Batcher.VerificationAuthority)
	}
	if c.Vault.PerformanceFeeBps > vault.MaxPerformanceFee {
		errs = append(errs, fmt.Errorf("vault.performance_fee_bps 不能超过 %d", vault.MaxPerformanceFee))
	}
	if c.Batcher.MaxAmount != "" {
		if _, err := uint256.FromDecimal(c.Batcher.MaxAmount); err != nil {
			errs = append(errs, fmt.Errorf("batcher.max_amount 不是合法金额: %w", err))
		}
	}
	for i, op := range c.Server.Operators {
		if op.Token == "" && op.TokenEnv == "" {
			errs = append(errs, fmt.Errorf("server.operators[%d] 需要 token 或 token_env", i))
		}
	}
	for i, e := range c.Vault.Executors {
		requireAddress(fmt.Sprintf("vault.executors[%d].address", i), e.Address)
		if e.Kind != "sync" && e.Kind != "async" {
			errs = append(errs, fmt.Errorf("vault.executors[%d].kind 仅支持 sync/async", i))
		}
	}

	switch c.Keeper.Queue.Driver {
	case "memory":
	case "redis":
		if c.Keeper.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("keeper.queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Keeper.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("keeper.queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动 %q", c.Keeper.Queue.Driver))
	}
	switch c.Keeper.Store.Driver {
	case "memory":
	case "mysql":
		if c.Keeper.Store.DSN == "" {
			errs = append(errs, errors.New("keeper.store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动 %q", c.Keeper.Store.Driver))
	}
	return errors.Join(errs...)
}

// MaxAmountValue 返回批处理器的单笔上限，未配置时为 nil。
func (c BatcherConfig) MaxAmountValue() *uint256.Int {
	if c.MaxAmount == "" {
		return nil
	}
	v, err := uint256.FromDecimal(c.MaxAmount)
	if err != nil {
		return nil
	}
	return v
}

// Duration 同时支持 "5s" 形式的字符串与整数秒。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无法解析时间间隔 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("不支持的时间间隔类型 %T", raw)
	}
	return nil
}

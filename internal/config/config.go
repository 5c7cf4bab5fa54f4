package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"KittyMarket-Chain/pkg/logger"
)

// Config 描述节点启动时需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Market   MarketConfig   `json:"market" yaml:"market"`
	Oracle   OracleConfig   `json:"oracle" yaml:"oracle"`
	Chain    ChainConfig    `json:"chain" yaml:"chain"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Web3     Web3Config     `json:"web3" yaml:"web3"`
	Log      logger.Config  `json:"log" yaml:"log"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
	// SubmitRatePerSecond 限制 POST /extrinsics 的速率，零表示不限制。
	SubmitRatePerSecond float64 `json:"submit_rate_per_second" yaml:"submit_rate_per_second"`
	SubmitBurst         int     `json:"submit_burst" yaml:"submit_burst"`
}

// MarketConfig 对应市场引擎参数。金额使用十进制字符串。
type MarketConfig struct {
	MinBidIncrement    string `json:"min_bid_increment" yaml:"min_bid_increment"`
	MinSaleSpan        uint64 `json:"min_sale_span" yaml:"min_sale_span"`
	KittyStake         string `json:"kitty_stake" yaml:"kitty_stake"`
	MaxKittiesOwned    int    `json:"max_kitties_owned" yaml:"max_kitties_owned"`
	CurrencyDecimals   int32  `json:"currency_decimals" yaml:"currency_decimals"`
	ExistentialDeposit uint64 `json:"existential_deposit" yaml:"existential_deposit"`
}

// OracleConfig 对应价格源与抓取任务参数。
type OracleConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Endpoint            string `json:"endpoint" yaml:"endpoint"`
	Symbol              string `json:"symbol" yaml:"symbol"`
	FetchTimeoutSeconds int    `json:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	FetchIntervalMS     int    `json:"fetch_interval_ms" yaml:"fetch_interval_ms"`
	FetchBurst          int    `json:"fetch_burst" yaml:"fetch_burst"`
	MaxPrices           int    `json:"max_prices" yaml:"max_prices"`
	UnsignedInterval    uint64 `json:"unsigned_interval" yaml:"unsigned_interval"`
	Longevity           uint64 `json:"longevity" yaml:"longevity"`
	Priority            uint64 `json:"priority" yaml:"priority"`
}

// GenesisBalance 是创世时注入的余额。
type GenesisBalance struct {
	Account string `json:"account" yaml:"account"`
	Amount  uint64 `json:"amount" yaml:"amount"`
}

// ChainConfig 控制出块与交易池。
type ChainConfig struct {
	BlockTimeMS        int              `json:"block_time_ms" yaml:"block_time_ms"`
	GenesisSeed        string           `json:"genesis_seed" yaml:"genesis_seed"`
	GenesisBalances    []GenesisBalance `json:"genesis_balances" yaml:"genesis_balances"`
	Operator           string           `json:"operator" yaml:"operator"`
	MaxBlockExtrinsics int              `json:"max_block_extrinsics" yaml:"max_block_extrinsics"`
	PoolSize           int              `json:"pool_size" yaml:"pool_size"`
	// SeedSource 取值 chained 或 ethereum。
	SeedSource string `json:"seed_source" yaml:"seed_source"`
}

// StorageConfig 描述事件历史与快照的存储后端。
type StorageConfig struct {
	Events    EventStoreConfig    `json:"events" yaml:"events"`
	Snapshots SnapshotStoreConfig `json:"snapshots" yaml:"snapshots"`
}

// EventStoreConfig 取值 memory、mysql 或 postgres。
type EventStoreConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// SnapshotStoreConfig 取值 none、redis 或 leveldb。
type SnapshotStoreConfig struct {
	Driver        string      `json:"driver" yaml:"driver"`
	IntervalBlock uint64      `json:"interval_blocks" yaml:"interval_blocks"`
	Path          string      `json:"path" yaml:"path"`
	Retain        int         `json:"retain" yaml:"retain"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// QueueConfig 描述价格提交的传输方式。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
	// MessageTTLMS 超时的报价会被 broker 丢弃，0 表示不限制。
	MessageTTLMS int64 `json:"message_ttl_ms" yaml:"message_ttl_ms"`
}

// Web3Config 包含访问外部 EVM 节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`
}

// AlertingConfig 配置结算故障告警。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	// WebhookPerMinute 限制 webhook 的发送频率，0 表示不限。
	WebhookPerMinute int `json:"webhook_per_minute" yaml:"webhook_per_minute"`
}

// AuthConfig 配置 API 身份认证。
type AuthConfig struct {
	Mode   string         `json:"mode" yaml:"mode"`
	JWT    JWTConfig      `json:"jwt" yaml:"jwt"`
	Tokens []TokenBinding `json:"tokens" yaml:"tokens"`
}

// JWTConfig 配置本地签发的 JWT。
type JWTConfig struct {
	Secret           string `json:"secret" yaml:"secret"`
	Issuer           string `json:"issuer" yaml:"issuer"`
	AccessTTLSeconds int64  `json:"access_ttl_seconds" yaml:"access_ttl_seconds"`
}

// TokenBinding 把调用方绑定到账户。
type TokenBinding struct {
	Name        string   `json:"name" yaml:"name"`
	Account     string   `json:"account" yaml:"account"`
	Token       string   `json:"token" yaml:"token"`
	Password    string   `json:"password" yaml:"password"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
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

// Default 返回全部使用默认值的配置，数据目录相对 baseDir。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Market.MinBidIncrement == "" {
		c.Market.MinBidIncrement = "1"
	}
	if c.Market.MinSaleSpan == 0 {
		c.Market.MinSaleSpan = 1
	}
	if c.Market.KittyStake == "" {
		c.Market.KittyStake = "0"
	}
	if c.Market.CurrencyDecimals == 0 {
		c.Market.CurrencyDecimals = 12
	}

	if c.Oracle.Endpoint == "" {
		c.Oracle.Endpoint = "https://min-api.cryptocompare.com/data/price?fsym=DOT&tsyms=USD"
	}
	if c.Oracle.Symbol == "" {
		c.Oracle.Symbol = "USD"
	}
	if c.Oracle.FetchTimeoutSeconds <= 0 {
		c.Oracle.FetchTimeoutSeconds = 2
	}
	if c.Oracle.FetchIntervalMS <= 0 {
		c.Oracle.FetchIntervalMS = 6000
	}
	if c.Oracle.FetchBurst <= 0 {
		c.Oracle.FetchBurst = 1
	}
	if c.Oracle.MaxPrices <= 0 {
		c.Oracle.MaxPrices = 64
	}
	if c.Oracle.UnsignedInterval == 0 {
		c.Oracle.UnsignedInterval = 5
	}
	if c.Oracle.Longevity == 0 {
		c.Oracle.Longevity = 5
	}
	if c.Oracle.Priority == 0 {
		c.Oracle.Priority = 1 << 20
	}

	if c.Chain.BlockTimeMS <= 0 {
		c.Chain.BlockTimeMS = 6000
	}
	if c.Chain.GenesisSeed == "" {
		c.Chain.GenesisSeed = "kittymarket"
	}
	if c.Chain.MaxBlockExtrinsics <= 0 {
		c.Chain.MaxBlockExtrinsics = 256
	}
	if c.Chain.PoolSize <= 0 {
		c.Chain.PoolSize = 4096
	}
	if c.Chain.SeedSource == "" {
		c.Chain.SeedSource = "chained"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Events.Driver == "" {
		c.Storage.Events.Driver = "memory"
	}
	if c.Storage.Snapshots.Driver == "" {
		c.Storage.Snapshots.Driver = "none"
	}
	if c.Storage.Snapshots.IntervalBlock == 0 {
		c.Storage.Snapshots.IntervalBlock = 10
	}
	if c.Storage.Snapshots.Path == "" {
		c.Storage.Snapshots.Path = filepath.Join(c.Runtime.DataDir, "snapshots")
	} else if !filepath.IsAbs(c.Storage.Snapshots.Path) {
		c.Storage.Snapshots.Path = filepath.Join(baseDir, c.Storage.Snapshots.Path)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 检查取值范围与枚举。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Events.Driver {
	case "memory":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.Events.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.events.dsn 不能为空 (driver=%s)", c.Storage.Events.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件存储驱动: %s", c.Storage.Events.Driver))
	}
	switch c.Storage.Snapshots.Driver {
	case "none", "leveldb":
	case "redis":
		if c.Storage.Snapshots.Redis.Address == "" {
			errs = append(errs, errors.New("storage.snapshots.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的快照存储驱动: %s", c.Storage.Snapshots.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver))
	}
	switch c.Chain.SeedSource {
	case "chained":
	case "ethereum":
		if strings.TrimSpace(c.Web3.RPCURL) == "" {
			errs = append(errs, errors.New("chain.seed_source=ethereum 需要配置 web3.rpc_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的随机源: %s", c.Chain.SeedSource))
	}
	if c.Oracle.UnsignedInterval == 0 || c.Oracle.MaxPrices <= 0 {
		errs = append(errs, errors.New("oracle.unsigned_interval 与 oracle.max_prices 必须为正数"))
	}
	return errors.Join(errs...)
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"

	"CryptoReason-Chain/pkg/logger"
)

// Config 描述了一个 CryptoReason 进程启动时需要的全部配置。
type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Transport    TransportConfig    `json:"transport"`
	Directory    DirectoryConfig    `json:"directory"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Escrow       EscrowConfig       `json:"escrow"`
	Ledger       LedgerConfig       `json:"ledger"`
	Providers    ProvidersConfig    `json:"providers"`
	LLM          LLMConfig          `json:"llm"`
	Server       ServerConfig       `json:"server"`
	Metrics      MetricsConfig      `json:"metrics"`
	Alerting     AlertingConfig     `json:"alerting"`
	Logging      logger.Config      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// AgentConfig 是当前进程的身份。Address 即传输层上的邮箱名。
type AgentConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// TransportConfig 选择消息传输实现以及重试策略。
type TransportConfig struct {
	Driver         string         `json:"driver"`
	MaxAttempts    int            `json:"max_attempts"`
	RetryDelay     Duration       `json:"retry_delay"`
	DefaultTimeout Duration       `json:"default_timeout"`
	InboxSize      int            `json:"inbox_size"`
	Redis          RedisConfig    `json:"redis"`
	RabbitMQ       RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述基于 Redis list 的邮箱。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Prefix    string   `json:"prefix"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述基于 RabbitMQ 队列的邮箱。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefix   string `json:"prefix"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// DirectoryConfig 控制服务目录的持久化与远程发现。
type DirectoryConfig struct {
	Path         string            `json:"path"`
	DiscoveryURL string            `json:"discovery_url"`
	APIKeyEnv    string            `json:"api_key_env"`
	Timeout      Duration          `json:"timeout"`
	Entries      map[string]string `json:"entries"`
}

// OrchestratorConfig 控制交易周期。
type OrchestratorConfig struct {
	Network           string        `json:"network"`
	RiskProfile       string        `json:"risk_profile"`
	InvestorType      string        `json:"investor_type"`
	UserOpinion       string        `json:"user_opinion"`
	Rounds            int           `json:"rounds"`
	Interval          Duration      `json:"interval"`
	RunOnStart        bool          `json:"run_on_start"`
	HeartbeatTimeout  Duration      `json:"heartbeat_timeout"`
	CollectTimeout    Duration      `json:"collect_timeout"`
	ReasoningTimeout  Duration      `json:"reasoning_timeout"`
	SwapTimeout       Duration      `json:"swap_timeout"`
	SettlementTimeout Duration      `json:"settlement_timeout"`
	NewsLimit         int           `json:"news_limit"`
	SentimentLimit    int           `json:"sentiment_limit"`
	BuyAmount         float64       `json:"buy_amount"`
	SellAmount        float64       `json:"sell_amount"`
	BuyRoute          string        `json:"buy_route"`
	SellRoute         string        `json:"sell_route"`
	CredentialEnv     string        `json:"credential_env"`
	SessionPath       string        `json:"session_path"`
	FeeGate           FeeGateConfig `json:"fee_gate"`
}

// FeeGateConfig 控制在采集数据前是否先向托管方支付费用。
type FeeGateConfig struct {
	Enabled        bool    `json:"enabled"`
	MaxFee         string  `json:"max_fee"`
	Denom          string  `json:"denom"`
	TopupThreshold string  `json:"topup_threshold"`
	TopupAmount    float64 `json:"topup_amount"`
}

// EscrowConfig 描述托管方收取的费用与发放的奖励。金额均为最小单位的整数字符串。
type EscrowConfig struct {
	Fee             string      `json:"fee"`
	Reward          string      `json:"reward"`
	Denom           string      `json:"denom"`
	FinalityTimeout Duration    `json:"finality_timeout"`
	Store           StoreConfig `json:"store"`
}

// StoreConfig 选择托管记录的存储后端。
type StoreConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	Path            string   `json:"path"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

// LedgerConfig 描述链上账本的接入方式。
type LedgerConfig struct {
	Driver        string            `json:"driver"`
	ChainConfig   string            `json:"chain_config"`
	Chain         string            `json:"chain"`
	PrivateKeyEnv string            `json:"private_key_env"`
	Wallet        string            `json:"wallet"`
	Denom         string            `json:"denom"`
	Confirmations uint64            `json:"confirmations"`
	PollInterval  Duration          `json:"poll_interval"`
	Balances      map[string]string `json:"balances"`
}

// ProvidersConfig 汇总各数据提供方智能体的配置。
type ProvidersConfig struct {
	Market    EndpointConfig  `json:"market"`
	News      EndpointConfig  `json:"news"`
	Sentiment EndpointConfig  `json:"sentiment"`
	Reasoning EndpointConfig  `json:"reasoning"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Topup     TopupConfig     `json:"topup"`
}

// EndpointConfig 描述一个对外 HTTP 数据源。
type EndpointConfig struct {
	Enabled       bool     `json:"enabled"`
	Address       string   `json:"address"`
	BaseURL       string   `json:"base_url"`
	APIKeyEnv     string   `json:"api_key_env"`
	RatePerSecond float64  `json:"rate_per_second"`
	Burst         int      `json:"burst"`
	MaxAttempts   int      `json:"max_attempts"`
	Timeout       Duration `json:"timeout"`
}

// HeartbeatConfig 描述心率门控智能体。
type HeartbeatConfig struct {
	Enabled   bool     `json:"enabled"`
	Address   string   `json:"address"`
	DataPath  string   `json:"data_path"`
	Window    Duration `json:"window"`
	Threshold int      `json:"threshold"`
}

// TopupConfig 描述测试网水龙头智能体。
type TopupConfig struct {
	Enabled   bool    `json:"enabled"`
	Address   string  `json:"address"`
	MaxAmount float64 `json:"max_amount"`
}

// LLMConfig 用于配置推理服务背后的大模型。
type LLMConfig struct {
	Provider  string   `json:"provider"`
	BaseURL   string   `json:"base_url"`
	Model     string   `json:"model"`
	APIKeyEnv string   `json:"api_key_env"`
	Timeout   Duration `json:"timeout"`
}

// ServerConfig 控制管理 API 的监听地址与访问令牌。
type ServerConfig struct {
	Address   string   `json:"address"`
	APITokens []string `json:"api_tokens"`
}

// MetricsConfig 控制 Prometheus 指标端口，为空表示与管理 API 共用。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 控制告警通知。
type AlertingConfig struct {
	WebhookURL string   `json:"webhook_url"`
	Timeout    Duration `json:"timeout"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

var (
	// ValidNetworks 是支持的链网络。
	ValidNetworks = []string{"base", "ethereum", "matic-network", "bitcoin"}
	// ValidInvestorTypes 是支持的投资者类型。
	ValidInvestorTypes = []string{"long-term", "short-term", "speculate"}
	// ValidRiskProfiles 是支持的风险偏好。
	ValidRiskProfiles = []string{"conservative", "balanced", "aggressive", "speculative"}
)

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回一份全部使用默认值的配置，baseDir 用于解析数据目录。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	dataPath := func(p, name string) string {
		if p == "" {
			return filepath.Join(c.Runtime.DataDir, name)
		}
		if !filepath.IsAbs(p) {
			return filepath.Join(baseDir, p)
		}
		return p
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "cryptoreason"
	}
	if c.Agent.Address == "" {
		c.Agent.Address = "agent://" + c.Agent.Name
	}

	t := &c.Transport
	if t.Driver == "" {
		t.Driver = "memory"
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
	t.RetryDelay = orDefault(t.RetryDelay, 2*time.Second)
	t.DefaultTimeout = orDefault(t.DefaultTimeout, 10*time.Second)
	if t.InboxSize <= 0 {
		t.InboxSize = 256
	}
	if t.Redis.Prefix == "" {
		t.Redis.Prefix = "cryptoreason:inbox:"
	}
	t.Redis.BlockWait = orDefault(t.Redis.BlockWait, 5*time.Second)
	if t.RabbitMQ.Prefix == "" {
		t.RabbitMQ.Prefix = "cryptoreason.inbox."
	}

	d := &c.Directory
	d.Path = dataPath(d.Path, "directory.json")
	if d.DiscoveryURL == "" {
		d.DiscoveryURL = "https://agentverse.ai/v1/search/agents"
	}
	if d.APIKeyEnv == "" {
		d.APIKeyEnv = "AGENTVERSE_API_KEY"
	}
	d.Timeout = orDefault(d.Timeout, 15*time.Second)

	o := &c.Orchestrator
	if o.Network == "" {
		o.Network = "base"
	}
	if o.RiskProfile == "" {
		o.RiskProfile = "balanced"
	}
	if o.InvestorType == "" {
		o.InvestorType = "speculate"
	}
	if o.Rounds <= 0 {
		o.Rounds = 4
	}
	o.Interval = orDefault(o.Interval, 24*time.Hour)
	o.HeartbeatTimeout = orDefault(o.HeartbeatTimeout, 30*time.Second)
	o.CollectTimeout = orDefault(o.CollectTimeout, 30*time.Second)
	o.ReasoningTimeout = orDefault(o.ReasoningTimeout, 60*time.Second)
	o.SwapTimeout = orDefault(o.SwapTimeout, 120*time.Second)
	o.SettlementTimeout = orDefault(o.SettlementTimeout, 90*time.Second)
	if o.NewsLimit <= 0 {
		o.NewsLimit = 3
	}
	if o.SentimentLimit <= 0 {
		o.SentimentLimit = 1
	}
	if o.BuyAmount <= 0 {
		o.BuyAmount = 0.1
	}
	if o.SellAmount <= 0 {
		o.SellAmount = 0.00007
	}
	if o.BuyRoute == "" {
		o.BuyRoute = "tag:swaplandbaseusdceth"
	}
	if o.SellRoute == "" {
		o.SellRoute = "tag:swaplandbaseethusdc"
	}
	if o.CredentialEnv == "" {
		o.CredentialEnv = "METAMASK_PRIVATE_KEY"
	}
	o.SessionPath = dataPath(o.SessionPath, "session.json")
	if o.FeeGate.Denom == "" {
		o.FeeGate.Denom = "atestfet"
	}
	if o.FeeGate.MaxFee == "" {
		o.FeeGate.MaxFee = "6000000000000000000"
	}

	e := &c.Escrow
	if e.Fee == "" {
		e.Fee = "6000000000000000000"
	}
	if e.Reward == "" {
		e.Reward = "2000000000000000000"
	}
	if e.Denom == "" {
		e.Denom = "atestfet"
	}
	e.FinalityTimeout = orDefault(e.FinalityTimeout, 60*time.Second)
	if e.Store.Driver == "" {
		e.Store.Driver = "memory"
	}
	if e.Store.Driver == "badger" {
		e.Store.Path = dataPath(e.Store.Path, "escrow")
	}

	l := &c.Ledger
	if l.Driver == "" {
		l.Driver = "memory"
	}
	if l.ChainConfig != "" && !filepath.IsAbs(l.ChainConfig) {
		l.ChainConfig = filepath.Join(baseDir, l.ChainConfig)
	}
	if l.PrivateKeyEnv == "" {
		l.PrivateKeyEnv = "LEDGER_PRIVATE_KEY"
	}
	if l.Denom == "" {
		l.Denom = e.Denom
	}
	l.PollInterval = orDefault(l.PollInterval, time.Second)

	p := &c.Providers
	if p.Market.BaseURL == "" {
		p.Market.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if p.News.BaseURL == "" {
		p.News.BaseURL = "https://newsapi.org/v2"
	}
	if p.News.APIKeyEnv == "" {
		p.News.APIKeyEnv = "NEWS_API_KEY"
	}
	if p.Sentiment.BaseURL == "" {
		p.Sentiment.BaseURL = "https://pro-api.coinmarketcap.com"
	}
	if p.Sentiment.APIKeyEnv == "" {
		p.Sentiment.APIKeyEnv = "CMC_API_KEY"
	}
	for _, ep := range []*EndpointConfig{&p.Market, &p.News, &p.Sentiment, &p.Reasoning} {
		if ep.RatePerSecond <= 0 {
			ep.RatePerSecond = 1
		}
		if ep.Burst <= 0 {
			ep.Burst = 1
		}
		if ep.MaxAttempts <= 0 {
			ep.MaxAttempts = 3
		}
		ep.Timeout = orDefault(ep.Timeout, 15*time.Second)
	}
	if p.Heartbeat.DataPath != "" && !filepath.IsAbs(p.Heartbeat.DataPath) {
		p.Heartbeat.DataPath = filepath.Join(baseDir, p.Heartbeat.DataPath)
	}
	p.Heartbeat.Window = orDefault(p.Heartbeat.Window, 10*time.Hour)
	if p.Heartbeat.Threshold <= 0 {
		p.Heartbeat.Threshold = 100
	}
	if p.Topup.MaxAmount <= 0 {
		p.Topup.MaxAmount = 10
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	c.LLM.Timeout = orDefault(c.LLM.Timeout, 60*time.Second)

	if a := &c.Logging.Audit; a.Path != "" && !filepath.IsAbs(a.Path) {
		a.Path = filepath.Join(baseDir, a.Path)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Alerting.Timeout = orDefault(c.Alerting.Timeout, 5*time.Second)
}

// Validate 检查枚举取值与金额格式。
func (c *Config) Validate() error {
	o := c.Orchestrator
	if !slices.Contains(ValidNetworks, o.Network) {
		return fmt.Errorf("不支持的网络 %q，可选值: %s", o.Network, strings.Join(ValidNetworks, ", "))
	}
	if !slices.Contains(ValidInvestorTypes, o.InvestorType) {
		return fmt.Errorf("不支持的投资者类型 %q，可选值: %s", o.InvestorType, strings.Join(ValidInvestorTypes, ", "))
	}
	if !slices.Contains(ValidRiskProfiles, o.RiskProfile) {
		return fmt.Errorf("不支持的风险偏好 %q，可选值: %s", o.RiskProfile, strings.Join(ValidRiskProfiles, ", "))
	}
	if o.Rounds < 2 {
		return fmt.Errorf("共识轮数至少为 2，当前为 %d", o.Rounds)
	}
	for name, raw := range map[string]string{
		"escrow.fee":                    c.Escrow.Fee,
		"escrow.reward":                 c.Escrow.Reward,
		"orchestrator.fee_gate.max_fee": o.FeeGate.MaxFee,
	} {
		if _, err := ParseAmount(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if o.FeeGate.TopupThreshold != "" {
		if _, err := ParseAmount(o.FeeGate.TopupThreshold); err != nil {
			return fmt.Errorf("orchestrator.fee_gate.topup_threshold: %w", err)
		}
	}
	switch c.Transport.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的传输驱动 %q", c.Transport.Driver)
	}
	switch c.Escrow.Store.Driver {
	case "memory", "mysql", "badger":
	default:
		return fmt.Errorf("不支持的托管存储驱动 %q", c.Escrow.Store.Driver)
	}
	switch c.Ledger.Driver {
	case "memory", "evm":
	default:
		return fmt.Errorf("不支持的账本驱动 %q", c.Ledger.Driver)
	}
	return nil
}

// ParseAmount 解析最小单位的非负整数金额，支持十进制与 0x 前缀。
func ParseAmount(raw string) (*big.Int, error) {
	value, ok := math.ParseBig256(strings.TrimSpace(raw))
	if !ok || value == nil {
		return nil, fmt.Errorf("无效的金额 %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("金额不能为负数: %q", raw)
	}
	return value, nil
}

// MustAmount 用于已经通过 Validate 的金额字段。
func MustAmount(raw string) *big.Int {
	value, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return value
}

// Secret 从环境变量中读取敏感配置，变量名为空时返回空串。
func Secret(envName string) string {
	if strings.TrimSpace(envName) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

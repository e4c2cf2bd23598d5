package config

// Config 客户端配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Input       InputConfig       `yaml:"input"`
	Options     OptionsConfig     `yaml:"options"`
	Callbacks   []CallbackConfig  `yaml:"callbacks"`
	Launch      LaunchConfig      `yaml:"launch"`
	Output      OutputConfig      `yaml:"output"`
	History     HistoryConfig     `yaml:"history"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig 变异服务连接配置
type ServerConfig struct {
	URL                     string `yaml:"url"`                       // e.g., "wss://mutator.example.com:443/ws/"
	InsecureSkipVerify      bool   `yaml:"insecure_skip_verify"`      // 跳过 TLS 证书校验
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"` // e.g., 30
	RequestTimeoutSeconds   int    `yaml:"request_timeout_seconds"`   // 单个请求的等待上限，-1 表示不限
	WriteTimeoutSeconds     int    `yaml:"write_timeout_seconds"`     // e.g., 10
	MaxMessageBytes         int64  `yaml:"max_message_bytes"`         // 入站消息大小上限
}

// CredentialsConfig 账号信息，可被环境变量覆盖
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InputConfig 输入目录（一个 .map 和一个二进制文件）
type InputConfig struct {
	Directory        string   `yaml:"directory"`         // e.g., "./test"
	BinaryExtensions []string `yaml:"binary_extensions"` // e.g., [".dll"]
	SkipValidation   bool     `yaml:"skip_validation"`   // 跳过本地 PE 校验
}

// OptionsConfig 变异选项
type OptionsConfig struct {
	Shuffle         bool `yaml:"shuffle"`
	Partition       bool `yaml:"partition"`
	VerifyPartition bool `yaml:"verify_partition"`
}

// CallbackConfig 注册一个回调，导出类回调可以用文件内容作为回复数据
type CallbackConfig struct {
	Kind     string `yaml:"kind"`      // EXPORT_INIT / EXPORT_MMAP / MMAP_START / MMAP_END
	DataFile string `yaml:"data_file"` // 可选
}

// LaunchConfig 构造 LaunchInfo 所需的清单
type LaunchConfig struct {
	Manifest string `yaml:"manifest"` // e.g., "./launch.yaml"，为空时只做到 Initialize
}

// OutputConfig 输出目录
type OutputConfig struct {
	Dir    string `yaml:"dir"`    // e.g., "./out"
	Suffix string `yaml:"suffix"` // e.g., ".mutated"
}

// HistoryConfig 运行记录数据库
type HistoryConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"` // e.g., "./data/history.db"
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string `yaml:"level"`     // e.g., "info"
	Dir      string `yaml:"dir"`       // 为空时只输出到控制台
	KeepDays int    `yaml:"keep_days"` // e.g., 7
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // e.g., ":9102"，为空时不启动
}

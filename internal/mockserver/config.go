package mockserver

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config mock 服务配置
type Config struct {
	Listen string    `yaml:"listen"` // e.g., ":9443"
	Path   string    `yaml:"path"`   // e.g., "/ws/"
	TLS    TLSConfig `yaml:"tls"`

	JWTSecret       string       `yaml:"jwt_secret"`
	TokenTTLSeconds int          `yaml:"token_ttl_seconds"`
	BcryptCost      int          `yaml:"bcrypt_cost"`
	Users           []UserConfig `yaml:"users"`

	// 初始化阶段对每个名字触发一次 EXPORT_INIT 回调
	InitExports []string `yaml:"init_exports"`
	// proceed 阶段对每个名字触发一次 EXPORT_MMAP 回调
	MmapExports []string `yaml:"mmap_exports"`
	// 即使客户端没有注册也发送 MMAP_START / MMAP_END
	AlwaysNotifyLifecycle bool `yaml:"always_notify_lifecycle"`

	CallbackTimeoutSeconds int    `yaml:"callback_timeout_seconds"`
	PageSize               uint64 `yaml:"page_size"`
}

// TLSConfig 证书配置，为空时使用明文 ws
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UserConfig 用户，password 和 password_hash 二选一
type UserConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":9443"
	}
	if c.Path == "" {
		c.Path = "/ws/"
	}
	if c.JWTSecret == "" {
		c.JWTSecret = "mutator-mock-secret"
	}
	if c.TokenTTLSeconds == 0 {
		c.TokenTTLSeconds = 3600
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.CallbackTimeoutSeconds == 0 {
		c.CallbackTimeoutSeconds = 10
	}
	if c.PageSize == 0 {
		c.PageSize = 0x1000
	}
}

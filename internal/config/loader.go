package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/9triver/mutator/internal/protocol"
	"gopkg.in/yaml.v2"
)

const (
	EnvUsername  = "MUTATOR_USERNAME"
	EnvPassword  = "MUTATOR_PASSWORD"
	EnvServerURL = "MUTATOR_SERVER_URL"
)

// LoadConfig 从文件加载配置，应用环境变量覆盖和默认值
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	ApplyEnv(cfg)
	ApplyDefaults(cfg)

	return cfg, nil
}

// ApplyEnv 环境变量优先于配置文件
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Credentials.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Server.URL = v
	}
}

// ApplyDefaults 为配置项设置默认值
func ApplyDefaults(cfg *Config) {
	// 连接配置默认值
	if cfg.Server.HandshakeTimeoutSeconds == 0 {
		cfg.Server.HandshakeTimeoutSeconds = 30
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 120
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 10
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 256 << 20 // 变异后的二进制可能很大
	}

	// 输入默认值
	if cfg.Input.Directory == "" {
		cfg.Input.Directory = "./test"
	}
	if len(cfg.Input.BinaryExtensions) == 0 {
		cfg.Input.BinaryExtensions = []string{".dll"}
	}

	// 输出默认值
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "./out"
	}
	if cfg.Output.Suffix == "" {
		cfg.Output.Suffix = ".mutated"
	}

	// 运行记录默认值
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = "./data/history.db"
	}
	if cfg.History.MaxOpenConns == 0 {
		cfg.History.MaxOpenConns = 1
	}
	if cfg.History.MaxIdleConns == 0 {
		cfg.History.MaxIdleConns = 1
	}
	if cfg.History.ConnMaxLifetimeSeconds == 0 {
		cfg.History.ConnMaxLifetimeSeconds = 300
	}

	// 日志默认值
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.KeepDays == 0 {
		cfg.Logging.KeepDays = 7
	}
}

// Validate 检查运行前必须具备的配置
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(cfg.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server.url: unsupported scheme %q", u.Scheme))
	}

	if cfg.Credentials.Username == "" {
		errs = append(errs, fmt.Errorf("credentials.username is required (or set %s)", EnvUsername))
	}

	for i, cb := range cfg.Callbacks {
		kind, err := protocol.ParseCallbackKind(cb.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("callbacks[%d]: %w", i, err))
			continue
		}
		if cb.DataFile != "" && !kind.IsExport() {
			errs = append(errs, fmt.Errorf("callbacks[%d]: %s does not take data", i, kind))
		}
	}

	for _, ext := range cfg.Input.BinaryExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("input.binary_extensions: %q must start with a dot", ext))
		}
	}

	return errors.Join(errs...)
}

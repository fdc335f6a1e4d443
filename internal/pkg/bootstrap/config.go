// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config 是所有服务共享的配置结构。
// 先从 CONFIG_PATH 指向的 YAML 文件加载，再用环境变量覆盖关键项，
// 保证在没有配置文件的容器环境里也能只靠环境变量启动。
type Config struct {
	Infra struct {
		MysqlDSN     string   `yaml:"mysql_dsn"`
		RedisAddr    string   `yaml:"redis_addr"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		ZKServers    []string `yaml:"zk_servers"`
		Jaeger       struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
	} `yaml:"infra"`

	Coupon struct {
		ReservationTimeoutMinutes int `yaml:"reservation_timeout_minutes"`
		SweeperIntervalSeconds    int `yaml:"sweeper_interval_seconds"`
		SweeperBatchSize          int `yaml:"sweeper_batch_size"`
		SweeperScanLimit          int `yaml:"sweeper_scan_limit"`
		Snowflake                 struct {
			WorkerID     int64 `yaml:"worker_id"`
			DatacenterID int64 `yaml:"datacenter_id"`
		} `yaml:"snowflake"`
	} `yaml:"coupon"`
}

var (
	currentConfig *Config
	configOnce    sync.Once
)

// Init 加载配置，进程生命周期内只执行一次。必须在 StartService 之前调用。
func Init() {
	configOnce.Do(func() {
		cfg := defaultConfig()

		if path := os.Getenv("CONFIG_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				log.Fatalf("FATAL: cannot read config file %s: %v", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				log.Fatalf("FATAL: cannot parse config file %s: %v", path, err)
			}
		}

		applyEnvOverrides(cfg)
		currentConfig = cfg
	})
}

// GetCurrentConfig 返回已加载的配置。未 Init 时返回默认值，方便单测。
func GetCurrentConfig() *Config {
	if currentConfig == nil {
		Init()
	}
	return currentConfig
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Infra.MysqlDSN = "root:root@tcp(localhost:3306)/coupon?charset=utf8mb4&parseTime=True&loc=UTC"
	cfg.Infra.RedisAddr = "localhost:6379"
	cfg.Infra.KafkaBrokers = []string{"localhost:9092"}
	cfg.Infra.ZKServers = []string{"localhost:2181"}
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Coupon.ReservationTimeoutMinutes = 10
	cfg.Coupon.SweeperIntervalSeconds = 60
	cfg.Coupon.SweeperBatchSize = 100
	cfg.Coupon.SweeperScanLimit = 500
	cfg.Coupon.Snowflake.WorkerID = 1
	cfg.Coupon.Snowflake.DatacenterID = 1
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.MysqlDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.RedisAddr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Infra.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		cfg.Infra.ZKServers = strings.Split(v, ",")
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
}

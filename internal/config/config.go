package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type ConsumerConfig struct {
	GroupName              string        `mapstructure:"group_name"`
	ConsumerID             string        `mapstructure:"consumer_id"`
	StreamName             string        `mapstructure:"stream_name"`
	PartitionCount         int           `mapstructure:"partition_count"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
	RebalanceCheckInterval time.Duration `mapstructure:"rebalance_check_interval"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	MinIdle  time.Duration `mapstructure:"min_idle"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HAKO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

func setDefaults() {
	viper.SetDefault("server.environment", "dev")
	viper.SetDefault("server.port", ":8090")

	viper.SetDefault("mysql.dsn", "root:root@tcp(127.0.0.1:3306)/hakoflow?charset=utf8mb4&parseTime=True&loc=Local")
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	viper.SetDefault("etcd.dial_timeout", 5*time.Second)

	viper.SetDefault("consumer.group_name", "catalog-processors")
	viper.SetDefault("consumer.stream_name", "catalog-events")
	viper.SetDefault("consumer.partition_count", 8)
	viper.SetDefault("consumer.max_attempts", 3)
	viper.SetDefault("consumer.heartbeat_interval", 10*time.Second)
	viper.SetDefault("consumer.heartbeat_timeout", 30*time.Second)
	viper.SetDefault("consumer.rebalance_check_interval", 15*time.Second)
	viper.SetDefault("consumer.shutdown_timeout", 30*time.Second)

	viper.SetDefault("sweeper.enabled", true)
	viper.SetDefault("sweeper.interval", time.Minute)
	viper.SetDefault("sweeper.min_idle", 5*time.Minute)
}

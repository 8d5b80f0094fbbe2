package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"notesServer/backend/internal/history"
)

type Config struct {
	Running struct {
		Port     int    `mapstructure:"port"`
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时使用内存存储
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 一个地址为单机，多个地址为集群；为空时关闭在线状态与缓存
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		// 为空时不发事件
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Collab struct {
		RingCap        int           `mapstructure:"ringCap"`
		SubmitTimeout  time.Duration `mapstructure:"submitTimeout"`
		PresenceTTL    time.Duration `mapstructure:"presenceTTL"`
		LockTTL        time.Duration `mapstructure:"lockTTL"`
		Semaphore      int           `mapstructure:"semaphore"`
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"collab"`
	Editor struct {
		HistoryMaxLength int               `mapstructure:"historyMaxLength"`
		DebounceWindow   time.Duration     `mapstructure:"debounceWindow"`
		Shortcuts        history.Shortcuts `mapstructure:"shortcuts"`
		IgnoredClasses   []string          `mapstructure:"ignoredClasses"`
	} `mapstructure:"editor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("running.logLevel", "info")
	v.SetDefault("kafka.topic", "note-events")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("auth.jwtSecret", "dev-secret")
	v.SetDefault("collab.ringCap", 256)
	v.SetDefault("collab.submitTimeout", 200*time.Millisecond)
	v.SetDefault("collab.presenceTTL", 600*time.Second)
	v.SetDefault("collab.lockTTL", 120*time.Second)
	v.SetDefault("collab.semaphore", 100)
	v.SetDefault("editor.historyMaxLength", history.DefaultMaxLength)
	v.SetDefault("editor.debounceWindow", 200*time.Millisecond)
	v.SetDefault("editor.shortcuts.undo", history.DefaultShortcuts().Undo)
	v.SetDefault("editor.shortcuts.redo", history.DefaultShortcuts().Redo)
	v.SetDefault("editor.ignoredClasses", []string{"ce-block", "tc-toolbox"})
}

// Load 读取 notesConfig.yaml（兼容从项目根目录或 backend 目录启动）
// 配置文件可以不存在，此时全部使用默认值；环境变量 NOTES_<SECTION>_<KEY> 覆盖文件
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("notesConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)
	v.SetEnvPrefix("NOTES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

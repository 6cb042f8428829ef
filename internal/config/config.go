package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Startup  Startup
	Watchdog Watchdog
	Worker   Worker
	Redis    Redis
	API      API
	Log      Log
}

type Startup struct {
	CriticalTimeout   time.Duration `env:"Startup_CriticalTimeout" envDefault:"5s"`
	ImportantTimeout  time.Duration `env:"Startup_ImportantTimeout" envDefault:"10s"`
	BackgroundTimeout time.Duration `env:"Startup_BackgroundTimeout" envDefault:"30s"`
	Stagger           time.Duration `env:"Startup_Stagger" envDefault:"50ms"`
	Concurrency       int           `env:"Startup_Concurrency" envDefault:"4"`
	TaskTimeout       time.Duration `env:"Startup_TaskTimeout"`
	// DrainTimeout bounds how long shutdown waits for startup work still
	// running after the summary.
	DrainTimeout time.Duration `env:"Startup_DrainTimeout" envDefault:"5s"`
}

type Watchdog struct {
	Interval       time.Duration `env:"Watchdog_Interval" envDefault:"5s"`
	StaleThreshold time.Duration `env:"Watchdog_StaleThreshold" envDefault:"15s"`
}

type Worker struct {
	Enabled          bool          `env:"Worker_Enabled" envDefault:"true"`
	Command          string        `env:"Worker_Command"`
	Args             []string      `env:"Worker_Args" envSeparator:" "`
	Interval         time.Duration `env:"Worker_Interval" envDefault:"5s"`
	HeartbeatTimeout time.Duration `env:"Worker_HeartbeatTimeout" envDefault:"20s"`
	StopGrace        time.Duration `env:"Worker_StopGrace" envDefault:"2s"`
	RestartBackoff   time.Duration `env:"Worker_RestartBackoff" envDefault:"1s"`
	MaxBackoff       time.Duration `env:"Worker_MaxBackoff"`
	BreakerThreshold int           `env:"Worker_BreakerThreshold" envDefault:"3"`
	BreakerWindow    time.Duration `env:"Worker_BreakerWindow" envDefault:"60s"`
}

type Redis struct {
	Addr      string `env:"Redis_Address"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB"`
	StreamKey string `env:"Redis_StreamKey" envDefault:"taskvisor:events"`
	MaxLen    int64  `env:"Redis_MaxLen" envDefault:"10000"`
}

func (r Redis) Enabled() bool { return r.Addr != "" }

type API struct {
	Port int `env:"API_Port" envDefault:"8080"`
}

type Log struct {
	Level  string `env:"Log_Level" envDefault:"info"`
	Pretty bool   `env:"Log_Pretty"`
}

// Parse reads the environment, after loading files (default ".env") when
// they exist.
func Parse(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

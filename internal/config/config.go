package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"production"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	SQLiteDSN     string `env:"SQLITE_DSN" envDefault:"file:tenantq.db?cache=shared"`

	Queue  Queue
	Runner Runner

	WorkerOptionsFile string        `env:"WORKER_OPTIONS_FILE"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
}

// Queue describes the queue connection shared by every binary.
type Queue struct {
	Driver      string        `env:"QUEUE_DRIVER" envDefault:"database"`
	Table       string        `env:"QUEUE_TABLE" envDefault:"jobs"`
	Name        string        `env:"QUEUE_NAME" envDefault:"default"`
	RetryAfter  time.Duration `env:"QUEUE_RETRY_AFTER" envDefault:"90s"`
	AfterCommit bool          `env:"QUEUE_AFTER_COMMIT"`
}

// Runner holds the drain budgets used after each request and by the scheduler.
type Runner struct {
	Enabled          bool          `env:"JOB_RUNNER_ENABLED" envDefault:"true"`
	MaxJobs          int           `env:"JOB_RUNNER_MAX_JOBS" envDefault:"30"`
	MaxExecutionTime time.Duration `env:"JOB_RUNNER_MAX_EXECUTION_TIME" envDefault:"20s"`
	MaxMemory        string        `env:"JOB_RUNNER_MAX_MEMORY" envDefault:"80%"`
}

func (c Config) Development() bool { return c.AppEnv == "development" }

// Parse reads the environment.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	switch c.Queue.Driver {
	case "database":
		if c.PostgresDSN == "" {
			return Config{}, fmt.Errorf("config: POSTGRES_DSN is required for the %q queue driver", c.Queue.Driver)
		}
	case "sqlite", "redis":
	default:
		return Config{}, fmt.Errorf("config: QUEUE_DRIVER %q is not one of database, sqlite, redis", c.Queue.Driver)
	}
	// The migrations only create jobs and failed_jobs. Redis keys need none.
	if c.Queue.Table != "jobs" && c.Queue.Driver != "redis" {
		return Config{}, fmt.Errorf("config: QUEUE_TABLE %q has no migration; only %q is created", c.Queue.Table, "jobs")
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

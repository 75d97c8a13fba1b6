package configuration

import (
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/async-orders/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the given dotenv files from the working directory, falling
// back to the nearest directory containing go.mod.
func LoadEnv(envFiles []string) (int, error) {
	existingFiles := existing(envFiles, "")
	if len(existingFiles) == 0 {
		if root := moduleRoot(); root != "" {
			existingFiles = existing(envFiles, root)
		}
	}
	if len(existingFiles) == 0 {
		return 0, nil
	}
	return len(existingFiles), godotenv.Load(existingFiles...)
}

func existing(envFiles []string, dir string) []string {
	out := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := file
		if dir != "" {
			path = filepath.Join(dir, file)
		}
		if fs.FileExists(path) {
			out = append(out, path)
		}
	}
	return out
}

func moduleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := wd; ; {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"orders"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type RabbitMQOptions struct {
	Host     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	Port     int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	User     string `env:"RABBITMQ_USER" envDefault:"guest"`
	Password string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	VHost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	Exchange      string `env:"RABBITMQ_EXCHANGE" envDefault:"orders.ex"`
	Queue         string `env:"RABBITMQ_QUEUE" envDefault:"orders.created.q"`
	RoutingKey    string `env:"RABBITMQ_ROUTING_KEY" envDefault:"orders.created"`
	DLQQueue      string `env:"RABBITMQ_DLQ_QUEUE" envDefault:"orders.created.dlq.q"`
	DLQRoutingKey string `env:"RABBITMQ_DLQ_ROUTING_KEY" envDefault:"orders.created.dlq"`

	RetryDelays []time.Duration `env:"RABBITMQ_RETRY_DELAYS" envDefault:"5s,15s,30s,60s" envSeparator:","`
	MaxAttempts int             `env:"RABBITMQ_MAX_ATTEMPTS" envDefault:"5"`
	Prefetch    int             `env:"RABBITMQ_PREFETCH" envDefault:"1"`

	ConfirmTimeout time.Duration `env:"RABBITMQ_CONFIRM_TIMEOUT" envDefault:"5s"`
	DialAttempts   int           `env:"RABBITMQ_DIAL_ATTEMPTS" envDefault:"10"`
}

func (r *RabbitMQOptions) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
	}
	vhost := r.VHost
	if vhost == "" || vhost == "/" {
		u.Path = "/"
	} else {
		u.Path = "/" + strings.TrimPrefix(vhost, "/")
	}
	return u.String()
}

// Validate checks the broker topology settings.
func (r *RabbitMQOptions) Validate() error {
	if strings.TrimSpace(r.Exchange) == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if strings.TrimSpace(r.Queue) == "" || strings.TrimSpace(r.RoutingKey) == "" {
		return fmt.Errorf("rabbitmq queue and routing key are required")
	}
	if strings.TrimSpace(r.DLQQueue) == "" || strings.TrimSpace(r.DLQRoutingKey) == "" {
		return fmt.Errorf("rabbitmq dlq queue and routing key are required")
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("rabbitmq MaxAttempts must be >= 1, got %d", r.MaxAttempts)
	}
	if len(r.RetryDelays) == 0 {
		return fmt.Errorf("rabbitmq RetryDelays must not be empty")
	}
	for _, d := range r.RetryDelays {
		if d <= 0 || d%time.Second != 0 {
			return fmt.Errorf("rabbitmq retry delay %s must be a positive whole number of seconds", d)
		}
	}
	if r.Prefetch < 1 {
		return fmt.Errorf("rabbitmq Prefetch must be >= 1, got %d", r.Prefetch)
	}
	return nil
}

type OutboxOptions struct {
	RelayEnabled         bool          `env:"OUTBOX_RELAY_ENABLED" envDefault:"true"`
	Table                string        `env:"OUTBOX_TABLE" envDefault:"public.outbox_messages"`
	RelayPollInterval    time.Duration `env:"OUTBOX_RELAY_POLL_INTERVAL" envDefault:"2s"`
	RelayBatchSize       int           `env:"OUTBOX_RELAY_BATCH_SIZE" envDefault:"20"`
	RelaySingleActive    bool          `env:"OUTBOX_RELAY_SINGLE_ACTIVE" envDefault:"true"`
	RelayDispatchTimeout time.Duration `env:"OUTBOX_RELAY_DISPATCH_TIMEOUT" envDefault:"30s"`

	LastErrorMaxBytes int `env:"OUTBOX_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"OUTBOX_CLEANER_ENABLED" envDefault:"false"`
	CleanerInterval  time.Duration `env:"OUTBOX_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"OUTBOX_CLEANER_RETENTION" envDefault:"168h"`
}

type ConsumerOptions struct {
	ProcessingDelay time.Duration `env:"CONSUMER_PROCESSING_DELAY" envDefault:"1500ms"`
	RequeueDelay    time.Duration `env:"CONSUMER_REQUEUE_DELAY" envDefault:"1s"`
	MaxRequeueDelay time.Duration `env:"CONSUMER_MAX_REQUEUE_DELAY" envDefault:"30s"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"async-orders"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RateLimitOptions struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	GlobalRPS int    `env:"RATE_LIMIT_GLOBAL_RPS" envDefault:"1000"`
	Storage   string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
	RedisURL  string `env:"RATE_LIMIT_REDIS_URL"`
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.GlobalRPS < 0 {
		return fmt.Errorf("rate limit GlobalRPS must be non-negative, got %d", r.GlobalRPS)
	}
	if r.GlobalRPS > 1000000 {
		return fmt.Errorf("rate limit GlobalRPS too high, maximum is 1,000,000, got %d", r.GlobalRPS)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("rate limit Storage must be 'memory' or 'redis', got '%s'", r.Storage)
	}
	if r.Storage == "redis" && r.RedisURL == "" {
		return fmt.Errorf("rate limit RedisURL is required when Storage is 'redis'")
	}
	return nil
}

type Configuration struct {
	Database      DatabaseOptions
	RabbitMQ      RabbitMQOptions
	Outbox        OutboxOptions
	Consumer      ConsumerOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	RateLimit     RateLimitOptions

	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`
	PageSize         int    `env:"PAGE_SIZE" envDefault:"20"`
	MaxPageSize      int    `env:"MAX_PAGE_SIZE" envDefault:"100"`
	// Looked up on every request; a random uuid is used when absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`
	RealIPHeader    string `env:"REAL_IP_HEADER" envDefault:"X-Real-IP"`
	// Empty disables CORS handling.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	logFile io.Closer
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

// Load builds a configuration outside the process-wide singleton (tools, tests).
func Load(envFiles []string) (*Configuration, error) {
	c := &Configuration{}
	if err := c.load(envFiles); err != nil {
		c.Unload()
		return nil, err
	}
	return c, nil
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}
	if err := c.RabbitMQ.Validate(); err != nil {
		return fmt.Errorf("rabbitmq configuration error: %w", err)
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}

	if c.LogPath == "" {
		c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	} else {
		f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
		if err != nil {
			return err
		}
		c.logFile = f
		c.logger = logger
	}

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

func (c *Configuration) validateOutbox() error {
	if strings.TrimSpace(c.Outbox.Table) == "" {
		return fmt.Errorf("invalid OUTBOX_TABLE: empty")
	}
	if c.Outbox.RelayPollInterval <= 0 {
		return fmt.Errorf("invalid OUTBOX_RELAY_POLL_INTERVAL=%s (expected > 0)", c.Outbox.RelayPollInterval)
	}
	if c.Outbox.RelayBatchSize <= 0 {
		return fmt.Errorf("invalid OUTBOX_RELAY_BATCH_SIZE=%d (expected > 0)", c.Outbox.RelayBatchSize)
	}
	if c.Consumer.ProcessingDelay < 0 {
		return fmt.Errorf("invalid CONSUMER_PROCESSING_DELAY=%s (expected >= 0)", c.Consumer.ProcessingDelay)
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}

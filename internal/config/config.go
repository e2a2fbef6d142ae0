package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	LookupHTTPAddr  string // e.g. http://nsqlookupd:4161
	NudgeTopic      string // topic for delivery-created nudges
	DeadLetterTopic string // topic for terminal failure envelopes
	DispatchChannel string // NSQ channel name for dispatchers
}

type Dispatcher struct {
	PollInterval       time.Duration // selector poll cadence
	BatchSize          int           // max records per poll
	Workers            int           // concurrent delivery workers
	JitterPercent      float64       // retry jitter percentage (0.0-1.0)
	PublishDeadLetters bool          // whether to publish dead letters to NSQ
	HTTPPort           string        // dispatcher HTTP metrics port
}

type Ingest struct {
	HTTPPort     string // ingest API listen port
	JWTPublicKey string // PEM-encoded RSA public key; empty disables auth
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Dispatcher   Dispatcher
	Ingest       Ingest
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "hookline"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookline"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NudgeTopic:      getenv("NSQ_NUDGE_TOPIC", "deliveries_created"),
			DeadLetterTopic: getenv("NSQ_DEAD_LETTER_TOPIC", "deliveries_dead"),
			DispatchChannel: getenv("NSQ_DISPATCH_CHANNEL", "dispatchers"),
		},
		Dispatcher: Dispatcher{
			PollInterval:       getenvDuration("DISPATCH_POLL_INTERVAL", time.Second),
			BatchSize:          getenvInt("DISPATCH_BATCH_SIZE", 50),
			Workers:            getenvInt("DISPATCH_WORKERS", 8),
			JitterPercent:      getenvFloat("RETRY_JITTER_PCT", 0.25),
			PublishDeadLetters: getenvBool("PUBLISH_DEAD_LETTERS", false),
			HTTPPort:           ":" + getenv("DISPATCH_HTTP_PORT", "8082"),
		},
		Ingest: Ingest{
			HTTPPort:     ":" + getenv("INGEST_HTTP_PORT", "8080"),
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "hookline"),
			JWTAudience:  getenv("JWT_AUDIENCE", "hookline-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

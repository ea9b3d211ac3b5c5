package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cbodonnell/theyr/pkg/state"
	"github.com/cbodonnell/theyr/pkg/tree"
)

// ServerConfig holds the server settings. Values are read from THEYR_*
// environment variables first and can be overridden by command line flags.
type ServerConfig struct {
	Port        int    `env:"THEYR_PORT" envDefault:"8080"`
	LogLevel    string `env:"THEYR_LOG_LEVEL" envDefault:"info"`
	AllowOrigin string `env:"THEYR_ALLOW_ORIGIN" envDefault:"*"`
	TLSCertFile string `env:"THEYR_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"THEYR_TLS_KEY_FILE"`

	// StorageURL selects the cold storage backend by scheme:
	// github://owner/repo/path.json, sqlite://file.db, postgresql://..., file:///path.json.
	// Empty disables cold storage.
	StorageURL  string `env:"THEYR_STORAGE_URL"`
	GitHubToken string `env:"THEYR_GITHUB_TOKEN"`

	FirebaseProjectID string `env:"THEYR_FIREBASE_PROJECT_ID"`
	FirebaseAPIKey    string `env:"THEYR_FIREBASE_API_KEY"`
	// FirebaseCredentialsFile points at a service account JSON file.
	FirebaseCredentialsFile string `env:"THEYR_FIREBASE_CREDENTIALS_FILE"`
	// JWTSecret enables HS256 bearer tokens whose subject is the user id.
	JWTSecret string `env:"THEYR_JWT_SECRET"`
	JWTIssuer string `env:"THEYR_JWT_ISSUER"`
	// AuthTokens maps static bearer tokens to user ids, e.g.
	// "token1:alice,token2:bob". Ignored when Firebase or JWT is configured.
	AuthTokens map[string]string `env:"THEYR_AUTH_TOKENS" envSeparator:"," envKeyValSeparator:":"`

	// DefaultStateFile is a JSON document used as the initial tree and as the
	// target of a full reset.
	DefaultStateFile string `env:"THEYR_DEFAULT_STATE_FILE"`
	PrivateNamespace string `env:"THEYR_PRIVATE_NAMESPACE" envDefault:"theyrPrivateVars"`
	ConnectionIDKey  string `env:"THEYR_CONNECTION_ID_KEY" envDefault:"userId"`
	ChatLogField     string `env:"THEYR_CHATLOG_FIELD" envDefault:"chatlog"`

	DedupWindow   time.Duration `env:"THEYR_DEDUP_WINDOW" envDefault:"500ms"`
	HistorySize   int           `env:"THEYR_HISTORY_SIZE" envDefault:"100"`
	QueueSize     int           `env:"THEYR_QUEUE_SIZE" envDefault:"10000"`
	SaveInterval  time.Duration `env:"THEYR_SAVE_INTERVAL" envDefault:"5m"`
	ShutdownGrace time.Duration `env:"THEYR_SHUTDOWN_GRACE" envDefault:"10s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServerConfig parses the environment and then the given flags.
func LoadServerConfig(fs *flag.FlagSet, args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port to listen on")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.StorageURL, "storage-url", cfg.StorageURL, "Cold storage URL")
	fs.StringVar(&cfg.DefaultStateFile, "default-state", cfg.DefaultStateFile, "JSON file with the default state tree")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Window for suppressing duplicate broadcasts")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.HistorySize < 1 {
		return nil, fmt.Errorf("history size must be positive, got %d", cfg.HistorySize)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be positive, got %d", cfg.QueueSize)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS cert and key files must be set")
	}

	return cfg, nil
}

// DefaultState returns the tree used at boot and on full reset. The private
// namespace is always present as an object.
func (c *ServerConfig) DefaultState() (tree.Value, error) {
	root := tree.Object(nil)
	if c.DefaultStateFile != "" {
		b, err := os.ReadFile(c.DefaultStateFile)
		if err != nil {
			return tree.Value{}, fmt.Errorf("failed to read default state file: %v", err)
		}
		if err := json.Unmarshal(b, &root); err != nil {
			return tree.Value{}, fmt.Errorf("failed to parse default state file: %v", err)
		}
		if root.Kind() != tree.KindObject {
			return tree.Value{}, fmt.Errorf("default state must be an object, got %s", root.Kind())
		}
	}
	return state.EnsureNamespace(root, c.PrivateNamespace), nil
}

// ClientConfig holds the headless client settings.
type ClientConfig struct {
	ServerURL      string        `env:"THEYR_SERVER_URL" envDefault:"http://localhost:8080"`
	UserID         string        `env:"THEYR_USER_ID"`
	Token          string        `env:"THEYR_TOKEN"`
	LogLevel       string        `env:"THEYR_LOG_LEVEL" envDefault:"info"`
	SyncInterval   time.Duration `env:"THEYR_SYNC_INTERVAL" envDefault:"100ms"`
	ResyncInterval time.Duration `env:"THEYR_RESYNC_INTERVAL" envDefault:"30s"`
	CriticalPaths  []string      `env:"THEYR_CRITICAL_PATHS" envSeparator:","`
	Exceptions     []string      `env:"THEYR_EXCEPTIONS" envSeparator:","`
	// Unity exchanges bridge messages as JSON lines on stdin and stdout
	// instead of running the interactive console.
	Unity bool `env:"THEYR_UNITY"`
}

// LoadClientConfig parses the environment and then the given flags.
func LoadClientConfig(fs *flag.FlagSet, args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server base URL")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "User id announced on identify")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "Outbound diff interval")
	fs.DurationVar(&cfg.ResyncInterval, "resync-interval", cfg.ResyncInterval, "Full resync interval")
	fs.BoolVar(&cfg.Unity, "unity", cfg.Unity, "Speak the Unity bridge protocol on stdin/stdout")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %s", cfg.SyncInterval)
	}
	return cfg, nil
}

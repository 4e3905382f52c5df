package config

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zzenonn/blobmigrate/internal/errors"
	"github.com/zzenonn/blobmigrate/internal/namespace"
)

const (
	ServerURLKey        = "storage_service_url"
	StorageNamespaceKey = "storage_namespace"

	DriverPostgres = "postgres"
	DriverDynamoDB = "dynamodb"

	ssmPrefix = "ssm:"
)

// Config holds the application configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	StorageServiceURL string `yaml:"storage_service_url"`
	StorageNamespace  string `yaml:"storage_namespace"`

	DatabaseDriver string `yaml:"database.driver"`
	DatabaseDSN    string `yaml:"database.dsn"`
	DynamoDBTable  string `yaml:"dynamodb_table"`

	SiteURL    string `yaml:"site.url"`
	SiteUser   string `yaml:"site.user"`
	SiteAPIKey string `yaml:"site.api_key"`

	UploadDir string `yaml:"source.upload_dir"`

	AuthzURL      string        `yaml:"authz.url"`
	AuthzIssuer   string        `yaml:"authz.issuer"`
	AuthzTokenTTL time.Duration `yaml:"authz.token_ttl"`
	// ECDSAPrivateKey signs locally minted authorization tokens when
	// authz.private_key_file is set; otherwise tokens come from AuthzURL.
	ECDSAPrivateKey *ecdsa.PrivateKey

	MaxFailures int           `yaml:"migration.max_failures"`
	RetryDelay  time.Duration `yaml:"migration.retry_delay"`
	TempDir     string        `yaml:"migration.temp_dir"`
	PageSize    int           `yaml:"migration.page_size"`
	ClaimTTL    time.Duration `yaml:"migration.claim_ttl"`

	HTTPTimeout time.Duration `yaml:"http.timeout"`
	MetricsAddr string        `yaml:"metrics_addr"`

	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. DynamoDB, S3 and SSM
	// clients are created from this single config.
	AwsConfig aws.Config
}

// ParameterGetter is the subset of the SSM client used to resolve secrets.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	awsConfig, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}

	cfg := fromViper()
	cfg.AwsConfig = awsConfig

	if err := cfg.resolveSecrets(context.Background(), ssm.NewFromConfig(awsConfig)); err != nil {
		return nil, err
	}

	if keyFile := viper.GetString("authz.private_key_file"); keyFile != "" {
		key, err := loadECDSAKey(keyFile)
		if err != nil {
			return nil, err
		}
		cfg.ECDSAPrivateKey = key
	}

	return cfg, nil
}

// ServerURL returns the blob storage service URL without a trailing slash.
func (c *Config) ServerURL() (string, error) {
	url := c.StorageServiceURL
	if url == "" {
		return "", errors.ConfigNotSetError(ServerURLKey)
	}
	return strings.TrimSuffix(url, "/"), nil
}

// Namespace returns the storage namespace, defaulting to "ckan".
func (c *Config) Namespace() string {
	if c.StorageNamespace == "" {
		return namespace.DefaultNamespace
	}
	return c.StorageNamespace
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault(StorageNamespaceKey, namespace.DefaultNamespace)
	viper.SetDefault("database.driver", DriverPostgres)
	viper.SetDefault("dynamodb_table", "resources")
	viper.SetDefault("site.user", "site_user")
	viper.SetDefault("authz.issuer", "blobmigrate")
	viper.SetDefault("authz.token_ttl", 15*time.Minute)
	viper.SetDefault("migration.max_failures", 3)
	viper.SetDefault("migration.retry_delay", 5*time.Second)
	viper.SetDefault("migration.page_size", 500)
	viper.SetDefault("migration.claim_ttl", time.Hour)
	viper.SetDefault("http.timeout", 60*time.Second)
}

func fromViper() *Config {
	return &Config{
		LogLevel:          viper.GetString("log_level"),
		Quiet:             viper.GetBool("quiet"),
		StorageServiceURL: viper.GetString(ServerURLKey),
		StorageNamespace:  viper.GetString(StorageNamespaceKey),
		DatabaseDriver:    viper.GetString("database.driver"),
		DatabaseDSN:       viper.GetString("database.dsn"),
		DynamoDBTable:     viper.GetString("dynamodb_table"),
		SiteURL:           viper.GetString("site.url"),
		SiteUser:          viper.GetString("site.user"),
		SiteAPIKey:        viper.GetString("site.api_key"),
		UploadDir:         viper.GetString("source.upload_dir"),
		AuthzURL:          viper.GetString("authz.url"),
		AuthzIssuer:       viper.GetString("authz.issuer"),
		AuthzTokenTTL:     viper.GetDuration("authz.token_ttl"),
		MaxFailures:       viper.GetInt("migration.max_failures"),
		RetryDelay:        viper.GetDuration("migration.retry_delay"),
		TempDir:           viper.GetString("migration.temp_dir"),
		PageSize:          viper.GetInt("migration.page_size"),
		ClaimTTL:          viper.GetDuration("migration.claim_ttl"),
		HTTPTimeout:       viper.GetDuration("http.timeout"),
		MetricsAddr:       viper.GetString("metrics_addr"),
	}
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// resolveSecrets replaces "ssm:/parameter/name" values with the decrypted
// parameter value from SSM Parameter Store.
func (c *Config) resolveSecrets(ctx context.Context, client ParameterGetter) error {
	for _, field := range []*string{&c.DatabaseDSN, &c.SiteAPIKey} {
		value, err := resolveSecret(ctx, client, *field)
		if err != nil {
			return err
		}
		*field = value
	}
	return nil
}

func resolveSecret(ctx context.Context, client ParameterGetter, value string) (string, error) {
	if !strings.HasPrefix(value, ssmPrefix) {
		return value, nil
	}

	name := strings.TrimPrefix(value, ssmPrefix)
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("unable to read SSM parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// loadECDSAKey reads a PEM encoded EC private key
func loadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz private key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("unable to parse authz private key: %w", err)
	}
	return key, nil
}

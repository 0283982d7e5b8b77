package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrConfigurationMissing marks a configuration value without which the process cannot start.
var ErrConfigurationMissing = errors.New("configuration missing")

// ProviderType selects the provider adapter.
type ProviderType string

const (
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderAzure        ProviderType = "azure"
	ProviderHetzner      ProviderType = "hetzner"
	ProviderAWS          ProviderType = "aws"
	ProviderGCP          ProviderType = "gcp"
	ProviderYandexCloud  ProviderType = "yandex_cloud"
)

// Credentials are read once at startup and never change afterwards.
// AccountID is the subscription (Azure), project (GCP), folder (Yandex)
// or access key id (AWS, where Token is the secret access key).
type Credentials struct {
	Token         string `yaml:"token"`
	AccountID     string `yaml:"account_id"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// Config contains application configuration
type Config struct {
	Credentials  Credentials        `yaml:"credentials"`
	Provisioner  ProvisionerConfig  `yaml:"provisioner"`
	Instance     InstanceConfig     `yaml:"instance"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Output       OutputConfig       `yaml:"output"`
}

// ProvisionerConfig is a discriminated union: Type picks which section is used.
type ProvisionerConfig struct {
	Type         ProviderType        `yaml:"type"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean,omitempty"`
	Azure        *AzureConfig        `yaml:"azure,omitempty"`
	Hetzner      *HetznerConfig      `yaml:"hetzner,omitempty"`
	AWS          *AWSConfig          `yaml:"aws,omitempty"`
	GCP          *GCPConfig          `yaml:"gcp,omitempty"`
	YandexCloud  *YandexCloudConfig  `yaml:"yandex_cloud,omitempty"`
}

// DigitalOceanConfig holds DigitalOcean specific settings
type DigitalOceanConfig struct {
	BaseURL       string `yaml:"base_url"`
	KeyName       string `yaml:"key_name"`
	DefaultRegion string `yaml:"default_region"`
	DefaultImage  string `yaml:"default_image"`
	DefaultSize   string `yaml:"default_size"`
}

// AzureConfig holds Azure Resource Manager settings
type AzureConfig struct {
	Endpoint         string `yaml:"endpoint"`
	ResourceGroup    string `yaml:"resource_group"`
	DefaultLocation  string `yaml:"default_location"`
	DefaultSize      string `yaml:"default_size"`
	DefaultImage     string `yaml:"default_image"` // publisher:offer:sku:version
	AdminUsername    string `yaml:"admin_username"`
	NetworkInterface string `yaml:"network_interface"`
	PublicIPName     string `yaml:"public_ip_name"`
}

// HetznerConfig holds Hetzner Cloud settings
type HetznerConfig struct {
	Endpoint        string `yaml:"endpoint"`
	DefaultLocation string `yaml:"default_location"`
	DefaultImage    string `yaml:"default_image"`
	DefaultSize     string `yaml:"default_size"`
}

// AWSConfig holds AWS EC2 settings
type AWSConfig struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	DefaultImage string `yaml:"default_image"`
	DefaultSize  string `yaml:"default_size"`
	ImageOwner   string `yaml:"image_owner"`
}

// GCPConfig holds Google Compute Engine settings
type GCPConfig struct {
	Endpoint     string `yaml:"endpoint"`
	ImageProject string `yaml:"image_project"`
	DefaultZone  string `yaml:"default_zone"`
	DefaultImage string `yaml:"default_image"`
	DefaultSize  string `yaml:"default_size"`
}

// YandexCloudConfig holds Yandex Cloud settings
type YandexCloudConfig struct {
	SubnetID     string `yaml:"subnet_id"`
	DefaultZone  string `yaml:"default_zone"`
	DefaultImage string `yaml:"default_image"`
	Cores        int    `yaml:"cores"`
	Memory       int64  `yaml:"memory"`    // in GB
	DiskSize     int64  `yaml:"disk_size"` // in GB
}

// InstanceConfig describes the single instance a run provisions.
// Empty fields fall back to the provider defaults.
type InstanceConfig struct {
	Name     string            `yaml:"name"`
	Region   string            `yaml:"region"`
	Image    string            `yaml:"image"`
	Size     string            `yaml:"size"`
	Username string            `yaml:"username"`
	Extra    map[string]string `yaml:"extra"`
}

// ProvisioningConfig controls the orchestrator and the run script.
type ProvisioningConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	Jitter       bool          `yaml:"jitter"`

	Discover bool `yaml:"discover"`
	Teardown bool `yaml:"teardown"`

	WaitSSH        bool          `yaml:"wait_ssh"`
	SSHTimeout     time.Duration `yaml:"ssh_timeout"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	CheckCommand   string        `yaml:"check_command"`
}

// OutputConfig lists optional artifacts written at the end of a run.
type OutputConfig struct {
	ReportPath  string `yaml:"report_path"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		Provisioner: ProvisionerConfig{Type: ProviderDigitalOcean},
		Provisioning: ProvisioningConfig{
			PollInterval: 5 * time.Second,
			MaxAttempts:  5,
			BackoffBase:  time.Second,
			BackoffCap:   60 * time.Second,
			Jitter:       true,
			Discover:     true,
			SSHTimeout:   5 * time.Minute,
			CheckCommand: "uname -a",
		},
	}
}

// Path returns the config file location: the explicit path if given,
// then CONFIG_PATH, then droplift.yaml.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "droplift.yaml"
}

// Load loads configuration from a YAML file (optional) and the environment.
func Load(path string) (*Config, error) {
	config := Default()

	configPath := Path(path)
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if path != "" {
		return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
	}

	config.expandEnv()
	config.applyEnvOverrides()
	config.applyProviderDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the startup-fatal conditions.
func (c *Config) Validate() error {
	if c.Credentials.Token == "" {
		return fmt.Errorf("%w: token is required (set credentials.token in config file or %s environment variable)",
			ErrConfigurationMissing, tokenEnv(c.Provisioner.Type))
	}
	switch c.Provisioner.Type {
	case ProviderDigitalOcean, ProviderAzure, ProviderHetzner, ProviderAWS, ProviderGCP, ProviderYandexCloud:
	default:
		return fmt.Errorf("unsupported provisioner type: %q", c.Provisioner.Type)
	}
	if c.Provisioning.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.Provisioning.PollInterval)
	}
	if c.Provisioning.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Provisioning.MaxAttempts)
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Credentials.Token = os.ExpandEnv(c.Credentials.Token)
	c.Credentials.AccountID = os.ExpandEnv(c.Credentials.AccountID)
	c.Credentials.PublicKey = os.ExpandEnv(c.Credentials.PublicKey)
	c.Credentials.PublicKeyPath = os.ExpandEnv(c.Credentials.PublicKeyPath)

	c.Instance.Name = os.ExpandEnv(c.Instance.Name)
	c.Instance.Region = os.ExpandEnv(c.Instance.Region)
	c.Instance.Image = os.ExpandEnv(c.Instance.Image)
	c.Instance.Size = os.ExpandEnv(c.Instance.Size)
	c.Instance.Username = os.ExpandEnv(c.Instance.Username)
	for k, v := range c.Instance.Extra {
		c.Instance.Extra[k] = os.ExpandEnv(v)
	}

	c.Provisioning.PrivateKeyPath = os.ExpandEnv(c.Provisioning.PrivateKeyPath)
	c.Output.ReportPath = os.ExpandEnv(c.Output.ReportPath)
	c.Output.MetricsPath = os.ExpandEnv(c.Output.MetricsPath)
}

// providerEnv lists provider-native variables for token and account id.
var providerEnv = map[ProviderType][2]string{
	ProviderDigitalOcean: {"DIGITALOCEAN_TOKEN", ""},
	ProviderAzure:        {"AZURE_TOKEN", "AZURE_SUBSCRIPTION_ID"},
	ProviderHetzner:      {"HCLOUD_TOKEN", ""},
	ProviderAWS:          {"AWS_SECRET_ACCESS_KEY", "AWS_ACCESS_KEY_ID"},
	ProviderGCP:          {"GOOGLE_OAUTH_ACCESS_TOKEN", "GOOGLE_CLOUD_PROJECT"},
	ProviderYandexCloud:  {"YC_TOKEN", "YC_FOLDER_ID"},
}

func tokenEnv(p ProviderType) string {
	if env, ok := providerEnv[p]; ok {
		return "DROPLIFT_TOKEN or " + env[0]
	}
	return "DROPLIFT_TOKEN"
}

// applyEnvOverrides lets the environment win over the file. Provider-native
// variables are applied first so the DROPLIFT_* ones take precedence.
func (c *Config) applyEnvOverrides() {
	if env, ok := providerEnv[c.Provisioner.Type]; ok {
		if v := os.Getenv(env[0]); v != "" {
			c.Credentials.Token = v
		}
		if env[1] != "" {
			if v := os.Getenv(env[1]); v != "" {
				c.Credentials.AccountID = v
			}
		}
	}

	if v := os.Getenv("DROPLIFT_TOKEN"); v != "" {
		c.Credentials.Token = v
	}
	if v := os.Getenv("DROPLIFT_ACCOUNT_ID"); v != "" {
		c.Credentials.AccountID = v
	}
	if v := os.Getenv("DROPLIFT_PUBLIC_KEY"); v != "" {
		c.Credentials.PublicKey = v
	}
}

// applyProviderDefaults makes sure the selected provider section exists and
// has the defaults filled in.
func (c *Config) applyProviderDefaults() {
	p := &c.Provisioner
	switch p.Type {
	case ProviderDigitalOcean:
		if p.DigitalOcean == nil {
			p.DigitalOcean = &DigitalOceanConfig{}
		}
		setDefault(&p.DigitalOcean.KeyName, "My SSH Public Key")
		setDefault(&p.DigitalOcean.DefaultRegion, "nyc1")
		setDefault(&p.DigitalOcean.DefaultImage, "ubuntu-22-04-x64")
		setDefault(&p.DigitalOcean.DefaultSize, "s-1vcpu-1gb")
	case ProviderAzure:
		if p.Azure == nil {
			p.Azure = &AzureConfig{}
		}
		setDefault(&p.Azure.Endpoint, "https://management.azure.com")
		setDefault(&p.Azure.ResourceGroup, "myResourceGroup")
		setDefault(&p.Azure.DefaultLocation, "westus")
		setDefault(&p.Azure.DefaultSize, "Standard_DS1_v2")
		setDefault(&p.Azure.DefaultImage, "Canonical:UbuntuServer:18.04-LTS:latest")
		setDefault(&p.Azure.AdminUsername, "azureuser")
	case ProviderHetzner:
		if p.Hetzner == nil {
			p.Hetzner = &HetznerConfig{}
		}
		setDefault(&p.Hetzner.DefaultLocation, "fsn1")
		setDefault(&p.Hetzner.DefaultImage, "ubuntu-24.04")
		setDefault(&p.Hetzner.DefaultSize, "cx22")
	case ProviderAWS:
		if p.AWS == nil {
			p.AWS = &AWSConfig{}
		}
		setDefault(&p.AWS.Region, "us-east-1")
		setDefault(&p.AWS.DefaultSize, "t3.micro")
		setDefault(&p.AWS.ImageOwner, "amazon")
	case ProviderGCP:
		if p.GCP == nil {
			p.GCP = &GCPConfig{}
		}
		setDefault(&p.GCP.ImageProject, "ubuntu-os-cloud")
		setDefault(&p.GCP.DefaultZone, "us-central1-a")
		setDefault(&p.GCP.DefaultImage, "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts")
		setDefault(&p.GCP.DefaultSize, "e2-medium")
	case ProviderYandexCloud:
		if p.YandexCloud == nil {
			p.YandexCloud = &YandexCloudConfig{}
		}
		setDefault(&p.YandexCloud.DefaultZone, "ru-central1-b")
		if p.YandexCloud.Cores == 0 {
			p.YandexCloud.Cores = 2
		}
		if p.YandexCloud.Memory == 0 {
			p.YandexCloud.Memory = 2
		}
		if p.YandexCloud.DiskSize == 0 {
			p.YandexCloud.DiskSize = 20
		}
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

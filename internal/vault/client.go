package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

var (
	// ErrClientInit indicates failure to initialize the Vault API client.
	ErrClientInit = errors.New("vault client initialization failed")
	// ErrNoSecret is returned when a path holds no data.
	ErrNoSecret = errors.New("no data found")
)

type Option func(*config)

type config struct {
	address  string
	token    string
	roleID   string
	roleName string
}

type Client struct {
	// The Vault Client
	api    *vault.Client
	config *config
}

// Credentials is a username/password pair read from Vault.
type Credentials struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"-"`
}

func WithAddress(address string) Option {
	return func(c *config) {
		if address != "" {
			c.address = address
		}
	}
}

func WithToken(token string) Option {
	return func(c *config) {
		if token != "" {
			c.token = token
		}
	}
}

func WithAppRole(roleID, roleName string) Option {
	return func(c *config) {
		c.roleID = roleID
		c.roleName = roleName
	}
}

// NewClient creates and initializes a Vault Client using provided options.
// It will perform AppRole login if roleID and roleName are both set, otherwise
// a static token (from env or WithToken) is used.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
	}

	client := &Client{api: api, config: cfg}

	if cfg.token != "" {
		client.api.SetToken(cfg.token)
	}

	if cfg.roleID != "" && cfg.roleName != "" {
		if err := client.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("AppRole login failed: %w", err)
		}
	}

	return client, nil
}

// loginAppRole performs AppRole login using the configured roleID and roleName.
func (c *Client) loginAppRole(ctx context.Context) error {
	path := fmt.Sprintf(approleSecretIDPath, c.config.roleName)
	resp, err := c.api.Logical().WriteWithContext(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("generate secret_id: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("no response from %s", path)
	}
	sid, ok := resp.Data["secret_id"].(string)
	if !ok || sid == "" {
		return fmt.Errorf("no secret_id returned from %s", path)
	}

	loginData := map[string]any{
		"role_id":   c.config.roleID,
		"secret_id": sid,
	}
	loginResp, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, loginData)
	if err != nil {
		return fmt.Errorf("approle login request: %w", err)
	}
	if loginResp == nil || loginResp.Auth == nil || loginResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token in login response")
	}
	c.api.SetToken(loginResp.Auth.ClientToken)
	return nil
}

// GetDynamicCredentials reads a database secrets engine role, e.g.
// "database/creds/orders-backup", and returns the leased username/password.
func (c *Client) GetDynamicCredentials(ctx context.Context, role string) (Credentials, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, role)
	if err != nil {
		return Credentials{}, fmt.Errorf("read %s: %w", role, err)
	}
	if secret == nil {
		return Credentials{}, fmt.Errorf("%w at path: %s", ErrNoSecret, role)
	}
	creds, err := decodeCredentials(secret.Data)
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid data format at path %s: %w", role, err)
	}
	creds.TTL = time.Duration(secret.LeaseDuration) * time.Second
	return creds, nil
}

// GetStaticCredentials reads a KV v2 secret. path is "<mount>/<secret path>",
// e.g. "secret/databases/orders"; the secret must carry a password and may
// carry a username.
func (c *Client) GetStaticCredentials(ctx context.Context, path string) (Credentials, error) {
	mount, name, ok := strings.Cut(strings.Trim(path, "/"), "/")
	if !ok || name == "" {
		return Credentials{}, fmt.Errorf("kv path %q: want <mount>/<path>", path)
	}
	secret, err := c.api.KVv2(mount).Get(ctx, name)
	if err != nil {
		return Credentials{}, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("%w at path: %s", ErrNoSecret, path)
	}
	creds, err := decodeCredentials(secret.Data)
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid data format at path %s: %w", path, err)
	}
	return creds, nil
}

func decodeCredentials(data map[string]any) (Credentials, error) {
	var creds Credentials
	if err := mapstructure.Decode(data, &creds); err != nil {
		return Credentials{}, err
	}
	if creds.Password == "" {
		return Credentials{}, errors.New("missing password")
	}
	return creds, nil
}

package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	iamcredentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/backoff"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	gcpServiceAccountPrefix = "projects/-/serviceAccounts/"
	gcpScope                = "https://www.googleapis.com/auth/cloud-platform"

	defaultTokenLifetime        = time.Hour
	defaultRefreshEvery         = 50 * time.Minute
	defaultRefreshCheckInterval = 10 * time.Second
	defaultRefreshTimeout       = 15 * time.Second
)

// GCPIAMAuth authenticates with short-lived access tokens minted for a GCP
// service account, as Memorystore IAM authentication expects. The token is
// used as the connection password and refreshed before it lapses.
type GCPIAMAuth struct {
	CredentialsBase64    string
	ServiceAccount       string
	TokenLifetime        time.Duration
	RefreshEvery         time.Duration
	RefreshCheckInterval time.Duration
	RefreshTimeout       time.Duration
}

// String redacts the credentials.
func (a GCPIAMAuth) String() string {
	return fmt.Sprintf("GCPIAMAuth{ServiceAccount:%s CredentialsBase64:REDACTED}", a.ServiceAccount)
}

// GoString redacts the credentials for %#v.
func (a GCPIAMAuth) GoString() string { return a.String() }

func normalizeIAM(auth *GCPIAMAuth) error {
	if strings.TrimSpace(auth.ServiceAccount) == "" {
		return fmt.Errorf("%w: service account is required for GCP IAM auth", ErrInvalidConfig)
	}

	if strings.Contains(auth.ServiceAccount, "/") {
		return fmt.Errorf("%w: service account cannot contain '/'", ErrInvalidConfig)
	}

	if strings.TrimSpace(auth.CredentialsBase64) == "" {
		return fmt.Errorf("%w: credentials are required for GCP IAM auth", ErrInvalidConfig)
	}

	if auth.TokenLifetime <= 0 {
		auth.TokenLifetime = defaultTokenLifetime
	}

	if auth.RefreshEvery <= 0 {
		auth.RefreshEvery = defaultRefreshEvery
	}

	if auth.RefreshCheckInterval <= 0 {
		auth.RefreshCheckInterval = defaultRefreshCheckInterval
	}

	if auth.RefreshTimeout <= 0 {
		auth.RefreshTimeout = defaultRefreshTimeout
	}

	if auth.RefreshEvery >= auth.TokenLifetime {
		return fmt.Errorf("%w: RefreshEvery must be less than TokenLifetime", ErrInvalidConfig)
	}

	return nil
}

func tlsConfig(caCertBase64 string) (*tls.Config, error) {
	if caCertBase64 == "" {
		return nil, nil
	}

	pem, err := base64.StdEncoding.DecodeString(caCertBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode CA cert: %v", ErrInvalidConfig, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: CA cert has no PEM certificates", ErrInvalidConfig)
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (c *Client) usesIAM() bool { return c.cfg.GCPIAM != nil }

// generateIAMToken mints an access token for the configured service account.
func (c *Client) generateIAMToken(ctx context.Context) (string, error) {
	auth := c.cfg.GCPIAM
	if auth == nil {
		return "", errors.New("redis: GCP IAM auth is not configured")
	}

	raw, err := base64.StdEncoding.DecodeString(auth.CredentialsBase64)
	if err != nil {
		return "", fmt.Errorf("redis: decode IAM credentials: %w", err)
	}

	defer clear(raw)

	creds, err := google.CredentialsFromJSONWithType(ctx, raw, google.ServiceAccount)
	if err != nil {
		return "", errors.New("redis: parse IAM credentials: invalid service account credentials (content redacted)")
	}

	client, err := iamcredentials.NewIamCredentialsClient(ctx, option.WithCredentials(creds))
	if err != nil {
		return "", fmt.Errorf("redis: create IAM credentials client: %w", err)
	}
	defer client.Close()

	resp, err := client.GenerateAccessToken(ctx, &credentialspb.GenerateAccessTokenRequest{
		Name:     gcpServiceAccountPrefix + auth.ServiceAccount,
		Scope:    []string{gcpScope},
		Lifetime: durationpb.New(auth.TokenLifetime),
	})
	if err != nil {
		return "", fmt.Errorf("redis: generate IAM token: %w", err)
	}

	if resp == nil || resp.GetAccessToken() == "" {
		return "", errors.New("redis: generate IAM token: empty response")
	}

	return resp.GetAccessToken(), nil
}

func (c *Client) startRefreshLoop() {
	if !c.usesIAM() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.refreshCancel = cancel

	runtime.SafeGoWithContextAndComponent(ctx, c.logger, "redis", "iam_refresh_loop", runtime.KeepRunning, c.refreshLoop)
}

func (c *Client) stopRefreshLoop() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
}

func (c *Client) refreshLoop(ctx context.Context) {
	auth := c.cfg.GCPIAM

	ticker := time.NewTicker(auth.RefreshCheckInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.refreshTick(ctx) {
				failures = 0
				continue
			}

			failures++

			delay := min(backoff.ExponentialWithJitter(auth.RefreshCheckInterval, failures), reconnectBackoffCap)
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return
			}
		}
	}
}

// refreshTick renews the token when it is due and reconnects with it. It
// reports false when either step failed; the previous client stays in use.
func (c *Client) refreshTick(ctx context.Context) bool {
	auth := c.cfg.GCPIAM

	c.mu.RLock()
	due := !time.Now().Before(c.lastRefresh.Add(auth.RefreshEvery))
	c.mu.RUnlock()

	if !due {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, auth.RefreshTimeout)
	defer cancel()

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.iam_refresh")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemRedis))

	token, err := c.tokens(ctx)
	if err != nil {
		c.mu.Lock()
		c.refreshErr = err
		c.mu.Unlock()

		c.logger.Log(ctx, log.LevelWarn, "IAM token refresh failed", log.Err(err))
		opentelemetry.HandleSpanError(span, "IAM token refresh failed", err)

		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Close stopped the loop while the token was being minted.
	if ctx.Err() != nil {
		return false
	}

	if err := c.swapLocked(ctx, token); err != nil {
		c.refreshErr = err

		c.logger.Log(ctx, log.LevelError, "reconnect after IAM token refresh failed, keeping existing client", log.Err(err))
		opentelemetry.HandleSpanError(span, "IAM reconnect failed", err)

		return false
	}

	c.token = token
	c.lastRefresh = time.Now()
	c.refreshErr = nil

	c.logger.Log(ctx, log.LevelInfo, "IAM token refreshed")

	return true
}

// swapLocked verifies a client built with token before closing the old one.
func (c *Client) swapLocked(ctx context.Context, token string) error {
	next := redis.NewUniversalClient(c.optionsLocked(token))

	if err := next.Ping(ctx).Err(); err != nil {
		_ = next.Close()
		return fmt.Errorf("redis reconnect: ping: %w", err)
	}

	prev := c.client
	c.client = next
	c.connected = true

	if prev != nil {
		if err := prev.Close(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "close previous redis client failed", log.Err(err))
		}
	}

	return nil
}

// LastRefreshError returns the error of the latest failed IAM refresh, or nil.
func (c *Client) LastRefreshError() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.refreshErr
}

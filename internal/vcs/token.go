package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// TokenSource yields the bearer token for host calls. It is consulted on
// every request so rotated credentials are picked up without a restart.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrMissingCredentials
	}
	return string(t), nil
}

// EnvToken reads the named environment variable at call time.
type EnvToken string

func (t EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(t)))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrMissingCredentials, string(t))
	}
	return v, nil
}

// SecretsAPI is the part of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerToken resolves the token from AWS Secrets Manager and caches
// it for TTL. The secret is either the raw token or a JSON object with a
// "token" field.
type SecretsManagerToken struct {
	client   SecretsAPI
	secretID string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

func NewSecretsManagerToken(client SecretsAPI, secretID string, ttl time.Duration) *SecretsManagerToken {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SecretsManagerToken{client: client, secretID: secretID, ttl: ttl, now: time.Now}
}

// LoadSecretsManagerToken builds the AWS client from the default credential chain.
func LoadSecretsManagerToken(ctx context.Context, region, secretID string, ttl time.Duration) (*SecretsManagerToken, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSecretsManagerToken(secretsmanager.NewFromConfig(cfg), secretID, ttl), nil
}

func (s *SecretsManagerToken) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != "" && s.now().Before(s.expires) {
		return s.cached, nil
	}
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(s.secretID)})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", s.secretID, err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	token := raw
	if strings.HasPrefix(raw, "{") {
		var doc struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("decode secret %s: %w", s.secretID, err)
		}
		token = strings.TrimSpace(doc.Token)
	}
	if token == "" {
		return "", fmt.Errorf("%w: secret %s is empty", ErrMissingCredentials, s.secretID)
	}
	s.cached = token
	s.expires = s.now().Add(s.ttl)
	return token, nil
}

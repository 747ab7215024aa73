package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

//go:generate mockgen -destination=mocks/mock_secrets.go -package=mocks -source=secrets.go SecretsAPI

// SecretsAPI is the subset of the Secrets Manager client the backend
// uses.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// SecretsManagerBackend stores the key set as a single JSON secret in AWS
// Secrets Manager, shared by every instance of the server.
type SecretsManagerBackend struct {
	client   SecretsAPI
	secretID string
}

var _ Backend = (*SecretsManagerBackend)(nil)

// NewSecretsManagerBackend stores keys in the secret named secretID.
func NewSecretsManagerBackend(client SecretsAPI, secretID string) *SecretsManagerBackend {
	return &SecretsManagerBackend{client: client, secretID: secretID}
}

// NewSecretsManagerBackendFromEnv builds a client from the default AWS
// credential chain. An empty region defers to the chain as well.
func NewSecretsManagerBackendFromEnv(ctx context.Context, region, secretID string) (*SecretsManagerBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return NewSecretsManagerBackend(secretsmanager.NewFromConfig(cfg), secretID), nil
}

// Load fetches and decodes the secret.
func (b *SecretsManagerBackend) Load(ctx context.Context) (*KeySet, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.secretID),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, apperrors.ErrKeyNotFound
		}

		return nil, fmt.Errorf("fetching secret %s: %w", b.secretID, err)
	}

	var payload []byte

	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return nil, fmt.Errorf("secret %s has no payload", b.secretID)
	}

	return unmarshalBlob(payload)
}

// Create creates the secret. Secrets Manager rejects a second
// CreateSecret for the same name, which makes creation exclusive across
// instances.
func (b *SecretsManagerBackend) Create(ctx context.Context, s *KeySet) error {
	payload, err := b.encode(s)
	if err != nil {
		return err
	}

	_, err = b.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(b.secretID),
		Description:  aws.String("taskauth access token signing keys"),
		SecretString: aws.String(payload),
	})
	if err != nil {
		var exists *smtypes.ResourceExistsException
		if errors.As(err, &exists) {
			return apperrors.ErrKeyExists
		}

		return fmt.Errorf("creating secret %s: %w", b.secretID, err)
	}

	return nil
}

// Save writes a new version of the secret.
func (b *SecretsManagerBackend) Save(ctx context.Context, s *KeySet) error {
	payload, err := b.encode(s)
	if err != nil {
		return err
	}

	_, err = b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(b.secretID),
		SecretString: aws.String(payload),
	})
	if err != nil {
		return fmt.Errorf("updating secret %s: %w", b.secretID, err)
	}

	return nil
}

func (b *SecretsManagerBackend) encode(s *KeySet) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	data, err := marshalBlob(s)
	if err != nil {
		return "", fmt.Errorf("encoding key set: %w", err)
	}

	return string(data), nil
}

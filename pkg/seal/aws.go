package seal

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"pastelite/cfg"
)

const awsContextKey = "paste_id"

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context, c cfg.SealCfg) (*awsProvider, error) {
	acfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(acfg),
		smClient:  secretsmanager.NewFromConfig(acfg),
		keyID:     c.KMSKeyID,
	}, nil
}

func (a *awsProvider) Name() string { return "aws" }

func encryptionContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{awsContextKey: string(aad)}
}

func (a *awsProvider) Wrap(ctx context.Context, dek, aad []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(a.keyID),
		Plaintext:         dek,
		EncryptionContext: encryptionContext(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		EncryptionContext: encryptionContext(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

func (a *awsProvider) Secret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Credentials is the credential material a secret store may contribute.
// All fields are optional; empty fields leave settings untouched.
type Credentials struct {
	SourceDSN          string `json:"source_dsn"`
	TargetDSN          string `json:"target_dsn"`
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`
}

// SecretSource fetches credentials by secret name.
type SecretSource interface {
	Fetch(ctx context.Context, name string) (Credentials, error)
}

// secretsAPI is the subset of the Secrets Manager client we call. Narrow on
// purpose so tests can fake it without HTTP.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads a JSON credentials document from AWS Secrets
// Manager. The secret value must be a JSON object with the Credentials fields.
type SecretsManagerSource struct {
	api secretsAPI
}

// NewSecretsManagerSource builds a source for the given region. Static
// keys may be empty when the environment provides credentials some other way;
// in that case the lookup itself will fail and Load surfaces the error.
func NewSecretsManagerSource(region, accessKeyID, secretAccessKey string) *SecretsManagerSource {
	opts := secretsmanager.Options{Region: region}
	if accessKeyID != "" && secretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	}
	return &SecretsManagerSource{api: secretsmanager.New(opts)}
}

// Fetch implements SecretSource.
func (s *SecretsManagerSource) Fetch(ctx context.Context, name string) (Credentials, error) {
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("get secret %s: %w", name, err)
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return Credentials{}, fmt.Errorf("secret %s has no string payload", name)
	}

	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("parse secret %s: %w", name, err)
	}
	return c, nil
}

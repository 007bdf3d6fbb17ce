package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// expirationFormat is the timestamp layout of cached credential files
// (ISO-8601 UTC, whole seconds)
const expirationFormat = "2006-01-02T15:04:05Z"

// File modes for cached credential files. The group-readable mode is
// used when a different OS user must be able to read the credentials.
const (
	FileModeOwnerOnly     os.FileMode = 0o600
	FileModeGroupReadable os.FileMode = 0o640
)

// FileCredentials is the on-disk credential structure. It matches the
// output format expected from an AWS credential process, and the agent
// uses the same format to persist its own credentials.
type FileCredentials struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// FileCredentialsFrom converts role credentials into the on-disk format
func FileCredentialsFrom(creds aws.Credentials) FileCredentials {
	return FileCredentials{
		Version:         1,
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Expiration:      creds.Expires.UTC().Format(expirationFormat),
	}
}

// Validate checks the structural requirements of a parsed credential
// file
func (f FileCredentials) Validate() error {
	if f.Version != 1 {
		return fmt.Errorf("unsupported credential file version %d", f.Version)
	}
	if f.AccessKeyID == "" || f.SecretAccessKey == "" || f.SessionToken == "" {
		return fmt.Errorf("credential file is missing required fields")
	}
	if _, err := time.Parse(expirationFormat, f.Expiration); err != nil {
		return fmt.Errorf("credential file has a malformed Expiration: %w", err)
	}
	return nil
}

// ToCredentials converts the on-disk format back into role credentials
func (f FileCredentials) ToCredentials() (aws.Credentials, error) {
	if err := f.Validate(); err != nil {
		return aws.Credentials{}, err
	}
	expires, err := time.Parse(expirationFormat, f.Expiration)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     f.AccessKeyID,
		SecretAccessKey: f.SecretAccessKey,
		SessionToken:    f.SessionToken,
		CanExpire:       true,
		Expires:         expires,
	}, nil
}

// WriteFile persists the credentials with the given file mode. The
// parent directory is created owner-only if needed.
func (f FileCredentials) WriteFile(path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	payload, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := os.WriteFile(path, payload, mode); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	// WriteFile does not change the mode of a pre-existing file
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting credential file mode: %w", err)
	}
	return nil
}

// ReadCredentialFile loads and validates a cached credential file.
// A missing file returns ok=false with no error.
func ReadCredentialFile(path string) (FileCredentials, bool, error) {
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return FileCredentials{}, false, nil
	}
	if err != nil {
		return FileCredentials{}, false, fmt.Errorf("reading credential file %s: %w", path, err)
	}
	var creds FileCredentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return FileCredentials{}, false, fmt.Errorf("parsing credential file %s: %w", path, err)
	}
	if err := creds.Validate(); err != nil {
		return FileCredentials{}, false, fmt.Errorf("validating credential file %s: %w", path, err)
	}
	return creds, true, nil
}

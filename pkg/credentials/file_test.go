package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCredentialsRoundTrip(t *testing.T) {
	expires := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	original := aws.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		CanExpire:       true,
		Expires:         expires,
	}

	file := FileCredentialsFrom(original)
	assert.Equal(t, 1, file.Version)
	assert.Equal(t, "2024-06-01T12:30:45Z", file.Expiration)

	parsed, err := file.ToCredentials()
	require.NoError(t, err)
	assert.Equal(t, original.AccessKeyID, parsed.AccessKeyID)
	assert.Equal(t, original.SecretAccessKey, parsed.SecretAccessKey)
	assert.Equal(t, original.SessionToken, parsed.SessionToken)
	assert.True(t, parsed.Expires.Equal(expires))
}

func TestFileCredentialsRoundTripNormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	original := aws.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		CanExpire:       true,
		Expires:         time.Date(2024, 6, 1, 14, 0, 0, 0, zone),
	}

	parsed, err := FileCredentialsFrom(original).ToCredentials()
	require.NoError(t, err)
	assert.True(t, parsed.Expires.Equal(original.Expires))
}

func TestFileCredentialsValidate(t *testing.T) {
	tests := []struct {
		name  string
		creds FileCredentials
	}{
		{
			name: "wrong version",
			creds: FileCredentials{
				Version: 2, AccessKeyID: "a", SecretAccessKey: "b",
				SessionToken: "c", Expiration: "2024-06-01T00:00:00Z",
			},
		},
		{
			name: "missing access key",
			creds: FileCredentials{
				Version: 1, SecretAccessKey: "b",
				SessionToken: "c", Expiration: "2024-06-01T00:00:00Z",
			},
		},
		{
			name: "malformed expiration",
			creds: FileCredentials{
				Version: 1, AccessKeyID: "a", SecretAccessKey: "b",
				SessionToken: "c", Expiration: "not-a-time",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.creds.Validate())
		})
	}
}

func TestWriteFileSetsOwnerOnlyMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds", "worker.json")
	file := FileCredentialsFrom(aws.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		CanExpire:       true,
		Expires:         time.Now().Add(time.Hour),
	})
	require.NoError(t, file.WriteFile(path, FileModeOwnerOnly))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	read, ok, err := ReadCredentialFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, file, read)
}

func TestReadCredentialFileMissing(t *testing.T) {
	_, ok, err := ReadCredentialFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestSlotSnapshotAtomicity hammers a slot from concurrent writers and
// checks that every observed triple belongs to a single refresh cycle.
func TestSlotSnapshotAtomicity(t *testing.T) {
	slot := &Slot{}
	slot.Set(aws.Credentials{AccessKeyID: "key-0", SecretAccessKey: "secret-0", SessionToken: "token-0"})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			suffix := string(rune('0' + i%10))
			slot.Set(aws.Credentials{
				AccessKeyID:     "key-" + suffix,
				SecretAccessKey: "secret-" + suffix,
				SessionToken:    "token-" + suffix,
			})
		}
	}()

	for i := 0; i < 10000; i++ {
		creds, ok := slot.Snapshot()
		require.True(t, ok)
		suffix := creds.AccessKeyID[len("key-"):]
		assert.Equal(t, "secret-"+suffix, creds.SecretAccessKey)
		assert.Equal(t, "token-"+suffix, creds.SessionToken)
	}
	close(stop)
	wg.Wait()
}

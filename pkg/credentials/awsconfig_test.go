package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceSectionAddsToEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	body := "[profile deadline-queue-1]\ncredential_process = /path/get_aws_credentials.sh\n"
	require.NoError(t, replaceSection(path, "[profile deadline-queue-1]", body, 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(content))
}

func TestReplaceSectionPreservesOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	existing := "[default]\nregion = us-west-2\n\n[profile deadline-queue-1]\ncredential_process = /old/script.sh\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o600))

	body := "[profile deadline-queue-1]\ncredential_process = /new/script.sh\n"
	require.NoError(t, replaceSection(path, "[profile deadline-queue-1]", body, 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[default]\nregion = us-west-2")
	assert.Contains(t, string(content), "credential_process = /new/script.sh")
	assert.NotContains(t, string(content), "/old/script.sh")
}

func TestReplaceSectionRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	existing := "[deadline-queue-1]\ncredential_process = /path/script.sh\n\n[other]\naws_access_key_id = abc\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o600))

	require.NoError(t, replaceSection(path, "[deadline-queue-1]", "", 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "deadline-queue-1")
	assert.Contains(t, string(content), "[other]\naws_access_key_id = abc")
}

func TestProfileSectionHeader(t *testing.T) {
	assert.Equal(t, "[profile deadline-q]", profileSectionHeader(awsConfigFile, "deadline-q"))
	assert.Equal(t, "[deadline-q]", profileSectionHeader(awsCredentialsFile, "deadline-q"))
}

package credentials

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// The AWS profile entry for a queue is installed into both of these
// files in the target user's home directory
const (
	awsConfigFile      = "config"
	awsCredentialsFile = "credentials"
)

// profileSectionHeader renders the section header for the profile in the
// given file. The config file prefixes profile sections with "profile ".
func profileSectionHeader(file, profileName string) string {
	if file == awsConfigFile {
		return fmt.Sprintf("[profile %s]", profileName)
	}
	return fmt.Sprintf("[%s]", profileName)
}

// awsDirForUser resolves ~<username>/.aws, or the process user's when
// username is empty
func awsDirForUser(username string) (string, error) {
	var home string
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("resolving current user: %w", err)
		}
		home = u.HomeDir
	} else {
		u, err := user.Lookup(username)
		if err != nil {
			return "", fmt.Errorf("can't determine home directory for user %s: %w", username, err)
		}
		home = u.HomeDir
	}
	if home == "" {
		return "", fmt.Errorf("can't determine home directory")
	}
	return filepath.Join(home, ".aws"), nil
}

// installProfile writes or replaces a credential_process profile section
// in ~<user>/.aws/config and ~<user>/.aws/credentials
func installProfile(username, profileName, processPath string, mode os.FileMode) error {
	awsDir, err := awsDirForUser(username)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(awsDir, 0o770); err != nil {
		return fmt.Errorf("creating %s: %w", awsDir, err)
	}
	for _, file := range []string{awsConfigFile, awsCredentialsFile} {
		path := filepath.Join(awsDir, file)
		section := profileSectionHeader(file, profileName)
		body := fmt.Sprintf("%s\ncredential_process = %s\n", section, processPath)
		if err := replaceSection(path, section, body, mode); err != nil {
			return fmt.Errorf("installing profile into %s: %w", path, err)
		}
	}
	return nil
}

// uninstallProfile removes the profile section from both files
func uninstallProfile(username, profileName string, mode os.FileMode) error {
	awsDir, err := awsDirForUser(username)
	if err != nil {
		return err
	}
	for _, file := range []string{awsConfigFile, awsCredentialsFile} {
		path := filepath.Join(awsDir, file)
		section := profileSectionHeader(file, profileName)
		if err := replaceSection(path, section, "", mode); err != nil {
			return fmt.Errorf("removing profile from %s: %w", path, err)
		}
	}
	return nil
}

// replaceSection rewrites the file with the named section replaced by
// body (or removed when body is empty). Other sections are preserved
// byte for byte.
func replaceSection(path, sectionHeader, body string, mode os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var out []string
	inSection := false
	for _, line := range strings.Split(string(existing), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") {
			inSection = trimmed == sectionHeader
			if inSection {
				continue
			}
		}
		if !inSection {
			out = append(out, line)
		}
	}

	content := strings.TrimRight(strings.Join(out, "\n"), "\n")
	if body != "" {
		if content != "" {
			content += "\n\n"
		}
		content += strings.TrimRight(body, "\n")
	}
	if content != "" {
		content += "\n"
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

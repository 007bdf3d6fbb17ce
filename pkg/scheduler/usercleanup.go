package scheduler

import (
	"fmt"
	"os/exec"
	"os/user"
	"sync"

	"github.com/cuemby/farmhand/pkg/log"
	"github.com/cuemby/farmhand/pkg/session"
	"github.com/cuemby/farmhand/pkg/types"
	"github.com/rs/zerolog"
)

// SessionUserCleanupManager tracks which sessions run as which OS users
// and stops any processes still running as a user once that user's last
// session is removed. The Session type cleans up its own subprocess
// tree; this catches anything a job left behind.
type SessionUserCleanupManager struct {
	mu sync.Mutex
	// user name -> session ID -> session
	userSessions map[string]map[string]*session.Session

	cleanupProcesses bool
	logger           zerolog.Logger
}

// NewSessionUserCleanupManager creates a manager. When cleanupProcesses
// is false, registration is tracked but no processes are ever killed.
func NewSessionUserCleanupManager(cleanupProcesses bool) *SessionUserCleanupManager {
	return &SessionUserCleanupManager{
		userSessions:     make(map[string]map[string]*session.Session),
		cleanupProcesses: cleanupProcesses,
		logger:           log.WithComponent("user-cleanup"),
	}
}

// Register tracks a session under its OS user. Sessions without an OS
// user are ignored.
func (m *SessionUserCleanupManager) Register(sess *session.Session) {
	osUser := sess.OSUser()
	if osUser == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.userSessions[osUser.User]
	if sessions == nil {
		sessions = make(map[string]*session.Session)
		m.userSessions[osUser.User] = sessions
	}
	sessions[sess.ID()] = sess
}

// Deregister removes a session; when it was the user's last session the
// user's leftover processes are stopped
func (m *SessionUserCleanupManager) Deregister(sess *session.Session) {
	osUser := sess.OSUser()
	if osUser == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := m.userSessions[osUser.User]
	if sessions == nil {
		return
	}
	if _, ok := sessions[sess.ID()]; !ok {
		return
	}
	delete(sessions, sess.ID())
	if len(sessions) == 0 {
		delete(m.userSessions, osUser.User)
		if m.cleanupProcesses {
			if err := m.cleanupUserProcesses(osUser); err != nil {
				m.logger.Warn().Err(err).Str("user", osUser.User).
					Msg("Failed to stop session user processes")
			}
		}
	}
}

// cleanupUserProcesses kills any processes still running as the session
// user. The agent's own user is never targeted.
func (m *SessionUserCleanupManager) cleanupUserProcesses(osUser *types.PosixUser) error {
	current, err := user.Current()
	if err == nil && current.Username == osUser.User {
		m.logger.Info().Str("user", osUser.User).
			Msg("Skipping process cleanup because the session user matches the agent user")
		return nil
	}

	m.logger.Info().Str("user", osUser.User).Msg("Cleaning up remaining session user processes")
	cmd := exec.Command("sudo", "-u", osUser.User, "/usr/bin/pkill", "-eU", osUser.User)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
			// pkill exits 1 when no processes matched
			m.logger.Info().Str("user", osUser.User).
				Msg("No processes stopped because none were found running as the session user")
			return nil
		}
		return fmt.Errorf("pkill failed: %w: %s", err, output)
	}
	m.logger.Info().Str("user", osUser.User).Str("output", string(output)).Msg("Stopped processes")
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

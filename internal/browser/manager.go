// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/browser/pwdriver"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// Manager opens browser sessions for the configured driver and closes any
// still open on Shutdown.
type Manager struct {
	cfg    config.Interface
	logger *zap.Logger

	mu       sync.Mutex
	sessions []schemas.BrowserSession
}

// NewManager validates the driver name; nothing is launched until NewSession.
func NewManager(cfg config.Interface, logger *zap.Logger) (*Manager, error) {
	switch d := cfg.Browser().Driver; d {
	case config.DriverChromedp, config.DriverPlaywright:
	default:
		return nil, fmt.Errorf("unsupported browser driver: %q", d)
	}
	return &Manager{cfg: cfg, logger: logger.Named("browser_manager")}, nil
}

// NewSession launches a browser and opens one page.
func (m *Manager) NewSession(ctx context.Context) (schemas.BrowserSession, error) {
	driver := m.cfg.Browser().Driver
	m.logger.Info("Launching browser.", zap.String("driver", string(driver)), zap.Bool("headless", m.cfg.Browser().Headless))

	var (
		session schemas.BrowserSession
		err     error
	)
	switch driver {
	case config.DriverPlaywright:
		session, err = pwdriver.NewSession(ctx, m.cfg, m.logger)
	default:
		session, err = NewSession(ctx, m.cfg, m.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s session: %w", driver, err)
	}

	m.mu.Lock()
	m.sessions = append(m.sessions, session)
	m.mu.Unlock()
	return session, nil
}

// Shutdown closes every session this manager created.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Failed to close browser session.", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// internal/browser/manager_test.go
package browser_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/coursepilot/internal/browser"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

func TestNewManager_Drivers(t *testing.T) {
	logger := zaptest.NewLogger(t)

	for _, driver := range []config.BrowserDriver{config.DriverChromedp, config.DriverPlaywright} {
		cfg := config.NewDefaultConfig()
		cfg.SetBrowserDriver(driver)
		m, err := browser.NewManager(cfg, logger)
		require.NoError(t, err, "driver %s", driver)
		assert.NoError(t, m.Shutdown(context.Background()), "shutdown with no sessions")
	}

	cfg := config.NewDefaultConfig()
	cfg.SetBrowserDriver("firefox")
	_, err := browser.NewManager(cfg, logger)
	assert.ErrorContains(t, err, "unsupported browser driver")
}

func TestManager_NewSessionRejectsBadCourseXPath(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.CourseCfg.CompletionXPaths = []string{"//div["}

	m, err := browser.NewManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = m.NewSession(context.Background())
	assert.ErrorContains(t, err, "invalid course xpath")
}

//nolint:testpackage // Mock must be in batch package to be shared by internal tests
package batch

import "github.com/slackmgr/types"

// mockLogger is a no-op logger for testing.
type mockLogger struct{}

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithField(_ string, _ any) types.Logger { return m }

//nolint:ireturn // Must return interface to implement types.Logger
func (m *mockLogger) WithFields(_ map[string]any) types.Logger { return m }
func (m *mockLogger) Debug(_ string)                           {}
func (m *mockLogger) Debugf(_ string, _ ...any)                {}
func (m *mockLogger) Info(_ string)                            {}
func (m *mockLogger) Infof(_ string, _ ...any)                 {}
func (m *mockLogger) Warn(_ string)                            {}
func (m *mockLogger) Warnf(_ string, _ ...any)                 {}
func (m *mockLogger) Error(_ string)                           {}
func (m *mockLogger) Errorf(_ string, _ ...any)                {}
func (m *mockLogger) Fatal(_ string)                           {}
func (m *mockLogger) Fatalf(_ string, _ ...any)                {}

//nolint:ireturn // Returns interface for convenience in tests
func newMockLogger() types.Logger {
	return &mockLogger{}
}

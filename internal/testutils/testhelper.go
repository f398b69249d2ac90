package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/attdb"
	"github.com/srg/spotar/internal/link"
	"github.com/srg/spotar/internal/spota"
	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// WriteFile writes content into a file under the test's temp dir and
// returns its path.
func (h *TestHelper) WriteFile(name, content string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), name)
	require.NoError(h.T, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Peripheral is a receiver wired to an in-memory attribute database and
// connection table, with mocked kernel and bearer.
type Peripheral struct {
	DB       *attdb.DB
	Conns    *link.Table
	Msgr     *MockMessenger
	Bearer   *MockBearer
	Receiver *spota.Receiver
}

// NewPeripheral builds a Peripheral whose mocks accept every call.
func (h *TestHelper) NewPeripheral() *Peripheral {
	p := &Peripheral{
		DB:     attdb.New(h.Logger),
		Conns:  link.New(h.Logger),
		Msgr:   NewMockMessenger(),
		Bearer: NewMockBearer(),
	}
	p.Receiver = spota.NewReceiver(p.DB, p.Conns, p.Msgr, p.Bearer, h.Logger)
	return p
}

// Created runs CreateDB with the default patch size and requires success.
func (p *Peripheral) Created(t *testing.T) *Peripheral {
	t.Helper()
	p.Receiver.CreateDB(spota.TaskApp, spota.CreateDBRequest{})
	require.Equal(t, spota.StateIdle, p.Receiver.State())
	p.Msgr.Reset()
	return p
}

// Connected attaches conn handle h and enables the receiver on it.
func (p *Peripheral) Connected(t *testing.T, h spota.ConnHandle, lvl spota.SecurityLevel) spota.ConnIndex {
	t.Helper()
	c, err := p.Conns.Attach(h, "")
	require.NoError(t, err)
	p.Receiver.Enable(spota.TaskApp, spota.EnableRequest{ConnHandle: h, SecLevel: lvl})
	require.Equal(t, spota.StateActive, p.Receiver.State())
	p.Msgr.Reset()
	return c.Index
}

// Write delivers a peer write to the attribute at offset idx.
func (p *Peripheral) Write(conn spota.ConnIndex, idx int, value []byte, last bool) {
	p.Receiver.HandleWrite(conn, spota.WriteIndication{
		Handle: p.Receiver.HandleOf(idx),
		Value:  value,
		Last:   last,
	})
}

// Value reads the stored value at offset idx.
func (p *Peripheral) Value(t *testing.T, idx int) []byte {
	t.Helper()
	v, err := p.DB.Value(p.Receiver.HandleOf(idx))
	require.NoError(t, err)
	return v
}

package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/srg/spotar/internal/host"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/spota"
	"github.com/srg/spotar/internal/testutils"
	"github.com/srg/spotar/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(Sources{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(rec.Body.String(), `{"status":"ok","uptime":"<<PRESENCE>>"}`)
}

func TestUnavailableSources(t *testing.T) {
	r := NewRouter(Sources{})
	for _, path := range []string{"/v1/spota/", "/v1/spota/transfer", "/v1/spota/trace"} {
		t.Run(path, func(t *testing.T) {
			code, body := get(t, r, path)
			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestReceiverSnapshot(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	p := helper.NewPeripheral()
	k := kernel.New(helper.Logger)
	require.NoError(t, p.Receiver.Register(k))
	p.Created(t)
	idx := p.Connected(t, 7, spota.SecEnabled)
	p.Write(idx, spota.IdxPatchDataVal, []byte{1}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	router := NewRouter(Sources{Receiver: ReceiverSource(k, p.Receiver), Kernel: k})
	code, body := get(t, router, "/v1/spota/")
	require.Equal(t, http.StatusOK, code)

	testutils.NewJSONAsserter(t).AssertValue(body, fmt.Sprintf(`{
		"receiver": {"state": "active", "bound": true, "pending_chunk": true, "base_handle": %d},
		"kernel": "<<PRESENCE>>"
	}`, p.Receiver.BaseHandle()))
}

func TestReceiverSnapshotStoppedKernel(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	p := helper.NewPeripheral()
	k := kernel.New(helper.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = k.Run(ctx)

	router := NewRouter(Sources{Receiver: ReceiverSource(k, p.Receiver)})
	code, _ := get(t, router, "/v1/spota/")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestTransferAndTrace(t *testing.T) {
	msgr := testutils.NewMockMessenger()
	h := host.New(msgr, nil, nil)
	rec, err := trace.NewRecorder(nil, 8)
	require.NoError(t, err)
	rec.Observe(kernel.Envelope{Dest: spota.TaskReceiver, Msg: spota.PatchChunkAck{}})
	rec.Observe(kernel.Envelope{Dest: spota.TaskReceiver, Msg: spota.StatusUpdateRequest{Status: 2}})

	router := NewRouter(Sources{Host: h, Trace: rec})

	code, body := get(t, router, "/v1/spota/transfer")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ready"])

	code, body = get(t, router, "/v1/spota/trace?n=1")
	assert.Equal(t, http.StatusOK, code)
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "status_update_req", events[0].(map[string]interface{})["msg"])

	code, _ = get(t, router, "/v1/spota/trace?n=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0", NewRouter(Sources{}), nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

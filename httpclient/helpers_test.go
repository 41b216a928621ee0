package httpclient

import (
	"context"
	"encoding/json"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaborage/prodtrack/credentials"
	"github.com/gaborage/prodtrack/logger"
	testutil "github.com/gaborage/prodtrack/testing"
)

const (
	testContentTypeHdr = "Content-Type"
	testJSONType       = "application/json"
	testOldToken       = "old-access"
	testNewToken       = "new-access"
	testRefreshToken   = "refresh-1"
	testRotatedRefresh = "refresh-2"
)

func createTestLogger() logger.Logger {
	return logger.New(testutil.TestLoggerLevelDisabled, false)
}

func newIPv4TestServer(t *testing.T, handler nethttp.Handler) *httptest.Server {
	t.Helper()
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
		return &httptest.Server{}
	}

	server := &httptest.Server{
		Listener: listener,
		Config:   &nethttp.Server{Handler: handler},
	}
	server.Start()
	t.Cleanup(server.Close)
	return server
}

type roundTripperFunc func(*nethttp.Request) (*nethttp.Response, error)

func (f roundTripperFunc) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	return f(req)
}

// newTestClient builds a client for baseURL; configure customizes the builder
func newTestClient(t *testing.T, baseURL string, configure ...func(*Builder)) Client {
	t.Helper()
	b := NewBuilder(createTestLogger(), baseURL)
	for _, fn := range configure {
		fn(b)
	}
	c, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seededStore(t *testing.T, access, refresh string) *credentials.MemoryStore {
	t.Helper()
	store := credentials.NewMemoryStore()
	require.NoError(t, credentials.Save(store, credentials.Credentials{AccessToken: access, RefreshToken: refresh}))
	return store
}

func writeJSON(w nethttp.ResponseWriter, status int, body any) {
	w.Header().Set(testContentTypeHdr, testJSONType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/hxengine/internal/observability"
)

// lockedBuffer is written by the command goroutine and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var listeningRe = regexp.MustCompile(`listening on (\S+)`)

func TestProxyCmd_RelaysRequests(t *testing.T) {
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "via proxy")
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, stderr lockedBuffer
	exit := make(chan int, 1)
	go func() {
		exit <- run(ctx, []string{"proxy", "--listen", "127.0.0.1:0", "--user", "bob:pw"}, &stdout, &stderr)
	}()

	var addr string
	require.Eventually(t, func() bool {
		m := listeningRe.FindStringSubmatch(stdout.String())
		if m == nil {
			return false
		}
		addr = m[1]
		return true
	}, 5*time.Second, 10*time.Millisecond, "stderr: %s", stderr.String())

	anonymous := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: addr})}}
	resp, err := anonymous.Get(upstream.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)

	authed := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{
		Scheme: "http", Host: addr, User: url.UserPassword("bob", "pw"),
	})}}
	resp, err = authed.Get(upstream.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "via proxy", string(body))

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("proxy command did not stop")
	}
}

func TestProxyCmd_InvalidUser(t *testing.T) {
	_, stderr, code := execute(t, "proxy", "--listen", "127.0.0.1:0", "--user", "nopass")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--user must be user:password")
}

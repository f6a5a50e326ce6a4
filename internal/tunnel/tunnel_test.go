package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/barehttp/barehttp/internal/transport"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// proxyScript reads one CONNECT request head off conn and replies with
// response, reporting the request lines it saw.
func proxyScript(t *testing.T, conn net.Conn, response string) <-chan []string {
	t.Helper()
	lines := make(chan []string, 1)
	go func() {
		br := bufio.NewReader(conn)
		var got []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			got = append(got, line)
		}
		io.WriteString(conn, response)
		lines <- got
	}()
	return lines
}

func TestEstablish_IssuesConnectWithHostnameOnlyHostHeader(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); proxyConn.Close() })
	tr := &transport.Transport{Conn: clientConn}

	lines := proxyScript(t, proxyConn, "HTTP/1.1 200 Connection Established\r\n\r\n")

	got, err := Establish(testCtx(t), tr, "target.test:443", nil)
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	if got != tr {
		t.Fatal("a plaintext tunnel should hand back the proxy transport itself")
	}

	head := <-lines
	if head[0] != "CONNECT target.test:443 HTTP/1.1" {
		t.Fatalf("request line = %q", head[0])
	}
	foundHost := false
	for _, l := range head[1:] {
		if strings.HasPrefix(strings.ToLower(l), "host:") {
			foundHost = true
			if strings.TrimSpace(l[5:]) != "target.test" {
				t.Fatalf("host header = %q, want bare hostname %q", l, "target.test")
			}
		}
	}
	if !foundHost {
		t.Fatal("CONNECT carried no host header")
	}
}

func TestEstablish_Non2xxIsProxyError(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); proxyConn.Close() })
	tr := &transport.Transport{Conn: clientConn}

	proxyScript(t, proxyConn, "HTTP/1.1 407 Proxy Authentication Required\r\ncontent-length: 0\r\n\r\n")

	_, err := Establish(testCtx(t), tr, "target.test:443", nil)
	var perr *ProxyError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProxyError", err)
	}
	if perr.Status != 407 {
		t.Fatalf("Status = %d, want 407", perr.Status)
	}
}

package scanner

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"spyglass/utils"
)

// startListener runs handler for every accepted connection until the test
// ends.
func startListener(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// startTLSListener runs handler behind a freshly minted self-signed
// certificate, so the engine's handshake path sees a real TLS server.
func startTLSListener(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns an address that actively refuses connections.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// redirectDialer maps conventional ports to test listeners.
func redirectDialer(mapping map[string]string) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if mapped, ok := mapping[address]; ok {
			address = mapped
		}
		return d.DialContext(ctx, network, address)
	}
}

func TestScanClosedPort(t *testing.T) {
	addr := closedAddr(t)
	_, portStr, _ := net.SplitHostPort(addr)
	port := mustPort(t, portStr)

	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{port},
		Concurrency:    1,
		ConnectTimeout: time.Second,
		BannerWait:     200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].State != StateClosed {
		t.Fatalf("expected CLOSED, got %+v", report.Results)
	}
}

func TestScanFilteredIsBoundedByTimeout(t *testing.T) {
	// TEST-NET-3 space: nothing routes there, so the dial either times
	// out or the network stack reports unreachable. Both are FILTERED.
	eng, err := NewEngine(Params{
		Target:         "203.0.113.1",
		Ports:          []int{80},
		Concurrency:    1,
		ConnectTimeout: 300 * time.Millisecond,
		BannerWait:     100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	start := time.Now()
	report, err := eng.Scan(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Results[0].State != StateFiltered {
		t.Fatalf("state = %s, want FILTERED", report.Results[0].State)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("scan took %v, expected to stop near the 300ms timeout", elapsed)
	}
}

func TestNewEngineValidation(t *testing.T) {
	cases := []struct {
		name   string
		params Params
		want   error
	}{
		{"empty target", Params{Ports: []int{80}}, ErrEmptyTarget},
		{"bad port", Params{Target: "127.0.0.1", Ports: []int{70000}}, ErrPortRange},
		{"zero port", Params{Target: "127.0.0.1", Ports: []int{0}}, ErrPortRange},
		{"over ceiling", Params{Target: "127.0.0.1", Ports: []int{80}, Concurrency: 9999}, ErrConcurrencyRange},
	}
	for _, tc := range cases {
		dials := int32(0)
		_, err := NewEngine(tc.params, WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
			atomic.AddInt32(&dials, 1)
			return nil, errors.New("unexpected dial")
		}))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, err, tc.want)
		}
		if atomic.LoadInt32(&dials) != 0 {
			t.Fatalf("%s: validation opened a socket", tc.name)
		}
	}
}

func TestScanScenario(t *testing.T) {
	sshAddr := startListener(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH_7.6p1 Ubuntu-4ubuntu0.3\r\n"))
		time.Sleep(50 * time.Millisecond)
	})
	httpAddr := startListener(t, func(c net.Conn) {
		buf := make([]byte, 1024)
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nServer: Apache/2.4.29 (Ubuntu)\r\nContent-Length: 0\r\n\r\n"))
	})

	dial := redirectDialer(map[string]string{
		"127.0.0.1:22":  sshAddr,
		"127.0.0.1:80":  httpAddr,
		"127.0.0.1:443": closedAddr(t),
	})

	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{22, 80, 443},
		Concurrency:    3,
		ConnectTimeout: time.Second,
		BannerWait:     500 * time.Millisecond,
	}, WithDialer(dial))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Results))
	}

	byPort := map[int]PortResult{}
	for _, res := range report.Results {
		byPort[res.Port] = res
	}

	ssh := byPort[22]
	if ssh.State != StateOpen || ssh.Service.Service != "SSH" {
		t.Fatalf("port 22 = %+v, want OPEN SSH", ssh)
	}
	if ssh.Service.Product != "OpenSSH" || ssh.Service.Version != "7.6p1" {
		t.Fatalf("port 22 service = %+v, want OpenSSH 7.6p1", ssh.Service)
	}

	web := byPort[80]
	if web.State != StateOpen || web.Service.Service != "HTTP" {
		t.Fatalf("port 80 = %+v, want OPEN HTTP", web)
	}
	if web.Service.Version != "2.4.29" {
		t.Fatalf("port 80 version = %q, want 2.4.29", web.Service.Version)
	}

	if byPort[443].State != StateClosed {
		t.Fatalf("port 443 = %+v, want CLOSED", byPort[443])
	}

	if got := report.OSGuess(); got != "Ubuntu Linux" {
		t.Fatalf("aggregate OS = %q, want Ubuntu Linux", got)
	}
}

func TestScanConcurrencyCeiling(t *testing.T) {
	const ceiling = 5
	var active, peak int64

	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		now := atomic.AddInt64(&active, 1)
		defer atomic.AddInt64(&active, -1)
		for {
			old := atomic.LoadInt64(&peak)
			if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil, &net.OpError{Op: "dial", Err: errors.New("probe declined")}
	}

	ports := make([]int, 60)
	for i := range ports {
		ports[i] = 20000 + i
	}
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          ports,
		Concurrency:    ceiling,
		ConnectTimeout: time.Second,
	}, WithDialer(dial))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p := atomic.LoadInt64(&peak); p > ceiling {
		t.Fatalf("peak concurrent dials %d exceeded ceiling %d", p, ceiling)
	}
}

func TestDeepModeRTSPStopsAtProtocolProbe(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	rtspAddr := startListener(t, func(c net.Conn) {
		buf := make([]byte, 1024)
		for {
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, buf[:n]...)
			mu.Unlock()
			if bytes.Contains(buf[:n], []byte("OPTIONS * RTSP/1.0")) {
				_, _ = c.Write([]byte("RTSP/1.0 200 OK\r\nCSeq: 1\r\nServer: GStreamer RTSP server\r\nPublic: OPTIONS, DESCRIBE, SETUP\r\n\r\n"))
			}
		}
	})

	dial := redirectDialer(map[string]string{"127.0.0.1:554": rtspAddr})
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{554},
		Concurrency:    1,
		Deep:           true,
		ConnectTimeout: time.Second,
	}, WithDialer(dial), WithProbeTunables(ProbeTunables{
		PassiveWait:  200 * time.Millisecond,
		ResponseWait: 400 * time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	res := report.Results[0]
	if res.State != StateOpen || res.Service.Service != "RTSP" {
		t.Fatalf("result = %+v, want OPEN RTSP", res)
	}
	if res.Stage != StageProtocol {
		t.Fatalf("stage = %d, want %d (stopped after protocol probe)", res.Stage, StageProtocol)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if bytes.Contains(received, []byte{0x00, 0x01, 0x02, 0x03}) {
		t.Fatal("malformed probe was sent after a confident identification")
	}
}

func TestScanDeadlineMarksPendingFiltered(t *testing.T) {
	sshAddr := startListener(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH_8.9p1 Ubuntu-3\r\n"))
		time.Sleep(50 * time.Millisecond)
	})

	var d net.Dialer
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if address == "127.0.0.1:22" {
			return d.DialContext(ctx, network, sshAddr)
		}
		// Swallowed by a far-off firewall: nothing comes back until the
		// scan's own deadline fires.
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ports := []int{22}
	for i := 0; i < 8; i++ {
		ports = append(ports, 30000+i)
	}
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          ports,
		Concurrency:    1,
		ConnectTimeout: 5 * time.Second,
		BannerWait:     100 * time.Millisecond,
		Deadline:       500 * time.Millisecond,
	}, WithDialer(dial))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	start := time.Now()
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("scan took %v, expected to stop near the 500ms deadline", elapsed)
	}

	if len(report.Results) != len(ports) {
		t.Fatalf("got %d results, want %d (every port needs a definite state)", len(report.Results), len(ports))
	}
	byPort := map[int]PortResult{}
	for _, res := range report.Results {
		byPort[res.Port] = res
	}
	ssh := byPort[22]
	if ssh.State != StateOpen || ssh.Service.Product != "OpenSSH" {
		t.Fatalf("completed port lost its result: %+v", ssh)
	}
	for _, p := range ports[1:] {
		if byPort[p].State != StateFiltered {
			t.Fatalf("port %d = %s, want FILTERED after the deadline", p, byPort[p].State)
		}
	}
}

func TestScanTLSHandshakeOnConventionalPort(t *testing.T) {
	addr := startTLSListener(t, func(c net.Conn) {
		buf := make([]byte, 1024)
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nServer: nginx/1.18.0\r\nContent-Length: 0\r\n\r\n"))
	})

	dial := redirectDialer(map[string]string{"127.0.0.1:443": addr})
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{443},
		Concurrency:    1,
		ConnectTimeout: time.Second,
		BannerWait:     500 * time.Millisecond,
	}, WithDialer(dial))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	res := report.Results[0]
	if res.State != StateOpen || !res.TLS {
		t.Fatalf("result = %+v, want OPEN over TLS", res)
	}
	if res.Service.Service != "HTTP" || res.Service.Product != "nginx" || res.Service.Version != "1.18.0" {
		t.Fatalf("service = %+v, want nginx 1.18.0 read through the TLS session", res.Service)
	}
}

func TestScanTLSFallbackToPlaintext(t *testing.T) {
	// A plain HTTP server squatting on 8443: the handshake attempt reads
	// an HTTP response instead of a ServerHello and fails, then the
	// plaintext redial must still capture the banner.
	addr := startListener(t, func(c net.Conn) {
		buf := make([]byte, 1024)
		_ = c.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = c.Read(buf)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nServer: Apache/2.4.41 (Ubuntu)\r\nContent-Length: 0\r\n\r\n"))
	})

	dial := redirectDialer(map[string]string{"127.0.0.1:8443": addr})
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{8443},
		Concurrency:    1,
		ConnectTimeout: time.Second,
		BannerWait:     500 * time.Millisecond,
	}, WithDialer(dial))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	res := report.Results[0]
	if res.State != StateOpen || res.TLS {
		t.Fatalf("result = %+v, want OPEN without TLS", res)
	}
	if res.Service.Service != "HTTP" || res.Service.Version != "2.4.41" {
		t.Fatalf("service = %+v, want the squatter's Apache banner", res.Service)
	}
}

func TestScanBacklogBalancedWithForeignCacheValue(t *testing.T) {
	cache := utils.NewResultCache(time.Minute)
	cache.Set("127.0.0.1:20123", "not a port result")

	var dials int32
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, &net.OpError{Op: "dial", Err: errors.New("nope")}
	}
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{20123},
		Concurrency:    1,
		ConnectTimeout: 200 * time.Millisecond,
	}, WithDialer(dial), WithCache(cache))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	report, err := eng.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if report.Results[0].State != StateFiltered {
		t.Fatalf("result = %+v, want FILTERED from the real dial", report.Results[0])
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("dial count = %d, want 1 (foreign cache value must not satisfy the port)", n)
	}
	if got := eng.stats.backlog.Load(); got != 0 {
		t.Fatalf("backlog = %d after scan, want 0", got)
	}
}

func TestScanUsesCacheWithinTTL(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, &net.OpError{Op: "dial", Err: errors.New("nope")}
	}

	cache := utils.NewResultCache(time.Minute)
	params := Params{
		Target:         "127.0.0.1",
		Ports:          []int{19999},
		Concurrency:    1,
		ConnectTimeout: 200 * time.Millisecond,
	}
	for i := 0; i < 2; i++ {
		eng, err := NewEngine(params, WithDialer(dial), WithCache(cache))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		if _, err := eng.Scan(context.Background()); err != nil {
			t.Fatalf("Scan %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("dial count = %d, want 1 (second scan served from cache)", n)
	}
}

func TestScanProgressReporting(t *testing.T) {
	out := make(chan Progress, 64)
	eng, err := NewEngine(Params{
		Target:         "127.0.0.1",
		Ports:          []int{closedPort(t), closedPort(t)},
		Concurrency:    2,
		ConnectTimeout: time.Second,
	}, WithProgress(out))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var last Progress
	for {
		select {
		case p := <-out:
			last = p
			continue
		default:
		}
		break
	}
	if last.Planned != 2 || last.Done() != 2 {
		t.Fatalf("final progress = %+v, want planned=2 done=2", last)
	}
}

func mustPort(t *testing.T, s string) int {
	t.Helper()
	port := 0
	for _, c := range s {
		port = port*10 + int(c-'0')
	}
	if port < 1 || port > 65535 {
		t.Fatalf("bad port %q", s)
	}
	return port
}

func closedPort(t *testing.T) int {
	t.Helper()
	_, portStr, _ := net.SplitHostPort(closedAddr(t))
	return mustPort(t, portStr)
}

package scanner

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"spyglass/fingerprint"
	"spyglass/utils"
)

// DialFunc opens one TCP connection. Injectable so tests can redirect
// privileged ports to loopback listeners.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Engine runs one scan invocation: it resolves the target, fans port
// probes out over a worker pool under the slot-limiter ceiling, classifies
// connect outcomes, and hands open sockets to the analyzer or the staged
// prober.
type Engine struct {
	params   Params
	analyzer *fingerprint.Analyzer
	prober   *SmartProber
	cache    *utils.ResultCache
	limiter  *slotLimiter
	bucket   *TokenBucket
	stats    *executionStats
	dial     DialFunc
	resolver *net.Resolver
	progress chan<- Progress
	log      *logrus.Entry
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAnalyzer replaces the default analyzer, e.g. to attach OS tables or
// a shared seen-banner filter.
func WithAnalyzer(a *fingerprint.Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(e *Engine) { e.dial = dial }
}

// WithCache attaches a result cache so repeated endpoints within the TTL
// are answered without re-probing.
func WithCache(c *utils.ResultCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithProgress streams periodic snapshots to out during Scan.
func WithProgress(out chan<- Progress) Option {
	return func(e *Engine) { e.progress = out }
}

// WithProbeTunables adjusts the staged prober's timing windows.
func WithProbeTunables(tun ProbeTunables) Option {
	return func(e *Engine) { e.prober = e.prober.WithTunables(tun) }
}

// WithLogger replaces the default logger entry.
func WithLogger(entry *logrus.Entry) Option {
	return func(e *Engine) { e.log = entry }
}

// NewEngine validates params and assembles an engine. Validation failures
// surface here, before any network activity.
func NewEngine(params Params, opts ...Option) (*Engine, error) {
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	seen := utils.NewBloomFilter(2*len(params.Ports) + 64)
	e := &Engine{
		params:   params,
		analyzer: fingerprint.NewAnalyzer().WithSeenFilter(seen),
		limiter:  newSlotLimiter(params.Concurrency),
		bucket:   NewTokenBucket(float64(params.MaxPPS), 0),
		stats:    &executionStats{},
		resolver: net.DefaultResolver,
		log:      logrus.WithField("component", "scanner"),
	}
	e.dial = (&net.Dialer{}).DialContext
	e.prober = NewSmartProber(e.analyzer)
	for _, opt := range opts {
		opt(e)
	}
	// Options may have swapped the analyzer; the prober must follow it.
	e.prober.analyzer = e.analyzer

	// Cap the ceiling below the process fd limit, leaving headroom for
	// stdio, the resolver and log sinks.
	if limit := fdSoftLimit(); limit > 0 && params.Concurrency > limit-64 {
		capped := limit - 64
		if capped < 1 {
			capped = 1
		}
		e.log.WithFields(logrus.Fields{
			"requested": params.Concurrency,
			"fdLimit":   limit,
			"capped":    capped,
		}).Warn("concurrency exceeds fd limit, lowering")
		e.params.Concurrency = capped
		e.limiter = newSlotLimiter(capped)
	}
	return e, nil
}

// Scan probes every configured port and returns the completed report.
// The only error paths are resolution failure and pool setup; per-port
// network failures are encoded as port states.
func (e *Engine) Scan(ctx context.Context) (*Report, error) {
	if e.params.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.params.Deadline)
		defer cancel()
	}

	ip, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"target": e.params.Target,
		"ip":     ip,
		"ports":  len(e.params.Ports),
		"deep":   e.params.Deep,
	}).Info("scan started")

	report := newReport(e.params.Target, ip, e.params.Deep)
	ports := orderPorts(e.params.Ports)

	var reporter *progressReporter
	if e.progress != nil {
		rctx, rcancel := context.WithCancel(context.Background())
		defer rcancel()
		reporter = newProgressReporter(rctx, e.progress, len(ports))
		defer reporter.Close()
	}

	workers := e.params.Concurrency
	if workers > len(ports) {
		workers = len(ports)
	}

	results := make([]PortResult, 0, len(ports))
	var mu sync.Mutex
	var wg sync.WaitGroup

	pool, err := ants.NewPoolWithFunc(workers, func(arg interface{}) {
		defer wg.Done()
		res := e.scanPort(ctx, ip, arg.(int), reporter)
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	defer pool.Release()

	if e.params.AutoTune {
		tuner := newAutoTuner(ctx, pool, e.stats, e.limiter, e.params.Concurrency, e.log)
		defer tuner.Close()
	}

	for _, port := range ports {
		wg.Add(1)
		e.stats.backlog.Add(1)
		if err := pool.Invoke(port); err != nil {
			// Pool is shutting down; account for the skipped port.
			e.stats.backlog.Add(-1)
			wg.Done()
			mu.Lock()
			results = append(results, PortResult{Port: port, State: StateFiltered})
			mu.Unlock()
		}
	}
	wg.Wait()

	report.finish(results)
	e.log.WithFields(logrus.Fields{
		"ip":       ip,
		"open":     len(report.Open()),
		"duration": report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	}).Info("scan finished")
	return report, nil
}

func (e *Engine) resolve(ctx context.Context) (string, error) {
	if addr, err := netip.ParseAddr(e.params.Target); err == nil {
		return addr.Unmap().String(), nil
	}
	addrs, err := e.resolver.LookupIPAddr(ctx, e.params.Target)
	if err != nil {
		return "", errors.Wrap(ErrResolve, err.Error())
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", errors.Wrapf(ErrResolve, "no addresses for %q", e.params.Target)
}

func (e *Engine) scanPort(ctx context.Context, ip string, port int, reporter *progressReporter) PortResult {
	key := net.JoinHostPort(ip, strconv.Itoa(port))
	e.stats.backlog.Add(-1)

	if e.cache != nil {
		if cached, ok := e.cache.Get(key).(PortResult); ok {
			if reporter != nil {
				reporter.Started(1)
				reporter.Finished(cached.State)
			}
			return cached
		}
	}

	if !e.limiter.Acquire(ctx) {
		// Deadline fired while queued; the port was never attempted.
		if reporter != nil {
			reporter.Started(1)
			reporter.Finished(StateFiltered)
		}
		return PortResult{Port: port, State: StateFiltered}
	}
	defer e.limiter.Release()

	if wait := e.bucket.Wait(1); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			if reporter != nil {
				reporter.Started(1)
				reporter.Finished(StateFiltered)
			}
			return PortResult{Port: port, State: StateFiltered}
		}
	}

	if reporter != nil {
		reporter.Started(1)
	}
	e.stats.recordStart()

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, e.params.ConnectTimeout)
	conn, err := e.dial(dctx, "tcp", key)
	cancel()
	latency := time.Since(start)

	res := PortResult{Port: port, LatencyMS: float64(latency.Microseconds()) / 1000}
	if err != nil {
		res.State = classifyDialError(err)
		res.LatencyMS = 0
		e.finishPort(key, &res, latency, reporter)
		return res
	}

	res.State = StateOpen
	conn, res.TLS = e.maybeTLS(ctx, conn, key, port)
	if conn != nil {
		banner, id, stage := e.grab(conn, port)
		_ = conn.Close()
		res.Banner = string(banner)
		res.Service = id
		res.Stage = stage
	} else {
		res.Service = fingerprint.Identification{Service: fingerprint.PortHint(port), Confidence: 10, Source: "port"}
	}

	e.finishPort(key, &res, latency, reporter)
	return res
}

func (e *Engine) finishPort(key string, res *PortResult, latency time.Duration, reporter *progressReporter) {
	e.stats.recordFinish(res.State, latency)
	if reporter != nil {
		reporter.Finished(res.State)
	}
	if e.cache != nil {
		e.cache.Set(key, *res)
	}
}

// maybeTLS upgrades conventional TLS ports. A failed handshake falls back
// to one plaintext redial, since plenty of services squat on 443-style
// ports without speaking TLS. Returns nil when the fallback also fails.
func (e *Engine) maybeTLS(ctx context.Context, conn net.Conn, key string, port int) (net.Conn, bool) {
	if !fingerprint.TLSPort(port) {
		return conn, false
	}

	cfg := &tls.Config{
		ServerName:         e.serverName(),
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
	}
	tlsConn := tls.Client(conn, cfg)
	_ = tlsConn.SetDeadline(time.Now().Add(e.params.ConnectTimeout))
	if err := tlsConn.HandshakeContext(ctx); err == nil {
		_ = tlsConn.SetDeadline(time.Time{})
		return tlsConn, true
	}
	_ = tlsConn.Close()

	dctx, cancel := context.WithTimeout(ctx, e.params.ConnectTimeout)
	plain, err := e.dial(dctx, "tcp", key)
	cancel()
	if err != nil {
		return nil, false
	}
	return plain, false
}

// serverName is the SNI value: the original hostname when the caller gave
// one, empty for bare IP targets.
func (e *Engine) serverName() string {
	if _, err := netip.ParseAddr(e.params.Target); err == nil {
		return ""
	}
	return e.params.Target
}

// grab captures a banner from an open connection. Deep mode runs the
// staged prober; otherwise it is one passive read, with a single HTTP
// request first on web ports since those never speak unprompted.
func (e *Engine) grab(conn net.Conn, port int) ([]byte, fingerprint.Identification, int) {
	if e.params.Deep {
		out := e.prober.Probe(conn, port, e.serverName())
		return out.Banner, out.ID, out.Stage
	}

	var banner []byte
	switch fingerprint.PortHint(port) {
	case "HTTP", "HTTPS":
		host := e.serverName()
		if host == "" {
			host = "localhost"
		}
		req := []byte("GET / HTTP/1.0\r\nHost: " + host + "\r\n\r\n")
		banner = sendProbe(conn, req, e.params.BannerWait)
	default:
		banner = readResponse(conn, e.params.BannerWait)
		if len(banner) == 0 {
			banner = sendProbe(conn, []byte("\r\n"), e.params.BannerWait)
		}
	}
	id := e.analyzer.Identify(banner, port)
	return banner, id, 0
}

// classifyDialError folds connect failures into the three-way port state:
// an active refusal is CLOSED, anything silent or unreachable is FILTERED.
func classifyDialError(err error) PortState {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return StateClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return StateFiltered
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StateFiltered
	}
	return StateFiltered
}

// orderPorts dedupes and orders the work: well-known ports first so the
// interesting results land early, the long tail ascending after.
func orderPorts(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	var priority, rest []int
	for _, p := range ports {
		if seen[p] {
			continue
		}
		seen[p] = true
		if fingerprint.PortHint(p) != "" {
			priority = append(priority, p)
		} else {
			rest = append(rest, p)
		}
	}
	sort.Ints(priority)
	sort.Ints(rest)
	return append(priority, rest...)
}

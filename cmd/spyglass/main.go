package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"spyglass/config"
	"spyglass/fingerprint"
	"spyglass/honeypot"
	"spyglass/scanner"
	"spyglass/utils"
)

type reportFile struct {
	Report  *scanner.Report `json:"report"`
	OSGuess string          `json:"osGuess,omitempty"`
	Score   honeypot.Score  `json:"honeypotScore"`
}

func main() {
	var (
		portSpec    = flag.String("p", "", "ports to scan, e.g. 22,80,8000-8100 (default from config)")
		concurrency = flag.Int("c", 0, "concurrent connection ceiling (default from config)")
		deep        = flag.Bool("sV", false, "deep service detection with staged probing")
		timeout     = flag.Duration("timeout", 0, "per-connection timeout")
		deadline    = flag.Duration("deadline", 0, "whole-scan deadline, 0 disables")
		maxPPS      = flag.Int("pps", 0, "max connection attempts per second, 0 disables")
		autoTune    = flag.Bool("auto", false, "auto-tune worker pool size below the ceiling")
		configPath  = flag.String("config", defaultConfigPath(), "config file")
		reportPath  = flag.String("o", "", "write JSON report to this file")
		verbose     = flag.Bool("v", false, "debug logging")
		jsonLog     = flag.Bool("json-log", false, "log in JSON format")
		noColor     = flag.Bool("no-color", false, "disable colored output")
		noProgress  = flag.Bool("no-progress", false, "disable the progress bar")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <target>\n\nflags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	target := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	applyFlags(cfg, *concurrency, *deep, *timeout, *deadline, *maxPPS, *autoTune, *jsonLog, *verbose, *noColor)

	log := newLogger(cfg)
	if cfg.Output.NoColor {
		color.NoColor = true
	}

	spec := *portSpec
	if spec == "" {
		spec = cfg.Scan.Ports
	}
	ports, err := utils.ParsePortSpec(spec)
	if err != nil {
		log.WithError(err).Fatal("invalid port spec")
	}

	if err := preflightResolve(target, log); err != nil {
		log.WithError(err).Fatal("target does not resolve")
	}

	tables, err := honeypot.DefaultTables()
	if err != nil {
		log.WithError(err).Fatal("load detection tables")
	}

	analyzer := fingerprint.NewAnalyzer().
		WithSeenFilter(utils.NewBloomFilter(2*len(ports) + 64)).
		WithOSGuesser(tables)

	cache := utils.NewResultCache(5 * time.Minute)
	opts := []scanner.Option{
		scanner.WithAnalyzer(analyzer),
		scanner.WithCache(cache),
		scanner.WithProbeTunables(cfg.ProbeTunables()),
		scanner.WithLogger(log.WithField("component", "scanner")),
	}

	var barWG sync.WaitGroup
	var progress chan scanner.Progress
	if !*noProgress {
		progress = make(chan scanner.Progress, 64)
		opts = append(opts, scanner.WithProgress(progress))
		barWG.Add(1)
		go func() {
			defer barWG.Done()
			renderProgress(progress, len(ports))
		}()
	}

	eng, err := scanner.NewEngine(cfg.Params(target, ports), opts...)
	if err != nil {
		log.WithError(err).Fatal("invalid scan parameters")
	}

	report, err := eng.Scan(context.Background())
	if progress != nil {
		close(progress)
		barWG.Wait()
	}
	if err != nil {
		log.WithError(err).Fatal("scan failed")
	}
	log.WithField("endpoints", cache.Len()).Debug("session cache populated")

	detector := honeypot.NewDetector(tables).WithWeights(cfg.Weights())
	score := detector.Score(report.Observation())

	printReport(report, score)

	out := *reportPath
	if out == "" {
		out = cfg.Output.ReportFile
	}
	if out != "" {
		if err := writeReport(out, report, score); err != nil {
			log.WithError(err).Fatal("write report")
		}
		log.WithField("file", out).Info("report written")
	}
}

func applyFlags(cfg *config.Config, concurrency int, deep bool, timeout, deadline time.Duration, maxPPS int, autoTune, jsonLog, verbose, noColor bool) {
	if concurrency > 0 {
		cfg.Scan.Concurrency = concurrency
	}
	if deep {
		cfg.Scan.Deep = true
	}
	if timeout > 0 {
		cfg.Scan.ConnectTimeout = timeout
	}
	if deadline > 0 {
		cfg.Scan.Deadline = deadline
	}
	if maxPPS > 0 {
		cfg.Scan.MaxPPS = maxPPS
	}
	if autoTune {
		cfg.Scan.AutoTune = true
	}
	if jsonLog {
		cfg.Output.JSONLog = true
	}
	if verbose {
		cfg.Output.LogLevel = "debug"
	}
	if noColor {
		cfg.Output.NoColor = true
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.Output.JSONLog {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Output.LogLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "spyglass.ini"
	}
	return home + string(os.PathSeparator) + ".spyglass.ini"
}

// preflightResolve checks the target resolves before committing to a full
// scan, retrying transient DNS failures with exponential backoff.
func preflightResolve(target string, log *logrus.Logger) error {
	if net.ParseIP(target) != nil {
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.RetryNotify(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := net.DefaultResolver.LookupIPAddr(ctx, target)
		return err
	}, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retryIn", wait.Round(time.Millisecond)).Warn("dns lookup failed")
	})
}

func renderProgress(progress <-chan scanner.Progress, planned int) {
	bar := progressbar.NewOptions(planned,
		progressbar.OptionSetDescription("scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for p := range progress {
		_ = bar.Set(p.Done())
	}
	_ = bar.Finish()
}

func printReport(report *scanner.Report, score honeypot.Score) {
	open := color.New(color.FgGreen, color.Bold)
	closed := color.New(color.FgYellow)
	filtered := color.New(color.FgHiBlack)

	fmt.Printf("\n%s (%s)\n", report.Target, report.ResolvedIP)
	for _, res := range report.Results {
		switch res.State {
		case scanner.StateOpen:
			line := fmt.Sprintf("%5d/tcp  %-8s  %s", res.Port, "open", describe(res))
			open.Println(line)
		case scanner.StateClosed:
			closed.Printf("%5d/tcp  closed\n", res.Port)
		default:
			filtered.Printf("%5d/tcp  filtered\n", res.Port)
		}
	}

	if guess := report.OSGuess(); guess != "" {
		fmt.Printf("\nOS guess: %s\n", guess)
	}

	verdictColor := color.New(color.FgGreen)
	switch score.Verdict {
	case honeypot.VerdictMedium:
		verdictColor = color.New(color.FgYellow)
	case honeypot.VerdictHigh:
		verdictColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Printf("\nhoneypot score: %d/100 ", score.Total)
	verdictColor.Printf("[%s]\n", score.Verdict)
	fmt.Printf("  density     %2d/%d  %s\n", score.Density.Score, score.Density.Max, score.Density.Reason)
	fmt.Printf("  consistency %2d/%d  %s\n", score.Consistency.Score, score.Consistency.Max, score.Consistency.Reason)
	fmt.Printf("  timing      %2d/%d  %s\n", score.Timing.Score, score.Timing.Max, score.Timing.Reason)
	if score.Database.Score > 0 {
		fmt.Printf("  database    +%d    %s\n", score.Database.Score, score.Database.Reason)
	}
}

func describe(res scanner.PortResult) string {
	id := res.Service
	parts := []string{id.Service}
	if id.Product != "" && id.Product != id.Service {
		parts = append(parts, id.Product)
	}
	if id.Version != "" {
		parts = append(parts, id.Version)
	}
	if id.OSGuess != "" {
		parts = append(parts, "("+id.OSGuess+")")
	}
	if res.TLS {
		parts = append(parts, "[tls]")
	}
	return strings.Join(parts, " ")
}

func writeReport(path string, report *scanner.Report, score honeypot.Score) error {
	data, err := json.MarshalIndent(reportFile{
		Report:  report,
		OSGuess: report.OSGuess(),
		Score:   score,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

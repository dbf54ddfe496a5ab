package fingerprint

import (
	"strings"
	"unicode"

	"spyglass/utils"
)

// Analyzer turns raw banner bytes into a structured Identification. It is
// stateless apart from an optional bloom filter recording every banner it
// has seen, so a single instance is shared by all scan workers.
type Analyzer struct {
	trie *Trie
	seen *utils.BloomFilter
	os   OSGuesser
}

type refineFunc func(a *Analyzer, raw []byte, banner string, port int) Identification

// refiners dispatches trie hits to a protocol-specific parser. Services
// without an entry fall through to the generic line refiner.
var refiners = map[string]refineFunc{
	"HTTP":  refineHTTP,
	"RTSP":  refineHTTP,
	"SSH":   refineSSH,
	"MySQL": refineDatabase,
	"Redis": refineDatabase,
}

// NewAnalyzer builds an analyzer over the builtin signature trie.
func NewAnalyzer() *Analyzer {
	return &Analyzer{trie: DefaultTrie()}
}

// WithTrie replaces the signature trie, for callers that load their own set.
func (a *Analyzer) WithTrie(t *Trie) *Analyzer {
	if t != nil {
		a.trie = t
	}
	return a
}

// WithSeenFilter records every analyzed banner in bf so later scans can
// cheaply ask "have we seen this banner before" without storing the set.
func (a *Analyzer) WithSeenFilter(bf *utils.BloomFilter) *Analyzer {
	a.seen = bf
	return a
}

// WithOSGuesser installs a fallback OS resolver, typically the honeypot
// fingerprint tables.
func (a *Analyzer) WithOSGuesser(g OSGuesser) *Analyzer {
	a.os = g
	return a
}

// Seen reports whether an identical banner was analyzed before. False
// negatives never occur; false positives are possible at the bloom filter's
// configured rate.
func (a *Analyzer) Seen(banner []byte) bool {
	if a.seen == nil || len(banner) == 0 {
		return false
	}
	return a.seen.Contains(banner)
}

// Identify analyzes a banner captured on port. A nil or empty banner yields
// a low-confidence hint from the port number alone; garbage that matches no
// signature and no heuristic yields ServiceUnknown. Identify never fails.
func (a *Analyzer) Identify(raw []byte, port int) Identification {
	banner := sanitize(raw)
	if a.seen != nil && len(raw) > 0 {
		a.seen.Add(raw)
	}
	if banner == "" {
		return a.portFallback(port)
	}

	// The MySQL handshake is binary framed, so the prefix trie never sees
	// its version string. Recognize the frame shape directly.
	if len(raw) > 5 && raw[4] == 0x0a {
		if v := mysqlVersionFrom(raw, ""); mysqlVerRe.MatchString(v) {
			id := refineDatabase(a, raw, banner, port)
			a.fillOS(&id, banner)
			return id
		}
	}

	if sig, ok := a.trie.LongestPrefixMatch([]byte(banner)); ok {
		refine := refiners[sig.Service]
		if refine == nil {
			refine = refineGeneric
		}
		id := refine(a, raw, banner, port)
		if id.Service == "" {
			id.Service = sig.Service
		}
		if id.Vendor == "" {
			id.Vendor = sig.Vendor
		}
		if id.Product == "" {
			id.Product = sig.Product
		}
		if id.Confidence == 0 {
			id.Confidence = sig.Confidence
		}
		if id.OSGuess == "" {
			id.OSGuess = sig.OSHint
		}
		if id.Source == "" {
			id.Source = "signature"
		}
		a.fillOS(&id, banner)
		return id
	}

	if id, ok := a.heuristic(banner); ok {
		a.fillOS(&id, banner)
		return id
	}
	id := a.portFallback(port)
	id = id.setAttr("banner", truncate(banner, 80))
	return id
}

func (a *Analyzer) fillOS(id *Identification, banner string) {
	if id.OSGuess == "" {
		id.OSGuess = guessOSKeyword(banner)
	}
	if id.OSGuess == "" && a.os != nil {
		id.OSGuess = a.os.GuessOS(banner, id.Service)
	}
}

// heuristic scans for product keywords anywhere in the banner. It catches
// services whose greeting carries no recognizable prefix, like an HTTP body
// fragment or a chatty SMTP implementation.
func (a *Analyzer) heuristic(banner string) (Identification, bool) {
	lower := strings.ToLower(banner)
	type hint struct {
		needle  string
		service string
		vendor  string
		product string
	}
	hints := []hint{
		{"openssh", "SSH", "OpenBSD", "OpenSSH"},
		{"dropbear", "SSH", "", "Dropbear"},
		{"nginx", "HTTP", "F5", "nginx"},
		{"apache", "HTTP", "Apache", "Apache httpd"},
		{"microsoft-iis", "HTTP", "Microsoft", "IIS"},
		{"esmtp", "SMTP", "", ""},
		{"smtp", "SMTP", "", ""},
		{"postfix", "SMTP", "", "Postfix"},
		{"exim", "SMTP", "", "Exim"},
		{"sendmail", "SMTP", "", "Sendmail"},
		{"vsftpd", "FTP", "", "vsftpd"},
		{"proftpd", "FTP", "", "ProFTPD"},
		{"filezilla", "FTP", "", "FileZilla Server"},
		{"mysql", "MySQL", "Oracle", "MySQL"},
		{"mariadb", "MySQL", "MariaDB", "MariaDB"},
		{"postgresql", "PostgreSQL", "", "PostgreSQL"},
		{"redis", "Redis", "Redis", "Redis"},
		{"mongodb", "MongoDB", "MongoDB", "MongoDB"},
		{"memcached", "Memcached", "", "Memcached"},
		{"telnet", "Telnet", "", ""},
	}
	for _, h := range hints {
		if strings.Contains(lower, h.needle) {
			id := Identification{
				Service:    h.service,
				Vendor:     h.vendor,
				Product:    h.product,
				Confidence: 40,
				Source:     "heuristic",
			}
			return id, true
		}
	}
	return Identification{}, false
}

func (a *Analyzer) portFallback(port int) Identification {
	if svc := PortHint(port); svc != "" {
		return Identification{Service: svc, Confidence: 10, Source: "port"}
	}
	return Identification{Service: ServiceUnknown, Source: "port"}
}

// sanitize makes a banner printable: invalid UTF-8 is dropped, control
// characters other than tab and newline are replaced with spaces, and the
// result is trimmed. Binary greetings (MySQL, RDP) keep their raw bytes in
// the refiners; sanitize only shapes the display form.
func sanitize(raw []byte) string {
	s := strings.ToValidUTF8(string(raw), "")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteRune(r)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

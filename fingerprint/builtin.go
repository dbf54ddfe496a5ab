package fingerprint

// builtinSignatures is the default banner prefix set. Order matters only
// for duplicate prefixes; longest prefix still wins at lookup time, so
// "SSH-2.0" beats "SSH-" for a modern OpenSSH banner.
var builtinSignatures = []Signature{
	{Prefix: "SSH-2.0", Service: "SSH", Confidence: 90},
	{Prefix: "SSH-1.99", Service: "SSH", Confidence: 85},
	{Prefix: "SSH-", Service: "SSH", Confidence: 75},
	{Prefix: "HTTP/", Service: "HTTP", Confidence: 90},
	{Prefix: "RTSP/", Service: "RTSP", Confidence: 90},
	{Prefix: "220 ", Service: "FTP", Confidence: 60},
	{Prefix: "220-", Service: "FTP", Confidence: 60},
	{Prefix: "+OK", Service: "POP3", Confidence: 70},
	{Prefix: "* OK", Service: "IMAP", Confidence: 80},
	{Prefix: "+PONG", Service: "Redis", Vendor: "Redis", Product: "Redis", Confidence: 90},
	{Prefix: "-ERR", Service: "Redis", Vendor: "Redis", Product: "Redis", Confidence: 60},
	{Prefix: "-NOAUTH", Service: "Redis", Vendor: "Redis", Product: "Redis", Confidence: 90},
	{Prefix: "-DENIED", Service: "Redis", Vendor: "Redis", Product: "Redis", Confidence: 90},
	{Prefix: "RFB ", Service: "VNC", Confidence: 90},
	{Prefix: "AMQP", Service: "AMQP", Confidence: 85},
	{Prefix: "5.", Service: "MySQL", Vendor: "Oracle", Product: "MySQL", Confidence: 50},
	{Prefix: "8.0", Service: "MySQL", Vendor: "Oracle", Product: "MySQL", Confidence: 50},
}

// conventionalPorts maps well-known ports to the service usually found
// there. Used only as a last resort hint when a port yields no banner, and
// by the prober to pick which protocol probe to send first.
var conventionalPorts = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	143:   "IMAP",
	443:   "HTTPS",
	445:   "SMB",
	554:   "RTSP",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MSSQL",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP",
	8443:  "HTTPS",
	9200:  "Elasticsearch",
	11211: "Memcached",
	27017: "MongoDB",
}

// DefaultTrie builds a trie over the builtin signature set.
func DefaultTrie() *Trie {
	t := NewTrie()
	for _, sig := range builtinSignatures {
		t.Insert(sig)
	}
	return t
}

// PortHint returns the conventional service for a port, or "".
func PortHint(port int) string {
	return conventionalPorts[port]
}

// TLSPort reports whether the port conventionally speaks TLS first.
func TLSPort(port int) bool {
	switch port {
	case 443, 465, 636, 853, 993, 995, 8443:
		return true
	}
	return false
}

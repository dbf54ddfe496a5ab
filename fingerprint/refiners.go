package fingerprint

import (
	"bytes"
	"regexp"
	"strings"

	goversion "github.com/hashicorp/go-version"
)

var (
	versionRe  = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)*)`)
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	ftpServRe  = regexp.MustCompile(`(?i)(vsftpd|proftpd|pure-ftpd|filezilla server|microsoft ftp service|wu-ftpd)[ /]*([\d.]*)`)
	mysqlVerRe = regexp.MustCompile(`^(\d+\.\d+\.\d+[\w.-]*)`)
	redisVerRe = regexp.MustCompile(`redis_version:([\w.]+)`)
)

// osKeywords maps banner substrings to OS labels, checked in order so the
// more specific distribution names win over the bare kernel names.
var osKeywords = []struct{ needle, os string }{
	{"ubuntu", "Ubuntu Linux"},
	{"debian", "Debian Linux"},
	{"centos", "CentOS Linux"},
	{"red hat", "Red Hat Linux"},
	{"redhat", "Red Hat Linux"},
	{"fedora", "Fedora Linux"},
	{"alpine", "Alpine Linux"},
	{"suse", "SUSE Linux"},
	{"freebsd", "FreeBSD"},
	{"openbsd", "OpenBSD"},
	{"netbsd", "NetBSD"},
	{"win64", "Windows"},
	{"win32", "Windows"},
	{"windows", "Windows"},
	{"microsoft", "Windows"},
	{"darwin", "macOS"},
	{"mac os", "macOS"},
	{"linux", "Linux"},
	{"unix", "Unix"},
}

func guessOSKeyword(banner string) string {
	lower := strings.ToLower(banner)
	for _, kw := range osKeywords {
		if strings.Contains(lower, kw.needle) {
			return kw.os
		}
	}
	return ""
}

// refineSSH parses the identification string from RFC 4253 section 4.2:
// SSH-protoversion-softwareversion SP comments.
func refineSSH(a *Analyzer, raw []byte, banner string, port int) Identification {
	line := firstLine(banner)
	id := Identification{Service: "SSH", Confidence: 90, Source: "signature"}
	parts := strings.SplitN(line, "-", 3)
	if len(parts) < 3 {
		return id
	}
	id = id.setAttr("protocol", parts[1])

	software, comment, _ := strings.Cut(parts[2], " ")
	product, version, _ := strings.Cut(software, "_")
	switch {
	case strings.EqualFold(product, "OpenSSH"):
		id.Vendor = "OpenBSD"
		id.Product = "OpenSSH"
	case strings.HasPrefix(strings.ToLower(product), "dropbear"):
		id.Product = "Dropbear"
		if version == "" {
			version = strings.TrimPrefix(strings.ToLower(product), "dropbear")
		}
	default:
		id.Product = product
	}
	id.Version = strings.TrimSpace(version)
	if comment != "" {
		id = id.setAttr("comment", comment)
		id.OSGuess = guessOSKeyword(comment)
	}
	if id.OSGuess == "" && id.Product == "OpenSSH" {
		id.OSGuess = guessOSKeyword(banner)
	}
	return id
}

// refineHTTP handles HTTP and RTSP responses: status line, Server and
// X-Powered-By headers, and the HTML title when a body was captured.
func refineHTTP(a *Analyzer, raw []byte, banner string, port int) Identification {
	service := "HTTP"
	if strings.HasPrefix(banner, "RTSP/") {
		service = "RTSP"
	}
	id := Identification{Service: service, Confidence: 90, Source: "signature"}

	head, body, _ := strings.Cut(banner, "\r\n\r\n")
	lines := strings.Split(head, "\r\n")
	if len(lines) > 0 {
		if fields := strings.SplitN(lines[0], " ", 3); len(fields) >= 2 {
			id = id.setAttr("status", fields[1])
		}
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "server":
			id = id.setAttr("server", value)
			applyServerToken(&id, value)
		case "x-powered-by":
			id = id.setAttr("poweredBy", value)
		case "www-authenticate":
			id = id.setAttr("authenticate", value)
		}
	}
	if m := titleRe.FindStringSubmatch(body); m != nil {
		id = id.setAttr("title", strings.TrimSpace(m[1]))
	}
	if id.OSGuess == "" {
		if server := id.Attributes["server"]; server != "" {
			id.OSGuess = guessOSKeyword(server)
		}
	}
	return id
}

// applyServerToken splits "Apache/2.4.29 (Ubuntu)" style Server values into
// product, version and an OS hint from the parenthetical.
func applyServerToken(id *Identification, server string) {
	token, rest, _ := strings.Cut(server, " ")
	product, version, _ := strings.Cut(token, "/")
	id.Product = product
	id.Version = version
	switch strings.ToLower(product) {
	case "nginx":
		id.Vendor = "F5"
	case "apache":
		id.Vendor = "Apache"
		id.Product = "Apache httpd"
	case "microsoft-iis":
		id.Vendor = "Microsoft"
		id.Product = "IIS"
		id.OSGuess = "Windows"
	case "lighttpd":
		id.Product = "lighttpd"
	}
	if os := guessOSKeyword(rest); os != "" && id.OSGuess == "" {
		id.OSGuess = os
	}
}

// refineDatabase covers the services whose greeting is either a version
// blob (MySQL/MariaDB) or a short status line (Redis).
func refineDatabase(a *Analyzer, raw []byte, banner string, port int) Identification {
	lower := strings.ToLower(banner)
	if strings.HasPrefix(banner, "+PONG") || strings.HasPrefix(banner, "-") || strings.Contains(lower, "redis") {
		id := Identification{Service: "Redis", Vendor: "Redis", Product: "Redis", Confidence: 90, Source: "signature"}
		if m := redisVerRe.FindStringSubmatch(lower); m != nil {
			id.Version = m[1]
		}
		if strings.HasPrefix(banner, "-NOAUTH") || strings.HasPrefix(banner, "-DENIED") {
			id = id.setAttr("auth", "required")
		}
		return id
	}

	id := Identification{Service: "MySQL", Vendor: "Oracle", Product: "MySQL", Confidence: 70, Source: "signature"}
	version := mysqlVersionFrom(raw, banner)
	if strings.Contains(lower, "mariadb") || strings.Contains(strings.ToLower(version), "mariadb") {
		id.Vendor = "MariaDB"
		id.Product = "MariaDB"
	}
	if version != "" {
		id.Version = version
		if core := versionRe.FindString(version); core != "" {
			if _, err := goversion.NewVersion(core); err == nil {
				id.Confidence = 90
			}
		}
	}
	id.OSGuess = guessOSKeyword(banner)
	return id
}

// mysqlVersionFrom extracts the server version either from the binary
// handshake (packet header, protocol byte 0x0a, NUL-terminated version) or
// from a version-first text banner.
func mysqlVersionFrom(raw []byte, banner string) string {
	if len(raw) > 5 && raw[4] == 0x0a {
		rest := raw[5:]
		if i := bytes.IndexByte(rest, 0x00); i > 0 {
			return string(rest[:i])
		}
	}
	if m := mysqlVerRe.FindStringSubmatch(banner); m != nil {
		return m[1]
	}
	return ""
}

// refineGeneric handles the single-line greeting protocols: FTP, SMTP,
// POP3, IMAP and VNC. FTP and SMTP share the 220 greeting code, so the
// split is decided by banner content.
func refineGeneric(a *Analyzer, raw []byte, banner string, port int) Identification {
	line := firstLine(banner)
	lower := strings.ToLower(line)

	switch {
	case strings.HasPrefix(banner, "RFB "):
		id := Identification{Service: "VNC", Confidence: 90, Source: "signature"}
		id.Version = strings.TrimSpace(strings.TrimPrefix(line, "RFB "))
		return id
	case strings.HasPrefix(banner, "* OK"):
		id := Identification{Service: "IMAP", Confidence: 80, Source: "signature"}
		if strings.Contains(lower, "dovecot") {
			id.Product = "Dovecot"
		}
		if strings.Contains(lower, "courier") {
			id.Product = "Courier"
		}
		return id
	case strings.HasPrefix(banner, "+OK"):
		id := Identification{Service: "POP3", Confidence: 70, Source: "signature"}
		if strings.Contains(lower, "dovecot") {
			id.Product = "Dovecot"
		}
		return id
	}

	if !strings.HasPrefix(banner, "220") {
		// Unhandled greeting; the caller fills in the signature's service.
		return Identification{}.setAttr("greeting", truncate(line, 80))
	}

	id := Identification{Service: "FTP", Confidence: 60, Source: "signature"}
	if strings.Contains(lower, "smtp") || strings.Contains(lower, "esmtp") ||
		strings.Contains(lower, "postfix") || strings.Contains(lower, "exim") ||
		strings.Contains(lower, "sendmail") {
		id.Service = "SMTP"
		switch {
		case strings.Contains(lower, "postfix"):
			id.Product = "Postfix"
		case strings.Contains(lower, "exim"):
			id.Product = "Exim"
			if m := versionRe.FindStringSubmatch(line); m != nil {
				id.Version = m[1]
			}
		case strings.Contains(lower, "sendmail"):
			id.Product = "Sendmail"
		case strings.Contains(lower, "exchange"):
			id.Vendor = "Microsoft"
			id.Product = "Exchange"
			id.OSGuess = "Windows"
		}
		id = id.setAttr("greeting", truncate(line, 80))
		return id
	}

	if m := ftpServRe.FindStringSubmatch(line); m != nil {
		switch strings.ToLower(m[1]) {
		case "vsftpd":
			id.Product = "vsftpd"
		case "proftpd":
			id.Product = "ProFTPD"
		case "pure-ftpd":
			id.Product = "Pure-FTPd"
		case "filezilla server":
			id.Product = "FileZilla Server"
		case "microsoft ftp service":
			id.Vendor = "Microsoft"
			id.Product = "IIS FTP"
			id.OSGuess = "Windows"
		case "wu-ftpd":
			id.Product = "wu-ftpd"
		}
		if m[2] != "" {
			id.Version = m[2]
		}
		id.Confidence = 85
	}
	id = id.setAttr("greeting", truncate(line, 80))
	return id
}

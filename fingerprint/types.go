package fingerprint

// ServiceUnknown is the service tag used when nothing could be identified.
// An Unknown identification is a valid analysis outcome, not an error.
const ServiceUnknown = "Unknown"

// Identification is the structured outcome of banner analysis for one port.
type Identification struct {
	Service    string            `json:"service"`
	Vendor     string            `json:"vendor,omitempty"`
	Product    string            `json:"product,omitempty"`
	Version    string            `json:"version,omitempty"`
	OSGuess    string            `json:"osGuess,omitempty"`
	Confidence int               `json:"confidence"`
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Known reports whether the identification carries an actual service tag.
func (id Identification) Known() bool {
	return id.Service != "" && id.Service != ServiceUnknown
}

func (id Identification) setAttr(key, value string) Identification {
	if value == "" {
		return id
	}
	if id.Attributes == nil {
		id.Attributes = map[string]string{}
	}
	id.Attributes[key] = value
	return id
}

// Signature binds a literal banner prefix to a protocol tag and optional
// vendor/product/OS hints. Signatures are inserted into the Trie once at
// startup and are read-only afterwards.
type Signature struct {
	Prefix     string `json:"prefix"`
	Service    string `json:"service"`
	Vendor     string `json:"vendor,omitempty"`
	Product    string `json:"product,omitempty"`
	OSHint     string `json:"osHint,omitempty"`
	Confidence int    `json:"confidence"`
}

// OSGuesser resolves an OS label from banner content. The honeypot tables
// satisfy this; the analyzer uses it as a fallback when its own refiners
// produce no OS guess.
type OSGuesser interface {
	GuessOS(banner, service string) string
}

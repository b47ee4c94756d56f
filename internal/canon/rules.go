// Package canon turns raw message records into canonical messages using a
// fixed, versioned rule set. Everything here is a pure function of its input.
package canon

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/starford/tessera/internal/checksum"
)

// RulesetVersion changes whenever a normalization rule changes meaning.
const RulesetVersion = "2026.10.1"

// Rules configures the Canonicalizer. The zero value applies no noise
// removal and no aliasing.
type Rules struct {
	// NoiseMarkers are whole lines removed from bodies after normalization.
	NoiseMarkers []string `yaml:"noise_markers" toml:"noise_markers" json:"noise_markers"`
	// TransportHeaders are case-folded header name prefixes dropped from
	// headers_normalized. They stay in headers_raw.
	TransportHeaders []string `yaml:"transport_headers" toml:"transport_headers" json:"transport_headers"`
	// Aliases maps a folded address to the identity it resolves to.
	Aliases map[string]string `yaml:"aliases" toml:"aliases" json:"aliases"`
}

// DefaultRules returns the documented default rule set.
func DefaultRules() Rules {
	return Rules{
		NoiseMarkers: []string{
			"[EXTERNAL]",
			"CAUTION: This email originated from outside of the organization.",
			"CAUTION: This email originated from outside of the organization. Do not click links or open attachments unless you recognize the sender and know the content is safe.",
			"This email has been scanned for viruses and malware.",
			"This email has been scanned by the Symantec Email Security.cloud service.",
		},
		TransportHeaders: []string{
			"arc-",
			"authentication-results",
			"dkim-signature",
			"received-spf",
			"x-forefront-",
			"x-gm-message-state",
			"x-google-dkim-signature",
			"x-microsoft-antispam",
			"x-ms-exchange-",
			"x-ms-has-attach",
			"x-originating-ip",
			"x-received",
		},
	}
}

// Hash identifies the rule set. It is recorded next to every canonical
// message so a reprocessed corpus can prove which rules it ran under.
func (r Rules) Hash() string {
	payload := struct {
		Version          string            `json:"version"`
		NoiseMarkers     []string          `json:"noise_markers"`
		TransportHeaders []string          `json:"transport_headers"`
		Aliases          map[string]string `json:"aliases"`
	}{
		Version:          RulesetVersion,
		NoiseMarkers:     sortedCopy(r.NoiseMarkers),
		TransportHeaders: sortedCopy(r.TransportHeaders),
		Aliases:          r.Aliases,
	}
	data, _ := json.Marshal(payload)
	return checksum.Sum(data)
}

func (r Rules) isNoise(line string) bool {
	for _, m := range r.NoiseMarkers {
		if line == NormalizeLine(m) {
			return true
		}
	}
	return false
}

func (r Rules) isTransport(foldedName string) bool {
	for _, p := range r.TransportHeaders {
		if strings.HasPrefix(foldedName, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (r Rules) resolveAlias(addr string) string {
	if alias, ok := r.Aliases[addr]; ok && alias != "" {
		return fold(alias)
	}
	return addr
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

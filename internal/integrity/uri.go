package integrity

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/tessera/internal/apperr"
)

// Scheme of pointer URIs.
const Scheme = "dep"

var linesRe = regexp.MustCompile(`^lines_([0-9]+)-([0-9]+)$`)

// URI is the parsed form of dep://<corpus>/<source_key>/lines_<start>-<end>#<prefix>.
type URI struct {
	CorpusID  string
	SourceKey string
	Start     int
	End       int
	Prefix    string
}

// String formats u.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s/lines_%d-%d#%s", Scheme, u.CorpusID, u.SourceKey, u.Start, u.End, u.Prefix)
}

// ParseURI parses a pointer URI.
func ParseURI(s string) (URI, error) {
	bad := func(detail string) (URI, error) {
		return URI{}, apperr.New(apperr.MalformedInput, s, detail)
	}
	parsed, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return bad(err.Error())
	}
	if parsed.Scheme != Scheme {
		return bad("scheme must be " + Scheme)
	}
	if parsed.Host == "" {
		return bad("missing corpus id")
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		return bad("path must be /<source_key>/lines_<start>-<end>")
	}
	m := linesRe.FindStringSubmatch(parts[1])
	if m == nil {
		return bad("invalid line range " + parts[1])
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if start < 1 || end < start {
		return bad("line range must satisfy 1 <= start <= end")
	}
	if parsed.Fragment == "" {
		return bad("missing hash prefix")
	}
	return URI{CorpusID: parsed.Host, SourceKey: parts[0], Start: start, End: end, Prefix: strings.ToLower(parsed.Fragment)}, nil
}

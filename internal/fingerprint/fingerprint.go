// Package fingerprint computes the deterministic message hashes used for
// deduplication and threading, and the line-range hashes behind integrity
// pointers. All digests are SHA-256 over UTF-8 text with LF line endings.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
)

// DefaultAnchorLines is the number of lines in quoted and body anchors.
const DefaultAnchorLines = 5

// Options tune the fingerprints.
type Options struct {
	AnchorLines int
}

func (o Options) anchorLines() int {
	if o.AnchorLines <= 0 {
		return DefaultAnchorLines
	}
	return o.AnchorLines
}

// Compute returns every fingerprint of cm given its canonical timestamp.
func Compute(cm *models.CanonicalMessage, ts time.Time, opts Options) models.Fingerprints {
	n := opts.anchorLines()
	head, tail := BodyAnchors(cm.BodyNormalized, n)
	return models.Fingerprints{
		Strict:     Strict(cm, ts),
		Relaxed:    Relaxed(cm),
		Quoted:     QuotedAnchor(cm.BodyNormalized, n),
		HeadAnchor: head,
		TailAnchor: tail,
	}
}

type strictPayload struct {
	From        []string `json:"from"`
	To          []string `json:"to"`
	Cc          []string `json:"cc"`
	Bcc         []string `json:"bcc"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
	Timestamp   string   `json:"timestamp"`
}

// Strict hashes participants by role, subject key, the authored body without
// quoted text, named attachment hashes and the canonical timestamp.
func Strict(cm *models.CanonicalMessage, ts time.Time) string {
	p := strictPayload{
		From:        roleAddrs(cm, models.RoleFrom),
		To:          roleAddrs(cm, models.RoleTo),
		Cc:          roleAddrs(cm, models.RoleCc),
		Bcc:         roleAddrs(cm, models.RoleBcc),
		Subject:     cm.SubjectKey,
		Body:        strings.Join(AuthoredLines(cm.BodyNormalized), "\n"),
		Attachments: make([]string, 0, len(cm.Attachments)),
	}
	for _, a := range cm.Attachments {
		p.Attachments = append(p.Attachments, a.Name+":"+a.ContentHash)
	}
	sort.Strings(p.Attachments)
	if !ts.IsZero() {
		p.Timestamp = ts.UTC().Format(time.RFC3339Nano)
	}
	return hashJSON(p)
}

type relaxedPayload struct {
	Participants []string `json:"participants"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Attachments  []string `json:"attachments"`
}

// Relaxed drops signatures, footers, attachment names and the timestamp, and
// collapses markup and whitespace, so forwards and re-sends still collide.
func Relaxed(cm *models.CanonicalMessage) string {
	lines := stripSignature(AuthoredLines(cm.BodyNormalized))
	body := markupRe.ReplaceAllString(strings.Join(lines, " "), "")
	p := relaxedPayload{
		Participants: sortedUnique(cm.Addresses()),
		Subject:      cm.SubjectKey,
		Body:         canon.Fold(strings.Join(strings.Fields(body), " ")),
	}
	hashes := make([]string, 0, len(cm.Attachments))
	for _, a := range cm.Attachments {
		hashes = append(hashes, a.ContentHash)
	}
	p.Attachments = sortedUnique(hashes)
	return hashJSON(p)
}

// AuthoredLines returns the body lines written by the sender.
func AuthoredLines(normalized string) []string {
	authored, _ := Split(canon.Lines(normalized))
	return trimBlank(authored)
}

// QuotedAnchor hashes the first n non-empty quoted lines, skipping header
// lines of quoted blocks. It returns "" when nothing is quoted.
func QuotedAnchor(normalized string, n int) string {
	_, quoted := Split(canon.Lines(normalized))
	var picked []string
	for _, line := range quoted {
		a := anchorLine(line, canon.Fold)
		if a == "" || headerLikeRe.MatchString(a) {
			continue
		}
		picked = append(picked, a)
		if len(picked) == n {
			break
		}
	}
	if len(picked) == 0 {
		return ""
	}
	return checksum.SumString(strings.Join(picked, "\n"))
}

// BodyAnchors hash the first and last n non-empty authored lines. A reply
// quoting a message from its start matches head; one quoting its closing
// lines matches tail.
func BodyAnchors(normalized string, n int) (head, tail string) {
	var lines []string
	for _, line := range AuthoredLines(normalized) {
		if a := anchorLine(line, canon.Fold); a != "" {
			lines = append(lines, a)
		}
	}
	if len(lines) == 0 {
		return "", ""
	}
	h := lines
	if len(h) > n {
		h = h[:n]
	}
	t := lines
	if len(t) > n {
		t = t[len(t)-n:]
	}
	return checksum.SumString(strings.Join(h, "\n")), checksum.SumString(strings.Join(t, "\n"))
}

// LineRangeHash hashes lines start..end (1-based, inclusive) of normalized
// text. The text must already be normalized by the Canonicalizer rules.
func LineRangeHash(normalized string, start, end int) (string, error) {
	text, err := LineRange(normalized, start, end)
	if err != nil {
		return "", err
	}
	return checksum.SumString(text), nil
}

// LineRange returns lines start..end (1-based, inclusive) joined with LF.
func LineRange(normalized string, start, end int) (string, error) {
	lines := canon.Lines(normalized)
	if start < 1 || end < start || end > len(lines) {
		return "", fmt.Errorf("fingerprint: line range %d-%d outside 1-%d", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

func roleAddrs(cm *models.CanonicalMessage, role string) []string {
	out := []string{}
	for _, p := range cm.Participants {
		if p.Role == role {
			out = append(out, p.Address)
		}
	}
	sort.Strings(out)
	return out
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func trimBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func hashJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Payloads are plain strings and slices.
		panic(fmt.Sprintf("fingerprint: marshal: %v", err))
	}
	return checksum.Sum(data)
}

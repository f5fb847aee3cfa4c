// Package uploadpack parses the pkt-line-framed body of a Git protocol v2
// `git-upload-pack` POST request: it distinguishes `ls-refs` from
// `fetch`, and for `fetch` extracts the canonical argument set used to
// compute the pack-cache fingerprint.
package uploadpack

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the classified command of an upload-pack request body.
type Kind int

const (
	KindUnknown Kind = iota
	KindLsRefs
	KindFetch
)

func (k Kind) String() string {
	switch k {
	case KindLsRefs:
		return "ls-refs"
	case KindFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// ProtocolError marks malformed pkt-line framing. It must never be cached
// and surfaces as an HTTP 400.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "upload-pack protocol error: " + e.Reason }

// Command is the parsed, classified request body: an ls-refs (capabilities
// only), a fetch (wants/haves/capabilities plus the raw body), or an
// unrecognized command (raw body only).
type Command struct {
	Kind Kind
	// Wants, Haves, Shallows hold lowercase hex object ids as they appeared.
	Wants    []string
	Haves    []string
	Shallows []string
	// Capabilities/options recognized for fetch fingerprinting.
	Caps map[string]string // value "" for flag-only capabilities (e.g. "thin-pack")

	RawBody []byte // preserved verbatim for forwarding to the subprocess
}

// fetchCapKeys is the fixed set of capability/option lines the fingerprint
// canonicalizes.
var fetchCapKeys = []string{
	"ofs-delta", "thin-pack", "no-progress", "include-tag", "done",
}

// fetchCapValuePrefixes are capability lines carrying a value, captured whole.
var fetchCapValuePrefixes = []string{"filter ", "deepen ", "deepen-since ", "deepen-not "}

// Classify parses the pkt-line body of a POST .../git-upload-pack request.
func Classify(body []byte) (*Command, error) {
	lines, err := splitPktLines(body)
	if err != nil {
		return nil, err
	}

	cmd := &Command{Caps: make(map[string]string), RawBody: body}
	var sawCommand bool
	for _, line := range lines {
		s := string(line)
		switch {
		case s == "":
			continue
		case strings.HasPrefix(s, "command=ls-refs"):
			cmd.Kind = KindLsRefs
			sawCommand = true
		case strings.HasPrefix(s, "command=fetch"):
			cmd.Kind = KindFetch
			sawCommand = true
		case strings.HasPrefix(s, "want "):
			cmd.Wants = append(cmd.Wants, strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "want "))))
		case strings.HasPrefix(s, "have "):
			cmd.Haves = append(cmd.Haves, strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "have "))))
		case strings.HasPrefix(s, "shallow "):
			cmd.Shallows = append(cmd.Shallows, strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "shallow "))))
			cmd.Caps[s] = ""
		case containsString(fetchCapKeys, s):
			cmd.Caps[s] = ""
		case hasAnyPrefix(s, fetchCapValuePrefixes...):
			cmd.Caps[s] = ""
		default:
			// unknown line: preserved in RawBody, ignored for fingerprinting
		}
	}
	if !sawCommand {
		cmd.Kind = KindUnknown
	}
	return cmd, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Fingerprint computes the SHA-256 canonical fingerprint for a fetch command
// sorted want lines, sorted have lines, sorted capability/option
// lines, lowercase hex, LF separators, no trailing whitespace.
func (c *Command) Fingerprint() [32]byte {
	var b bytes.Buffer

	wants := append([]string(nil), c.Wants...)
	sort.Strings(wants)
	for _, w := range wants {
		fmt.Fprintf(&b, "want %s\n", w)
	}

	haves := append([]string(nil), c.Haves...)
	sort.Strings(haves)
	for _, h := range haves {
		fmt.Fprintf(&b, "have %s\n", h)
	}

	caps := make([]string, 0, len(c.Caps))
	for k := range c.Caps {
		caps = append(caps, k)
	}
	sort.Strings(caps)
	for _, cap := range caps {
		fmt.Fprintf(&b, "%s\n", cap)
	}

	return sha256.Sum256(b.Bytes())
}

// FingerprintHex is Fingerprint hex-encoded, the form used for on-disk paths.
func (c *Command) FingerprintHex() string {
	h := c.Fingerprint()
	return hex.EncodeToString(h[:])
}

// splitPktLines deframes a pkt-line stream into payload strings, dropping
// flush (0000), delimiter (0001), and response-end (0002) control packets.
func splitPktLines(b []byte) ([][]byte, error) {
	var lines [][]byte
	i := 0
	for i < len(b) {
		if i+4 > len(b) {
			return nil, &ProtocolError{Reason: "truncated pkt-line length"}
		}
		lenHex := string(b[i : i+4])
		n, err := strconv.ParseInt(lenHex, 16, 64)
		if err != nil {
			return nil, &ProtocolError{Reason: fmt.Sprintf("invalid pkt-line length %q: %v", lenHex, err)}
		}
		i += 4
		switch n {
		case 0, 1, 2: // flush, delim, response-end
			continue
		}
		if n < 4 {
			return nil, &ProtocolError{Reason: fmt.Sprintf("pkt-line length %d below minimum", n)}
		}
		end := i + int(n-4)
		if end > len(b) {
			return nil, &ProtocolError{Reason: "pkt-line payload exceeds body length"}
		}
		payload := bytes.TrimRight(b[i:end], "\n")
		lines = append(lines, payload)
		i = end
	}
	return lines, nil
}

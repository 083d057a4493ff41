package shoutcast

import (
	"bytes"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	// TagStreamTitle holds the "artist - track" or free-text now-playing string.
	TagStreamTitle = "StreamTitle"
	// TagStreamURL holds an optional URL related to the current track.
	TagStreamURL = "StreamUrl"
)

// Metadata maps tag names to values for a single metadata block.
type Metadata map[string]string

// Record is one decoded metadata block read from a stream.
type Record struct {
	Metadata Metadata

	// Time the block was read off the wire.
	Time time.Time

	// Number of characters that decoded to control or replacement runes.
	DecodeWarnings int
}

// StreamTitle returns the StreamTitle tag, if present.
func (m Metadata) StreamTitle() (string, bool) {
	v, ok := m[TagStreamTitle]
	return v, ok
}

// StreamURL returns the StreamUrl tag, if present.
func (m Metadata) StreamURL() (string, bool) {
	v, ok := m[TagStreamURL]
	return v, ok
}

// Equal reports whether both records hold the same tags and values.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the record with sorted keys, e.g. {StreamTitle: X, StreamUrl: Y}.
func (m Metadata) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(m[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// Parse decodes a metadata string of the form Tag='value';Tag2=value2;
//
// Every pair must be terminated by ';', an unterminated trailing pair is
// dropped. A value bounded by single quotes on both ends has exactly one quote
// removed from each end; quotes anywhere else are kept. Parse never fails.
func Parse(text string) Metadata {
	m := make(Metadata)

	var tag, value strings.Builder
	readingTag := true

	for _, r := range text {
		if readingTag {
			if r == '=' {
				readingTag = false
				continue
			}
			tag.WriteRune(r)
			continue
		}

		if r != ';' {
			value.WriteRune(r)
			continue
		}

		m[tag.String()] = unquote(value.String())
		tag.Reset()
		value.Reset()
		readingTag = true
	}

	return m
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	return v
}

// stripPadding removes every zero byte from the block. Servers pad to a
// multiple of 16 and some place the padding in the middle of the text.
func stripPadding(block []byte) []byte {
	return bytes.ReplaceAll(block, []byte{0}, nil)
}

// DefaultCharset is the WHATWG label used to decode metadata blocks.
const DefaultCharset = "windows-1252"

// LookupCharset returns the encoding registered under the given WHATWG label.
// An empty label selects Windows-1252.
func LookupCharset(label string) (encoding.Encoding, error) {
	if label == "" {
		return charmap.Windows1252, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown charset %q", label)
	}
	return enc, nil
}

// decodeText decodes b with enc. It never fails: if the decoder rejects the
// input, every byte is mapped through Latin-1 instead. The returned count is
// the number of runes that came out as C1 controls or U+FFFD.
func decodeText(enc encoding.Encoding, b []byte) (string, int) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		out, _ = charmap.ISO8859_1.NewDecoder().Bytes(b)
	}

	s := string(out)
	warnings := 0
	for _, r := range s {
		if r == utf8.RuneError || (r >= 0x80 && r <= 0x9f) {
			warnings++
		}
	}
	return s, warnings
}

package extract

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
)

var bomUTF8 = []byte{0xEF, 0xBB, 0xBF}

// encodingCandidate is one step of the decode ladder. A nil decode function
// means "validate as UTF-8".
type encodingCandidate struct {
	name   string
	decode func([]byte) ([]byte, bool)
}

// encodingLadder is consulted in order; the first candidate that decodes
// cleanly wins. The "latin-1" step decodes as Windows-1252, the superset
// that files labeled latin-1 in the wild almost always are; unlike
// ISO-8859-1 it has undefined bytes and can genuinely fail, which keeps the
// final ISO-8859-1 step meaningful.
var encodingLadder = []encodingCandidate{
	{name: "utf-8", decode: decodeUTF8},
	{name: "latin-1", decode: decodeCharmapStrict(charmap.Windows1252)},
	{name: "iso-8859-1", decode: decodeCharmapStrict(charmap.ISO8859_1)},
}

// DecodeBytes resolves the character encoding of raw file bytes, returning
// UTF-8 text and the name of the candidate that matched. Files containing
// NUL bytes are rejected up front as binary (this also catches UTF-16
// content, which the ladder does not attempt).
func DecodeBytes(data []byte) ([]byte, string, error) {
	data = bytes.TrimPrefix(data, bomUTF8)

	if bytes.IndexByte(data, 0x00) >= 0 {
		return nil, "", fault.New(fault.CodeEncoding, "file contains NUL bytes, not a text encoding this pipeline accepts")
	}

	for _, cand := range encodingLadder {
		if decoded, ok := cand.decode(data); ok {
			return decoded, cand.name, nil
		}
	}
	return nil, "", fault.New(fault.CodeEncoding, "no candidate encoding decoded the file cleanly")
}

func decodeUTF8(data []byte) ([]byte, bool) {
	if utf8.Valid(data) {
		return data, true
	}
	return nil, false
}

// decodeCharmapStrict wraps a charmap decoder and treats any replacement
// rune in its output as a failed decode, since x/text charmaps substitute
// U+FFFD for undefined bytes instead of erroring.
func decodeCharmapStrict(cm *charmap.Charmap) func([]byte) ([]byte, bool) {
	return func(data []byte) ([]byte, bool) {
		decoded, err := cm.NewDecoder().Bytes(data)
		if err != nil {
			return nil, false
		}
		if bytes.ContainsRune(decoded, utf8.RuneError) {
			return nil, false
		}
		return decoded, true
	}
}

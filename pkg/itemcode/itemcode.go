// Package itemcode finds encoded item references embedded in game chat and
// turns them into display names.
//
// A reference is a run of supplementary private use code points. Each code
// point in plane 15 carries two bytes; a single trailing code point in plane
// 16 carries the last byte of an odd-length payload. The payload is a
// sequence of blocks, each introduced by a one byte id.
package itemcode

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// UnknownItem is rendered when a reference cannot be decoded.
const UnknownItem = "Unknown Item"

const (
	planeA    = 0xF0000
	planeAEnd = 0xFFFFD
	planeB    = 0x100000
	planeBEnd = 0x10FFFF

	blockStart = 0
	blockType  = 1
	blockName  = 2
	blockEnd   = 255

	formatVersion = 1
)

// Pattern matches one encoded reference.
var Pattern = regexp.MustCompile(`[\x{F0000}-\x{FFFFD}\x{100000}-\x{10FFFF}]+`)

var (
	ErrMalformed = errors.New("malformed item reference")
	ErrNoName    = errors.New("item reference carries no name")
)

// Decoder resolves one encoded reference to a display name.
type Decoder interface {
	Decode(encoded string) (string, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(encoded string) (string, error)

func (f DecoderFunc) Decode(encoded string) (string, error) { return f(encoded) }

// Wynntils decodes the block format used by the game mod.
type Wynntils struct{}

func (Wynntils) Decode(encoded string) (string, error) {
	payload, err := unpack(encoded)
	if err != nil {
		return "", err
	}

	r := bytes.NewReader(payload)
	for {
		id, err := r.ReadByte()
		if err != nil {
			return "", ErrNoName
		}

		switch id {
		case blockStart:
			if _, err := r.ReadByte(); err != nil {
				return "", fmt.Errorf("%w: truncated start block", ErrMalformed)
			}
		case blockType:
			if _, err := r.ReadByte(); err != nil {
				return "", fmt.Errorf("%w: truncated type block", ErrMalformed)
			}
		case blockName:
			var name strings.Builder
			for {
				b, err := r.ReadByte()
				if err != nil {
					return "", fmt.Errorf("%w: unterminated name", ErrMalformed)
				}
				if b == 0 {
					break
				}
				name.WriteByte(b)
			}
			if name.Len() == 0 {
				return "", ErrNoName
			}
			return name.String(), nil
		case blockEnd:
			return "", ErrNoName
		default:
			// Block lengths are type specific; anything before the name we do
			// not know how to skip ends the scan.
			return "", fmt.Errorf("%w: unsupported block %d before name", ErrMalformed, id)
		}
	}
}

// Replace rewrites every reference in text with render(name). References
// that fail to decode render as UnknownItem.
func Replace(text string, d Decoder, render func(name string) string) string {
	if d == nil {
		d = Wynntils{}
	}
	if render == nil {
		render = Plain
	}

	return Pattern.ReplaceAllStringFunc(text, func(encoded string) string {
		name, err := d.Decode(encoded)
		if err != nil || name == "" {
			name = UnknownItem
		}
		return render(name)
	})
}

// Plain renders the bare item name.
func Plain(name string) string { return name }

// Emphasized renders the name bold and underlined in platform markdown.
func Emphasized(name string) string { return "**__" + name + "__**" }

// Bracketed renders the name in angle brackets.
func Bracketed(name string) string { return "<" + name + ">" }

// Encode packs a named item in the block format. It is the inverse of
// Wynntils.Decode for the blocks Decode understands.
func Encode(name string, itemType byte) string {
	payload := []byte{blockStart, formatVersion, blockType, itemType, blockName}
	payload = append(payload, name...)
	payload = append(payload, 0, blockEnd)
	return pack(payload)
}

func unpack(encoded string) ([]byte, error) {
	out := make([]byte, 0, len(encoded))
	sawTail := false
	for _, r := range encoded {
		if sawTail {
			return nil, fmt.Errorf("%w: data after trailing byte", ErrMalformed)
		}
		switch {
		case r >= planeA && r <= planeAEnd:
			v := r - planeA
			out = append(out, byte(v>>8), byte(v))
		case r >= planeB && r <= planeBEnd:
			out = append(out, byte(r-planeB))
			sawTail = true
		default:
			return nil, fmt.Errorf("%w: code point %U outside encoding planes", ErrMalformed, r)
		}
	}
	return out, nil
}

func pack(payload []byte) string {
	var b strings.Builder
	for i := 0; i+1 < len(payload); i += 2 {
		b.WriteRune(planeA + rune(payload[i])<<8 + rune(payload[i+1]))
	}
	if len(payload)%2 == 1 {
		b.WriteRune(planeB + rune(payload[len(payload)-1]))
	}
	return b.String()
}

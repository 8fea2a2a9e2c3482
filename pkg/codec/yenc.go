// Package codec implements the article wire formats: yEnc framing for
// segment bodies, zlib pre-compression, HMAC-obfuscated subjects, and the
// one-line body header that identifies a segment copy.
package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// DefaultLineWidth is the yEnc encoded line width used when posting.
const DefaultLineWidth = 128

var (
	// ErrYencFraming indicates missing or malformed =ybegin/=yend markers.
	ErrYencFraming = errors.New("yenc: malformed framing")

	// ErrYencCRC indicates the decoded body did not match the declared crc32.
	ErrYencCRC = errors.New("yenc: crc32 mismatch")

	// ErrYencSize indicates the decoded size did not match the declared size.
	ErrYencSize = errors.New("yenc: size mismatch")
)

// YencEncode encodes data as a single-part yEnc block with the given name.
// The output includes =ybegin and =yend lines with size and crc32.
func YencEncode(data []byte, name string, lineWidth int) []byte {
	if lineWidth <= 0 {
		lineWidth = DefaultLineWidth
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineWidth, len(data), name)

	col := 0
	for i, b := range data {
		enc := b + 42 // modular arithmetic on byte wraps as yEnc requires

		critical := enc == 0x00 || enc == 0x0A || enc == 0x0D || enc == '='
		// A dot in column zero would trip NNTP dot-stuffing, escape it too.
		if !critical && col == 0 && enc == '.' {
			critical = true
		}

		if critical {
			buf.WriteByte('=')
			buf.WriteByte(enc + 64)
			col += 2
		} else {
			buf.WriteByte(enc)
			col++
		}

		if col >= lineWidth && i != len(data)-1 {
			buf.WriteString("\r\n")
			col = 0
		}
	}
	if col > 0 {
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return buf.Bytes()
}

// YencDecode strictly decodes a yEnc block. The declared size must match the
// decoded length, and crc32 is verified when present in the trailer.
func YencDecode(encoded []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(encoded))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		data         []byte
		declaredSize = -1
		inBody       bool
		sawEnd       bool
	)

	for scanner.Scan() {
		line := scanner.Bytes()

		switch {
		case bytes.HasPrefix(line, []byte("=ybegin ")):
			if inBody {
				return nil, ErrYencFraming
			}
			inBody = true
			if v, ok := yencField(string(line), "size"); ok {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, ErrYencFraming
				}
				declaredSize = n
			}
			continue

		case bytes.HasPrefix(line, []byte("=ypart ")):
			if !inBody {
				return nil, ErrYencFraming
			}
			continue

		case bytes.HasPrefix(line, []byte("=yend")):
			if !inBody {
				return nil, ErrYencFraming
			}
			sawEnd = true
			trailer := string(line)
			if v, ok := yencField(trailer, "size"); ok {
				n, err := strconv.Atoi(v)
				if err != nil || n != len(data) {
					return nil, ErrYencSize
				}
			}
			if v, ok := yencField(trailer, "crc32"); ok {
				want, err := strconv.ParseUint(strings.TrimSpace(v), 16, 32)
				if err != nil {
					return nil, ErrYencFraming
				}
				if uint32(want) != crc32.ChecksumIEEE(data) {
					return nil, ErrYencCRC
				}
			}
			inBody = false
			continue
		}

		if !inBody {
			continue
		}

		escaped := false
		for _, b := range line {
			if escaped {
				data = append(data, b-64-42)
				escaped = false
				continue
			}
			if b == '=' {
				escaped = true
				continue
			}
			data = append(data, b-42)
		}
		if escaped {
			return nil, ErrYencFraming
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("yenc: %w", err)
	}

	if !sawEnd {
		return nil, ErrYencFraming
	}
	if declaredSize >= 0 && declaredSize != len(data) {
		return nil, ErrYencSize
	}
	return data, nil
}

// yencField extracts key=value from a yEnc header or trailer line. The name
// field may contain spaces so it is only valid as the final field.
func yencField(line, key string) (string, bool) {
	idx := strings.Index(line, key+"=")
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(key)+1:]
	if key == "name" {
		return strings.TrimRight(rest, "\r"), true
	}
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		rest = rest[:sp]
	}
	return strings.TrimRight(rest, "\r"), true
}

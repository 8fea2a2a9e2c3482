package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CodecVersion is the article body format version announced in the header
// line. Decoders reject versions they do not understand.
const CodecVersion = 1

// ErrArticleHeader indicates a missing or malformed UNS header line.
var ErrArticleHeader = errors.New("article: malformed header line")

// ArticleBody is the decoded representation of one posted segment copy.
type ArticleBody struct {
	Version         int
	SegmentIDHash   string // hex prefix of the ciphertext SHA-256, not the secret segment id
	RedundancyIndex int
	Ciphertext      []byte
}

// EncodeArticleBody assembles a segment copy into posting form: a one-line
// header `UNS/1 sid=<hex> r=<i>` followed by the yEnc-framed ciphertext.
func EncodeArticleBody(sidHash string, redundancyIndex int, ciphertext []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "UNS/%d sid=%s r=%d\r\n", CodecVersion, sidHash, redundancyIndex)
	buf.Write(YencEncode(ciphertext, sidHash, DefaultLineWidth))
	return buf.Bytes()
}

// DecodeArticleBody parses a fetched article body. yEnc framing and CRC are
// verified; the caller still verifies the ciphertext hash and decrypts.
func DecodeArticleBody(body []byte) (*ArticleBody, error) {
	nl := bytes.IndexByte(body, '\n')
	if nl < 0 {
		return nil, ErrArticleHeader
	}
	header := strings.TrimRight(string(body[:nl]), "\r")

	fields := strings.Fields(header)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "UNS/") {
		return nil, ErrArticleHeader
	}

	version, err := strconv.Atoi(strings.TrimPrefix(fields[0], "UNS/"))
	if err != nil || version != CodecVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrArticleHeader, fields[0])
	}

	sid, ok := strings.CutPrefix(fields[1], "sid=")
	if !ok || sid == "" {
		return nil, ErrArticleHeader
	}
	rStr, ok := strings.CutPrefix(fields[2], "r=")
	if !ok {
		return nil, ErrArticleHeader
	}
	r, err := strconv.Atoi(rStr)
	if err != nil || r < 0 {
		return nil, ErrArticleHeader
	}

	ciphertext, err := YencDecode(body[nl+1:])
	if err != nil {
		return nil, err
	}

	return &ArticleBody{
		Version:         version,
		SegmentIDHash:   sid,
		RedundancyIndex: r,
		Ciphertext:      ciphertext,
	}, nil
}

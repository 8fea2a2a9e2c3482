package nntp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/crypto"
)

// Article is one message to post. The body is the already-encoded article
// payload (header line plus yEnc text); the writer handles dot-stuffing and
// line termination on the wire.
type Article struct {
	Subject   string
	From      string
	Group     string
	MessageID string
	Extra     map[string]string

	// Body holds CRLF-terminated text lines.
	Body []byte
}

// defaultFrom is used when the poster supplies no sender; the value carries
// no identity by design of the subject scheme.
const defaultFrom = "poster <poster@unspecified.invalid>"

// NewMessageID generates a client-side message id so the id is known before
// the post is attempted and can be persisted with the segment row first.
func NewMessageID() string {
	id, err := crypto.NewID()
	if err != nil {
		// The CSPRNG failing is unrecoverable.
		panic(err)
	}
	return fmt.Sprintf("<%s@usenetsync.invalid>", id)
}

// headerBlock renders the article headers in deterministic order.
func (a *Article) headerBlock() string {
	var b strings.Builder
	from := a.From
	if from == "" {
		from = defaultFrom
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Newsgroups: %s\r\n", a.Group)
	fmt.Fprintf(&b, "Subject: %s\r\n", a.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", a.MessageID)

	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, a.Extra[k])
	}
	return b.String()
}

// Size returns the approximate wire size in bytes, used for bandwidth
// accounting and rotation caps.
func (a *Article) Size() int64 {
	return int64(len(a.headerBlock()) + 2 + len(a.Body))
}

// Lines counts the body lines for the article projection.
func (a *Article) Lines() int {
	return strings.Count(string(a.Body), "\n")
}

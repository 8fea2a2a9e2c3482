package share

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/crypto"
)

func testToken(t *testing.T) *Token {
	t.Helper()
	id, err := crypto.NewShareID()
	require.NoError(t, err)
	return &Token{
		Version:       TokenVersion,
		ShareID:       id,
		Tier:          TierOpen,
		FolderPrefix:  FolderIDPrefix("folder-1234"),
		FolderVersion: 3,
		CreatedAt:     time.Unix(1700000000, 0).UTC(),
		Index:         IndexRef{MessageID: "<idx-1@usenetsync.invalid>", Group: "alt.binaries.test", Count: 1},
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Run("single index", func(t *testing.T) {
		tok := testToken(t)
		payload, err := tok.EncodeJSON()
		require.NoError(t, err)

		got, err := Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, tok.ShareID, got.ShareID)
		assert.Equal(t, tok.Tier, got.Tier)
		assert.Equal(t, tok.FolderPrefix, got.FolderPrefix)
		assert.Equal(t, tok.FolderVersion, got.FolderVersion)
		assert.Equal(t, tok.CreatedAt.Unix(), got.CreatedAt.Unix())
		assert.Equal(t, tok.Index.MessageID, got.Index.MessageID)
		assert.Equal(t, tok.Index.Group, got.Index.Group)
		assert.Nil(t, got.Key, "bare payloads never carry the key")
	})

	t.Run("multi index", func(t *testing.T) {
		tok := testToken(t)
		tok.Index = IndexRef{
			Count: 2,
			Articles: []IndexArticle{
				{Index: 0, MessageID: "<p0@usenetsync.invalid>", Group: "alt.binaries.test"},
				{Index: 1, MessageID: "<p1@usenetsync.invalid>", Group: "alt.binaries.test"},
			},
		}
		payload, err := tok.EncodeJSON()
		require.NoError(t, err)

		got, err := Parse(payload)
		require.NoError(t, err)
		require.True(t, got.Index.Multi())
		require.Len(t, got.Index.Articles, 2)
		assert.Equal(t, "<p1@usenetsync.invalid>", got.Index.Articles[1].MessageID)
	})
}

func TestJSONChecksumDetectsTampering(t *testing.T) {
	tok := testToken(t)
	payload, err := tok.EncodeJSON()
	require.NoError(t, err)

	raw, err := base64url.DecodeString(payload)
	require.NoError(t, err)

	// Change the folder version in the framed object; the checksum no
	// longer matches.
	tampered := strings.Replace(string(raw), `"version":3`, `"version":4`, 1)
	require.NotEqual(t, string(raw), tampered)

	_, err = Parse(base64url.EncodeToString([]byte(tampered)))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBinaryRoundTripIsStable(t *testing.T) {
	tok := testToken(t)
	payload, err := tok.EncodeBinary()
	require.NoError(t, err)

	got, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, tok.ShareID, got.ShareID)
	assert.Equal(t, tok.Tier, got.Tier)
	assert.Equal(t, tok.FolderPrefix, got.FolderPrefix)
	assert.Equal(t, tok.FolderVersion, got.FolderVersion)
	assert.Equal(t, tok.CreatedAt.Unix(), got.CreatedAt.Unix())

	// Lossy: the message id travels as a hash prefix.
	assert.Empty(t, got.Index.MessageID)
	assert.NotEmpty(t, got.Index.MessageIDHash)

	// Re-encoding the parsed token reproduces the payload byte for byte.
	again, err := got.EncodeBinary()
	require.NoError(t, err)
	assert.Equal(t, payload, again)
}

func TestBinaryChecksumDetectsTampering(t *testing.T) {
	tok := testToken(t)
	payload, err := tok.EncodeBinary()
	require.NoError(t, err)

	raw, err := base64url.DecodeString(payload)
	require.NoError(t, err)
	raw[20] ^= 0xFF

	_, err = Parse(base64url.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLegacyRoundTrip(t *testing.T) {
	tok := testToken(t)
	payload := tok.EncodeLegacy()

	got, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, tok.ShareID, got.ShareID)
	assert.Equal(t, TierOpen, got.Tier, "legacy tokens are always open")
	assert.Equal(t, tok.Index.MessageID, got.Index.MessageID)
	assert.Equal(t, tok.Index.Group, got.Index.Group)

	t.Run("padded base64 accepted", func(t *testing.T) {
		triplet := tok.ShareID + ":" + tok.Index.MessageID + ":" + tok.Index.Group
		padded := base64.URLEncoding.EncodeToString([]byte(triplet))
		got, err := Parse(padded)
		require.NoError(t, err)
		assert.Equal(t, tok.ShareID, got.ShareID)
	})
}

func TestURIForm(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	t.Run("open with key", func(t *testing.T) {
		tok := testToken(t)
		tok.Key = key
		payload, err := tok.EncodeJSON()
		require.NoError(t, err)

		uri := tok.EncodeURI(payload)
		require.True(t, strings.HasPrefix(uri, URIScheme))

		got, err := Parse(uri)
		require.NoError(t, err)
		assert.Equal(t, tok.ShareID, got.ShareID)
		assert.Equal(t, key, got.Key)
	})

	t.Run("bare share id", func(t *testing.T) {
		tok := testToken(t)
		got, err := Parse(URIScheme + tok.ShareID + "/member")
		require.NoError(t, err)
		assert.Equal(t, tok.ShareID, got.ShareID)
		assert.Equal(t, TierMember, got.Tier)
		assert.Nil(t, got.Key)
	})

	t.Run("key on non-open tier refused", func(t *testing.T) {
		tok := testToken(t)
		encodedKey := base64url.EncodeToString(key)
		_, err := Parse(URIScheme + tok.ShareID + "/passphrase/" + encodedKey)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tier mismatch refused", func(t *testing.T) {
		tok := testToken(t)
		tok.Tier = TierMember
		payload, err := tok.EncodeJSON()
		require.NoError(t, err)
		_, err = Parse(URIScheme + payload + "/open")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

// The parser is total: arbitrary input yields ErrInvalidToken, never a panic
// or an unverified token.
func TestParseTotality(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not base64 at all!!!",
		base64url.EncodeToString([]byte("junk without colons")),
		base64url.EncodeToString([]byte("a:b")),
		base64url.EncodeToString([]byte(`{"v":1}`)),
		base64url.EncodeToString([]byte(`{"v":1,"unknown-field":true}`)),
		base64url.EncodeToString(make([]byte, 53)), // right length, wrong version byte
		base64url.EncodeToString(make([]byte, 54)),
		URIScheme,
		URIScheme + "x",
		URIScheme + "ABCDEFGHIJKLMNOPQRSTUVWX/burn",
		URIScheme + "ABCDEFGHIJKLMNOPQRSTUVWX/open/short-key",
	}
	for _, in := range inputs {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrInvalidToken, "input %q", in)
	}
}

func TestManifestSealOpen(t *testing.T) {
	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	key, err := crypto.NewKey()
	require.NoError(t, err)

	m := &Manifest{
		ShareID:       "ABCDEFGHIJKLMNOPQRSTUVWX",
		FolderID:      "folder-1",
		FolderVersion: 2,
		SegmentKey:    "c2VnbWVudC1rZXk=",
		CreatedAt:     1700000000,
		Files: []ManifestFile{{
			Path: "a.bin", Size: 100, Hash: "aa",
			Segments: []ManifestSegment{{
				Index: 0, PlainSize: 100,
				Copies: []ManifestCopy{{MessageID: "<m@x>", Group: "g", Nonce: "bm9uY2U=", CiphertextHash: "hh"}},
			}},
		}},
	}

	sealed, signature, err := SealManifest(m, signer, key)
	require.NoError(t, err)
	require.NotEmpty(t, signature)

	t.Run("round trip with pinned key", func(t *testing.T) {
		got, err := OpenManifest(sealed, key, signer.PublicKey())
		require.NoError(t, err)
		assert.Equal(t, m.ShareID, got.ShareID)
		assert.Equal(t, m.SegmentKey, got.SegmentKey)
		require.Len(t, got.Files, 1)
		assert.Equal(t, "a.bin", got.Files[0].Path)
	})

	t.Run("wrong key refused", func(t *testing.T) {
		other, err := crypto.NewKey()
		require.NoError(t, err)
		_, err = OpenManifest(sealed, other, nil)
		assert.Error(t, err)
	})

	t.Run("pinned key mismatch refused", func(t *testing.T) {
		impostor, err := crypto.NewSigner()
		require.NoError(t, err)
		_, err = OpenManifest(sealed, key, impostor.PublicKey())
		assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
	})

	t.Run("ciphertext tamper refused", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)/2] ^= 0x01
		_, err := OpenManifest(bad, key, nil)
		assert.Error(t, err)
	})
}

func TestIndexArticleFraming(t *testing.T) {
	chunk := []byte("sealed manifest bytes, any binary content \x00\x01\x02")

	body := EncodeIndexArticle(chunk, 2, 5)
	got, part, total, err := DecodeIndexArticle(body)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
	assert.Equal(t, 2, part)
	assert.Equal(t, 5, total)

	t.Run("decode survives missing trailing newline", func(t *testing.T) {
		trimmed := []byte(strings.TrimRight(string(body), "\r\n"))
		got, _, _, err := DecodeIndexArticle(trimmed)
		require.NoError(t, err)
		assert.Equal(t, chunk, got)
	})

	t.Run("garbage refused", func(t *testing.T) {
		_, _, _, err := DecodeIndexArticle([]byte("no header here"))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

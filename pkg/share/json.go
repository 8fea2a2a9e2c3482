package share

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// jsonChecksumLen is the number of hex characters kept from the SHA-256 of
// the canonical object.
const jsonChecksumLen = 16

// jsonToken is the JSON-framed wire object. Field order is fixed by the
// struct so the canonical form used for the checksum is deterministic.
type jsonToken struct {
	V            int        `json:"v"`
	ID           string     `json:"id"`
	Tier         string     `json:"tier"`
	FolderPrefix string     `json:"folder-prefix"`
	Version      int        `json:"version"`
	TS           int64      `json:"ts"`
	Idx          *jsonIndex `json:"idx,omitempty"`
	Chk          string     `json:"chk,omitempty"`
}

type jsonIndex struct {
	T string         `json:"t"`           // 's' or 'm'
	M string         `json:"m,omitempty"` // single: message id
	N string         `json:"n,omitempty"` // single: group
	C int            `json:"c,omitempty"` // multi: part count
	S []jsonIndexArt `json:"s,omitempty"` // multi: parts in order
}

type jsonIndexArt struct {
	I int    `json:"i"`
	M string `json:"m"`
	N string `json:"n"`
}

// EncodeJSON renders the JSON-framed encoding: base64url of the object with
// a checksum over its canonical form.
func (t *Token) EncodeJSON() (string, error) {
	jt := &jsonToken{
		V:            t.Version,
		ID:           t.ShareID,
		Tier:         t.Tier,
		FolderPrefix: t.FolderPrefix,
		Version:      t.FolderVersion,
		TS:           t.CreatedAt.Unix(),
	}
	if jt.V == 0 {
		jt.V = TokenVersion
	}

	switch {
	case t.Index.Multi():
		idx := &jsonIndex{T: "m", C: len(t.Index.Articles)}
		for _, a := range t.Index.Articles {
			idx.S = append(idx.S, jsonIndexArt{I: a.Index, M: a.MessageID, N: a.Group})
		}
		jt.Idx = idx
	case t.Index.MessageID != "":
		jt.Idx = &jsonIndex{T: "s", M: t.Index.MessageID, N: t.Index.Group}
	}

	canonical, err := json.Marshal(jt)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	jt.Chk = jsonChecksum(canonical)

	framed, err := json.Marshal(jt)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64url.EncodeToString(framed), nil
}

// parseJSON decodes and verifies a JSON-framed payload.
func parseJSON(raw []byte) (*Token, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var jt jsonToken
	if err := dec.Decode(&jt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if jt.V != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, jt.V)
	}
	if !validTier(jt.Tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidToken, jt.Tier)
	}
	if _, err := decodeShareIDCore(jt.ID); err != nil {
		return nil, err
	}

	// Recompute the checksum over the canonical object without chk.
	chk := jt.Chk
	jt.Chk = ""
	canonical, err := json.Marshal(&jt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if chk == "" || chk != jsonChecksum(canonical) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidToken)
	}

	token := &Token{
		Version:       jt.V,
		ShareID:       jt.ID,
		Tier:          jt.Tier,
		FolderPrefix:  jt.FolderPrefix,
		FolderVersion: jt.Version,
		CreatedAt:     time.Unix(jt.TS, 0).UTC(),
	}

	if jt.Idx != nil {
		switch jt.Idx.T {
		case "s":
			if jt.Idx.M == "" {
				return nil, fmt.Errorf("%w: single index without message id", ErrInvalidToken)
			}
			token.Index = IndexRef{MessageID: jt.Idx.M, Group: jt.Idx.N, Count: 1}
		case "m":
			if jt.Idx.C != len(jt.Idx.S) || jt.Idx.C == 0 {
				return nil, fmt.Errorf("%w: index part count mismatch", ErrInvalidToken)
			}
			token.Index = IndexRef{Count: jt.Idx.C}
			for _, a := range jt.Idx.S {
				token.Index.Articles = append(token.Index.Articles, IndexArticle{
					Index:     a.I,
					MessageID: a.M,
					Group:     a.N,
				})
			}
		default:
			return nil, fmt.Errorf("%w: unknown index type %q", ErrInvalidToken, jt.Idx.T)
		}
	}
	return token, nil
}

func jsonChecksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:jsonChecksumLen]
}

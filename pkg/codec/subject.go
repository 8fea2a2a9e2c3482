package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strconv"
)

// SubjectLength is the number of base32 characters in an obfuscated subject.
const SubjectLength = 32

var subjectEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ObfuscateSubject derives the article subject for one segment copy:
// base32(HMAC-SHA256(folderSigningKey, segmentID ‖ redundancyIndex)),
// truncated. No path, filename, or other human-readable material ever
// appears in a subject line. Only the folder owner can recompute it.
func ObfuscateSubject(signingKey []byte, segmentID string, redundancyIndex int) string {
	mac := hmac.New(sha256.New, signingKey)
	mac.Write([]byte(segmentID))
	mac.Write([]byte(strconv.Itoa(redundancyIndex)))
	return subjectEncoding.EncodeToString(mac.Sum(nil))[:SubjectLength]
}

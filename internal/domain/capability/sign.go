package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// canonicalForm serializes the signed fields of a token into the
// stable form the MAC covers:
//
//	category|actions(sorted)|resource|agent_id|granted_at|expires_at
//
// one line per permission, lines sorted, joined with newlines, with
// the token id and delegatable flag appended. Any mutation of a
// signed field invalidates the signature.
func canonicalForm(t *Token) string {
	lines := make([]string, 0, len(t.Permissions))
	for _, p := range t.Permissions {
		actions := append([]string(nil), p.Actions...)
		sort.Strings(actions)
		expires := ""
		if t.ExpiresAt != nil {
			expires = strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10)
		}
		lines = append(lines, strings.Join([]string{
			string(p.Category),
			strings.Join(actions, ","),
			p.Resource,
			t.AgentID,
			strconv.FormatInt(t.GrantedAt.UnixMilli(), 10),
			expires,
		}, "|"))
	}
	sort.Strings(lines)
	return t.ID + "\n" + strconv.FormatBool(t.Delegatable) + "\n" + strings.Join(lines, "\n")
}

// Sign computes the keyed MAC for a token with the given secret.
func Sign(t *Token, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalForm(t)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a token's signature against a set of accepted
// secrets. Accepting a set supports secret rotation: tokens signed
// with the previous secret remain valid until they expire. The
// comparison is constant-time.
func Verify(t *Token, secrets [][]byte) bool {
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	form := []byte(canonicalForm(t))
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write(form)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

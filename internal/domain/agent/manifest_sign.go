package agent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// manifestForm serializes the signed manifest fields into a stable
// form: scalar fields pipe-joined, list fields sorted and
// comma-joined. The Signature field itself is excluded. Any mutation
// of a covered field invalidates the signature.
func manifestForm(m Manifest) string {
	join := func(values []string) string {
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		return strings.Join(sorted, ",")
	}
	return strings.Join([]string{
		m.ID,
		m.Name,
		m.Model,
		m.EntryPoint,
		m.TrustLevel,
		join(m.Permissions),
		join(m.Capabilities),
		join(m.MCPServers),
		join(m.A2ASkills),
		join(m.Tools),
	}, "|")
}

// SignManifest computes the keyed MAC over a manifest's canonical
// form with the given secret.
func SignManifest(m Manifest, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(manifestForm(m)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyManifest checks a manifest's signature against a set of
// accepted secrets, so secret rotation keeps previously signed
// manifests deployable. The comparison is constant-time.
func VerifyManifest(m Manifest, secrets [][]byte) bool {
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	form := []byte(manifestForm(m))
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write(form)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
)

// ComputeSignature implements the carrier's webhook signing scheme: the
// full request URL concatenated with each POST parameter name and value in
// lexicographic key order, HMAC-SHA1 under the account auth token, base64.
func ComputeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	for _, k := range keys {
		for _, v := range form[k] {
			mac.Write([]byte(k))
			mac.Write([]byte(v))
		}
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares a presented signature in constant time.
func ValidSignature(authToken, fullURL string, form url.Values, presented string) bool {
	if presented == "" {
		return false
	}
	want := ComputeSignature(authToken, fullURL, form)
	return hmac.Equal([]byte(want), []byte(presented))
}

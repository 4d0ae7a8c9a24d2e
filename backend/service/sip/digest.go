package sip

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

func md5Hex(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// digestAuthorization answers a WWW-Authenticate or Proxy-Authenticate
// challenge with MD5 credentials. qop=auth is used when offered.
func digestAuthorization(challenge string, method string, uri string, username string, password string, cnonce string) (string, error) {
	params := parseDigestParams(challenge)
	nonce := params["nonce"]
	if nonce == "" {
		return "", fmt.Errorf("digest challenge without nonce: %q", challenge)
	}
	if alg := params["algorithm"]; alg != "" && !strings.EqualFold(alg, "MD5") {
		return "", fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	realm := params["realm"]
	ha1 := md5Hex(username + ":" + realm + ":" + password)
	ha2 := md5Hex(method + ":" + uri)

	useQop := false
	for _, q := range strings.Split(params["qop"], ",") {
		if strings.EqualFold(strings.TrimSpace(q), "auth") {
			useQop = true
		}
	}
	const nc = "00000001"
	var response string
	if useQop {
		response = md5Hex(strings.Join([]string{ha1, nonce, nc, cnonce, "auth", ha2}, ":"))
	} else {
		response = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s",realm="%s",nonce="%s",uri="%s",response="%s",algorithm=MD5`,
		username, realm, nonce, uri, response)
	if useQop {
		fmt.Fprintf(&b, `,qop=auth,nc=%s,cnonce="%s"`, nc, cnonce)
	}
	if opaque := params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `,opaque="%s"`, opaque)
	}
	return b.String(), nil
}

package auth

import (
	"net/url"
)

// withoutCode returns the local form of u with the code parameter removed.
// Other parameters are preserved.
func withoutCode(u *url.URL) string {
	clean := url.URL{Path: u.Path, RawPath: u.RawPath}
	if clean.Path == "" {
		clean.Path = "/"
	}
	q := u.Query()
	if _, ok := q["code"]; ok {
		q.Del("code")
		clean.RawQuery = q.Encode()
	} else {
		clean.RawQuery = u.RawQuery
	}
	return clean.String()
}

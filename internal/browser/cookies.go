package browser

import (
	"github.com/go-rod/rod/lib/proto"

	"nbpilot/internal/authstate"
)

// ToCookieParams converts persisted cookies into CDP cookie params.
// Session cookies are sent without an expiry.
func ToCookieParams(cookies []authstate.Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.SameSite != "" {
			p.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		params = append(params, p)
	}
	return params
}

// FromNetworkCookies converts CDP cookies into the persisted form.
func FromNetworkCookies(cookies []*proto.NetworkCookie) []authstate.Cookie {
	out := make([]authstate.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		expires := float64(c.Expires)
		if c.Session || expires <= 0 {
			expires = authstate.SessionExpiry
		}
		out = append(out, authstate.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package remote

import (
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CookiePolicy decides which cookies set by upstream responses are kept by the session.
type CookiePolicy int

const (
	// AcceptOriginalServer keeps only cookies whose domain matches the server that set them.
	AcceptOriginalServer CookiePolicy = iota
	// AcceptAll keeps every cookie the jar considers valid.
	AcceptAll
	// AcceptNone drops all cookies.
	AcceptNone
)

// String returns the configuration name of the policy.
func (p CookiePolicy) String() string {
	switch p {
	case AcceptOriginalServer:
		return "accept-original-server"
	case AcceptAll:
		return "accept-all"
	case AcceptNone:
		return "accept-none"
	default:
		return fmt.Sprintf("cookie-policy(%d)", int(p))
	}
}

// ParseCookiePolicy parses a configuration name into a policy.
func ParseCookiePolicy(s string) (CookiePolicy, error) {
	for _, p := range []CookiePolicy{AcceptOriginalServer, AcceptAll, AcceptNone} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cookie policy: %q", s)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	CookiePolicy CookiePolicy

	// ConnectTimeout bounds dialing the upstream.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers.
	ReadTimeout time.Duration

	UserAgent string
	Headers   map[string]string
}

// Session is the HTTP client configuration shared by every fetcher in the process.
// Authenticated streaming endpoints rely on cookies set by earlier responses, so one jar is reused.
type Session struct {
	Client *http.Client
	opts   SessionOptions
}

// NewSession creates a session.
func NewSession(opts SessionOptions) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = opts.ConnectTimeout
	}
	if opts.ReadTimeout > 0 {
		transport.ResponseHeaderTimeout = opts.ReadTimeout
	}

	return &Session{
		Client: &http.Client{
			Transport: transport,
			Jar:       &policyJar{jar: jar, policy: opts.CookiePolicy},
		},
		opts: opts,
	}, nil
}

// Close releases idle connections.
func (s *Session) Close() {
	s.Client.CloseIdleConnections()
}

// decorate sets the session headers on an outbound request.
func (s *Session) decorate(req *http.Request) {
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
}

// policyJar filters cookies by policy before handing them to the underlying jar.
type policyJar struct {
	jar    http.CookieJar
	policy CookiePolicy
}

var _ http.CookieJar = &policyJar{}

// SetCookies implements http.CookieJar.
func (j *policyJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	switch j.policy {
	case AcceptNone:
		return
	case AcceptAll:
		j.jar.SetCookies(u, cookies)
	default:
		kept := make([]*http.Cookie, 0, len(cookies))
		for _, c := range cookies {
			if c.Domain == "" || domainMatches(c.Domain, u.Hostname()) {
				kept = append(kept, c)
			}
		}
		j.jar.SetCookies(u, kept)
	}
}

// Cookies implements http.CookieJar.
func (j *policyJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// domainMatches reports whether host lies within the cookie domain.
// The domain must have an embedded dot, so cookies for a bare top level domain are refused.
func domainMatches(domain, host string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	host = strings.ToLower(host)
	if domain == "" || host == "" {
		return false
	}

	if i := strings.IndexByte(domain, '.'); i <= 0 || i == len(domain)-1 {
		return false
	}

	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Package svcurl parses service URLs and derives the canonical keys the
// registry uses to identify registrations and subscriptions.
//
// A service URL has the form
//
//	protocol://host:port/interface?alias=a&role=provider&weight=10
//
// The path names the service interface. Query parameters carry attributes
// such as alias, role, region and dataCenter.
package svcurl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Well-known parameter names.
const (
	ParamAlias            = "alias"
	ParamRole             = "role"
	ParamRegion           = "region"
	ParamDataCenter       = "dataCenter"
	ParamWeight           = "weight"
	ParamProtectNullDatum = "protectNullDatum"
	ParamInstance         = "instance"
)

// Roles.
const (
	RoleProvider = "provider"
	RoleConsumer = "consumer"
)

// GlobalSettingKey is the config key used when a URL has no interface path.
const GlobalSettingKey = "global_setting"

// Common errors.
var (
	ErrEmptyURL      = errors.New("empty service url")
	ErrMissingScheme = errors.New("service url has no protocol")
	ErrInvalidPort   = errors.New("invalid port")
)

// URL is a parsed service URL. Treat it as immutable once shared.
type URL struct {
	// Protocol is the URL scheme, e.g. "grpc".
	Protocol string

	// Host is the service host. May be empty for subscription URLs.
	Host string

	// Port is the service port. Zero means unset.
	Port int

	// Path is the service interface name without the leading slash.
	Path string

	// Params holds query parameters (first value wins).
	Params map[string]string
}

// Parse parses a raw service URL.
func Parse(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURL
	}

	pu, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse service url %q: %w", raw, err)
	}
	if pu.Scheme == "" {
		return nil, ErrMissingScheme
	}

	u := &URL{
		Protocol: pu.Scheme,
		Host:     pu.Hostname(),
		Path:     strings.TrimPrefix(pu.Path, "/"),
		Params:   make(map[string]string),
	}

	if p := pu.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPort, p)
		}
		u.Port = port
	}

	for k, vs := range pu.Query() {
		if len(vs) > 0 {
			u.Params[k] = vs[0]
		}
	}

	return u, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level literals.
func MustParse(raw string) *URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Address returns host:port, or just the host when no port is set.
func (u *URL) Address() string {
	if u.Port == 0 {
		return u.Host
	}
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Param returns a parameter value or the empty string.
func (u *URL) Param(name string) string {
	if u.Params == nil {
		return ""
	}
	return u.Params[name]
}

// ParamBool returns a boolean parameter, or def when absent or malformed.
func (u *URL) ParamBool(name string, def bool) bool {
	v := u.Param(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// ParamInt returns an integer parameter, or def when absent or malformed.
func (u *URL) ParamInt(name string, def int) int {
	v := u.Param(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Alias returns the alias parameter.
func (u *URL) Alias() string { return u.Param(ParamAlias) }

// Role returns the role parameter.
func (u *URL) Role() string { return u.Param(ParamRole) }

// WithParam returns a copy of u with the parameter set.
func (u *URL) WithParam(name, value string) *URL {
	c := u.Clone()
	c.Params[name] = value
	return c
}

// Clone returns a deep copy.
func (u *URL) Clone() *URL {
	c := *u
	c.Params = make(map[string]string, len(u.Params))
	for k, v := range u.Params {
		c.Params[k] = v
	}
	return &c
}

// String renders the URL with parameters in sorted order so equal URLs
// render identically.
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Address())
	if u.Path != "" {
		b.WriteByte('/')
		b.WriteString(u.Path)
	}
	if len(u.Params) > 0 {
		names := make([]string, 0, len(u.Params))
		for k := range u.Params {
			names = append(names, k)
		}
		sort.Strings(names)
		for i, k := range names {
			if i == 0 {
				b.WriteByte('?')
			} else {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(u.Params[k]))
		}
	}
	return b.String()
}

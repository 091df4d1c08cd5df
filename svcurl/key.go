package svcurl

import (
	"net/url"
	"strings"
)

// RegisterKey identifies a registration: protocol, interface, alias and role.
func RegisterKey(u *URL) string {
	return keyOf(u, ParamAlias, ParamRole)
}

// ClusterKey identifies a discovery subscription: protocol, interface and alias.
func ClusterKey(u *URL) string {
	return keyOf(u, ParamAlias)
}

// ConfigKey identifies a config subscription. URLs without an interface path
// map to GlobalSettingKey.
func ConfigKey(u *URL) string {
	if u.Path == "" {
		return GlobalSettingKey
	}
	return keyOf(u, ParamAlias, ParamRole)
}

// keyOf renders protocol://interface followed by the named params in the
// given order. Absent params render as empty values so the shape is stable.
func keyOf(u *URL, params ...string) string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Path)
	for i, name := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(u.Param(name)))
	}
	return b.String()
}

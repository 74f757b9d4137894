package utils

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// GetClientIP extracts the real client IP address from HTTP request
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if isValidIP(ip) {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && isValidIP(xri) {
		return xri
	}

	// Cloudflare
	if cfip := r.Header.Get("CF-Connecting-IP"); cfip != "" && isValidIP(cfip) {
		return cfip
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

// GetReferrer extracts referrer from request
func GetReferrer(r *http.Request) string {
	referrer := r.Header.Get("Referer")
	if referrer == "" {
		referrer = r.Header.Get("Referrer")
	}
	return referrer
}

// PageHost returns the host of the page embedding the widget, preferring
// Origin, then Referer. Empty when neither header carries a host.
func PageHost(r *http.Request) string {
	for _, raw := range []string{r.Header.Get("Origin"), GetReferrer(r)} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return NormalizeDomain(u.Host)
		}
	}
	return ""
}

// NormalizeDomain lowercases a host and strips scheme, path, port and a
// leading "www.".
func NormalizeDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")

	if idx := strings.Index(domain, "/"); idx != -1 {
		domain = domain[:idx]
	}
	if host, _, err := net.SplitHostPort(domain); err == nil {
		domain = host
	}

	domain = strings.ToLower(domain)
	domain = strings.TrimPrefix(domain, "www.")

	if domain == "127.0.0.1" {
		domain = "localhost"
	}
	return domain
}

// DomainAllowed reports whether domain equals or is a subdomain of an entry
// in allowed. An empty list allows everything.
func DomainAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	domain = NormalizeDomain(domain)
	if domain == "" {
		return false
	}
	for _, a := range allowed {
		a = NormalizeDomain(a)
		if a == "" {
			continue
		}
		if domain == a || strings.HasSuffix(domain, "."+a) {
			return true
		}
	}
	return false
}

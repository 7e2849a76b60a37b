package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
	"strconv"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&@]+)`)

func RedactPasteContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:4] + "...[REDACTED " + strconv.Itoa(len(content)) + "B]"
}
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactURL strips userinfo from connection strings before they are logged.
var userinfoPattern = regexp.MustCompile(`://[^/@\s]+@`)

func RedactURL(s string) string {
	return RedactSecret(userinfoPattern.ReplaceAllString(s, "://[REDACTED]@"))
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

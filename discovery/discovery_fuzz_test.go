// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"net"
	"strings"
	"testing"
)

// FuzzGateway_GetGatewayID tests GetGatewayID with random id values
func FuzzGateway_GetGatewayID(f *testing.F) {
	// Seed corpus with known inputs
	f.Add("gw-12345")                  // Normal ID
	f.Add("")                          // Empty ID
	f.Add("gateway-abc-123")           // Alphanumeric
	f.Add("1234567890123456789012345") // Very long
	f.Add("\x00\x01\x02")              // Binary data
	f.Add("gw\nwith\nnewlines")        // With newlines
	f.Add("gw\twith\ttabs")            // With tabs
	f.Add("192.168.1.40:8080")         // IP:port format
	f.Add("::::")                      // Colons
	f.Add("gw/with/slashes")           // Slashes
	f.Add("gw with spaces")            // Spaces
	f.Add("UPPERCASE")                 // Uppercase
	f.Add("MiXeD-CaSe-123")            // Mixed case
	f.Add("unicode-日本語-测试")       // Unicode

	f.Fuzz(func(t *testing.T, id string) {
		gateway := &Gateway{
			Address: net.ParseIP("192.168.1.40"),
			Port:    8080,
			TXTRecord: map[string]string{
				"id": id,
			},
		}

		// Call should never panic and always return a string
		result := gateway.GetGatewayID()

		// Result should never be empty
		if result == "" {
			t.Errorf("GetGatewayID() returned empty string for id=%q", id)
		}

		// If id is empty, should fall back to address:port
		if id == "" {
			expected := "192.168.1.40:8080"
			if result != expected {
				t.Errorf("GetGatewayID() with empty id = %v, want %v", result, expected)
			}
		}
	})
}

// FuzzGateway_GetGatewayID_NilTXTRecord tests GetGatewayID with nil TXT record
func FuzzGateway_GetGatewayID_NilTXTRecord(f *testing.F) {
	// Seed with various IP addresses
	f.Add("192.168.1.40", 8080)
	f.Add("10.0.0.1", 80)
	f.Add("255.255.255.255", 65535)
	f.Add("0.0.0.0", 0)
	f.Add("127.0.0.1", 1)

	f.Fuzz(func(t *testing.T, ip string, port int) {
		// Skip invalid ports
		if port < 0 || port > 65535 {
			return
		}

		// Try to parse IP
		parsedIP := net.ParseIP(ip)
		if parsedIP == nil {
			// Invalid IP, skip
			return
		}

		gateway := &Gateway{
			Address:   parsedIP,
			Port:      port,
			TXTRecord: nil,
		}

		// Call should never panic
		result := gateway.GetGatewayID()

		// Result should be in format "ip:port"
		if result == "" {
			t.Errorf("GetGatewayID() returned empty string for ip=%s, port=%d", ip, port)
		}
	})
}

// FuzzGateway_StreamURL tests StreamURL with random advertised paths
func FuzzGateway_StreamURL(f *testing.F) {
	// Seed corpus with known inputs
	f.Add("/api/v1/stream") // Default path
	f.Add("/live")          // Custom path
	f.Add("live")           // Missing leading slash
	f.Add("")               // Empty path, falls back to default
	f.Add("//double")       // Double slash
	f.Add("/path with spaces")
	f.Add("/path?query=1")
	f.Add("/path#fragment")
	f.Add("\x00")
	f.Add("/日本語")

	f.Fuzz(func(t *testing.T, path string) {
		gateway := &Gateway{
			Address: net.ParseIP("192.168.1.40"),
			Port:    8080,
			TXTRecord: map[string]string{
				"ws": path,
			},
		}

		// Call should never panic
		result := gateway.StreamURL()

		// Result must always be a ws URL rooted at the gateway address
		if !strings.HasPrefix(result, "ws://192.168.1.40:8080/") {
			t.Errorf("StreamURL() = %q, want ws://192.168.1.40:8080/ prefix (path=%q)", result, path)
		}
	})
}

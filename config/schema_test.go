// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSchemaTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestValidateWithSchema_Valid(t *testing.T) {
	path := writeSchemaTestConfig(t, `
gateway:
  base_url: "http://192.168.1.40:8080"
  stream_url: "ws://192.168.1.40:8080/api/v1/stream"
  auth_token: "secret"
  discovery_service_type: "_circuitiq._tcp"
  discovery_timeout: "10s"
sync:
  device_type: "circuitiq"
  max_data_points: 60
  relay_settle_delay: "500ms"
  mock_settle_delay: "300ms"
server:
  listen_addr: ":9090"
  health_rate_limit: 10
logging:
  level: "info"
`)

	if err := ValidateWithSchema(path); err != nil {
		t.Errorf("ValidateWithSchema() error = %v, want nil", err)
	}
}

func TestValidateWithSchema_UnknownField(t *testing.T) {
	path := writeSchemaTestConfig(t, `
gateway:
  base_url: "http://192.168.1.40:8080"
  unknown_field: true
`)

	err := ValidateWithSchema(path)
	if err == nil {
		t.Fatal("ValidateWithSchema() error = nil, want unknown field rejected")
	}
}

func TestValidateWithSchema_WrongType(t *testing.T) {
	path := writeSchemaTestConfig(t, `
sync:
  max_data_points: "sixty"
`)

	err := ValidateWithSchema(path)
	if err == nil {
		t.Fatal("ValidateWithSchema() error = nil, want type error")
	}
	if !strings.Contains(err.Error(), "max_data_points") {
		t.Errorf("error %v does not mention the offending field", err)
	}
}

func TestValidateWithSchema_BadDuration(t *testing.T) {
	path := writeSchemaTestConfig(t, `
sync:
  relay_settle_delay: "half a second"
`)

	if err := ValidateWithSchema(path); err == nil {
		t.Fatal("ValidateWithSchema() error = nil, want bad duration rejected")
	}
}

func TestValidateWithSchema_BadLogLevel(t *testing.T) {
	path := writeSchemaTestConfig(t, `
logging:
  level: "verbose"
`)

	if err := ValidateWithSchema(path); err == nil {
		t.Fatal("ValidateWithSchema() error = nil, want enum violation rejected")
	}
}

func TestValidateWithSchema_MissingFile(t *testing.T) {
	if err := ValidateWithSchema("/nonexistent/config.yaml"); err == nil {
		t.Error("ValidateWithSchema() error = nil, want read error")
	}
}

func TestGetSchemaJSON(t *testing.T) {
	schema := GetSchemaJSON()
	if schema == "" {
		t.Fatal("GetSchemaJSON() returned empty string")
	}
	if !strings.Contains(schema, "CircuitIQ Sync Configuration") {
		t.Error("schema title missing")
	}
}

package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{
		Engine: EngineConfig{BundlePath: "./policies"},
		Audit:  AuditSinkConfig{Dir: "./data/audit"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestConfig_Validate_Valid(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestConfig_Validate_MissingBundlePath(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Engine.BundlePath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for missing bundle_path")
	}
	if !strings.Contains(err.Error(), "BundlePath") {
		t.Errorf("error %q does not mention BundlePath", err)
	}
}

func TestConfig_Validate_MissingAuditDir(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Audit.Dir = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for missing audit.dir")
	}
}

func TestConfig_Validate_BadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for invalid log level")
	}
}

func TestConfig_Validate_BadHostPort(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.HTTPAddr = "not-a-host-port!!"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for invalid http_addr")
	}
}

func TestConfig_Validate_DuplicateClassifierRuleNames(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Classifier.Rules = []ClassifierRuleConfig{
		{Name: "dup", Condition: `resource_kind == "tool"`, To: "high"},
		{Name: "dup", Condition: `resource_kind == "server"`, To: "medium"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error for duplicate classifier rule names")
	}
	if !strings.Contains(err.Error(), "duplicate rule name") {
		t.Errorf("error %q does not mention duplicate rule name", err)
	}
}

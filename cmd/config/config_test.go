package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"github.com/loa-finn/gatewaycore/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Server.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("unexpected listen addr: %s", AppConfig.Server.ListenAddr)
	}
	if AppConfig.ToolLoop.MaxIterations != 8 {
		t.Fatalf("expected default max iterations 8, got %d", AppConfig.ToolLoop.MaxIterations)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("staging")
	if AppConfig.Server.ListenAddr != "0.0.0.0:9090" {
		t.Fatalf("expected overridden listen addr, got %s", AppConfig.Server.ListenAddr)
	}
	if !AppConfig.Server.BillingIngress {
		t.Fatalf("expected billing ingress enabled in staging override")
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("server:\n  listen_addr: sandbox:1\n  billing_ingress: true\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Server.ListenAddr != "sandbox:1" {
		t.Fatalf("expected sandbox listen addr, got %s", AppConfig.Server.ListenAddr)
	}
	if !AppConfig.Server.BillingIngress {
		t.Fatalf("expected billing ingress true")
	}
}

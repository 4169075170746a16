package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, exit, err := Parse([]string{"bash"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if exit {
		t.Fatal("Parse should not request exit for a plain command")
	}
	if cfg.Port != 7681 {
		t.Fatalf("Port = %d, want default 7681", cfg.Port)
	}
	if cfg.SigName != "SIGHUP" {
		t.Fatalf("SigName = %q, want SIGHUP", cfg.SigName)
	}
	if len(cfg.Argv) != 1 || cfg.Argv[0] != "bash" {
		t.Fatalf("Argv = %v, want [bash]", cfg.Argv)
	}
}

func TestParseRequiresCommand(t *testing.T) {
	if _, _, err := Parse([]string{"--port", "9000"}); err == nil {
		t.Fatal("Parse without a command should fail")
	}
}

func TestParseUnixSocketSkipsPortDefault(t *testing.T) {
	cfg, _, err := Parse([]string{"--interface", "/tmp/webtty.sock", "bash"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SocketPath != "/tmp/webtty.sock" {
		t.Fatalf("SocketPath = %q, want /tmp/webtty.sock", cfg.SocketPath)
	}
	if cfg.Port != 0 {
		t.Fatalf("Port = %d, want 0 when a UNIX socket interface is given", cfg.Port)
	}
}

func TestParseUnknownSignal(t *testing.T) {
	if _, _, err := Parse([]string{"--signal", "SIGBOGUS", "bash"}); err == nil {
		t.Fatal("Parse with an unknown signal should fail")
	}
}

func TestCredentialToken(t *testing.T) {
	cfg, _, err := Parse([]string{"--credential", "user:pass", "bash"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := "dXNlcjpwYXNz" // base64("user:pass")
	if got := cfg.CredentialToken(); got != want {
		t.Fatalf("CredentialToken() = %q, want %q", got, want)
	}
}

func TestCredentialTokenEmptyWhenUnset(t *testing.T) {
	cfg, _, err := Parse([]string{"bash"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.CredentialToken(); got != "" {
		t.Fatalf("CredentialToken() = %q, want empty when --credential is unset", got)
	}
}

func TestClientOptionFlag(t *testing.T) {
	cfg, _, err := Parse([]string{"--client-option", "fontSize=14", "--client-option", "cursorBlink=true", "bash"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ClientOptsJSON == "" || cfg.ClientOptsJSON == "{}" {
		t.Fatalf("ClientOptsJSON = %q, want a merged JSON object", cfg.ClientOptsJSON)
	}
}

func TestVersionRequestsExit(t *testing.T) {
	_, exit, err := Parse([]string{"--version"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !exit {
		t.Fatal("--version should request an early exit")
	}
}

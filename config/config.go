// Package config loads the server's configuration: the CLI flag surface
// from spec.md §6, plus an optional YAML-backed secrets file (teacher's
// own config.yaml design) for the additive --web-login session layer,
// where persisting a bcrypt hash and signing key is preferable to passing
// a cleartext password on the command line every launch.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Version is stamped at build time (ldflags); "unknown" in dev builds.
var Version = "unknown"

// Config is the immutable, process-wide configuration read by the
// registry and every Session.
type Config struct {
	Argv []string // command with arguments

	Iface     string // interface name, or *.sock/*.socket for a UNIX socket
	Port      int
	SocketPath string // set instead of Port when Iface names a UNIX socket

	Credential   string // raw "username:password", empty if auth disabled
	credUser     string
	credPass     string
	UID, GID int

	SigCode int
	SigName string

	Reconnect int // seconds

	IndexPath string // custom index.html path, "" for the embedded default

	SSL        bool
	SSLCert    string
	SSLKey     string
	SSLCA      string

	Readonly     bool
	ClientOptsJSON string // merged JSON object from repeated --client-option

	CheckOrigin bool
	MaxClients  int
	Once        bool
	Browser     bool

	LogLevel string

	// WebLogin additive session layer (see SPEC_FULL.md §4.3).
	WebLogin      bool
	TOTPSecret    string
	SecretsPath   string
	PasswordHash  string
	JWTSecret     []byte
}

// DefaultSecretsPath mirrors teacher's DefaultPath: alongside the binary.
func DefaultSecretsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "webtty-secrets.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "webtty-secrets.yaml")
}

// clientOptions accumulates repeated -t/--client-option k=v or raw-JSON
// flags into one JSON object, exactly as ttyd's --client-option does.
type clientOptions struct {
	values map[string]json.RawMessage
}

func (c *clientOptions) String() string {
	if c == nil {
		return "{}"
	}
	return "client options"
}

func (c *clientOptions) Set(s string) error {
	if c.values == nil {
		c.values = map[string]json.RawMessage{}
	}
	if strings.HasPrefix(strings.TrimSpace(s), "{") {
		var m map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return fmt.Errorf("parsing --client-option JSON: %w", err)
		}
		for k, v := range m {
			c.values[k] = v
		}
		return nil
	}
	kv := strings.SplitN(s, "=", 2)
	if len(kv) != 2 {
		return fmt.Errorf("--client-option must be k=v or a JSON object, got %q", s)
	}
	enc, err := json.Marshal(kv[1])
	if err != nil {
		return err
	}
	// Numbers and booleans pass through unquoted, matching xterm.js's
	// loosely-typed client options; anything else stays a JSON string.
	if kv[1] == "true" || kv[1] == "false" {
		c.values[kv[0]] = json.RawMessage(kv[1])
	} else if _, err := strconv.ParseFloat(kv[1], 64); err == nil {
		c.values[kv[0]] = json.RawMessage(kv[1])
	} else {
		c.values[kv[0]] = enc
	}
	return nil
}

func (c *clientOptions) JSON() string {
	if len(c.values) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(c.values)
	return string(b)
}

var knownSignals = map[string]int{
	"SIGHUP": 1, "SIGINT": 2, "SIGQUIT": 3, "SIGTERM": 15, "SIGKILL": 9, "SIGUSR1": 10, "SIGUSR2": 12,
}

// Parse builds a Config from the process's CLI flags (spec.md §6, plus
// the --totp-secret/--web-login/--secrets-file additions from
// SPEC_FULL.md). argv is the command to run in each session, taken from
// the flag.Args() remainder.
func Parse(args []string) (*Config, bool, error) {
	fs := flag.NewFlagSet("webtty", flag.ContinueOnError)

	port := fs.Int("port", 0, "port to listen on")
	fs.IntVar(port, "p", 0, "port to listen on (shorthand)")
	iface := fs.String("interface", "", "network interface, or a *.sock/*.socket path for a UNIX socket")
	fs.StringVar(iface, "i", "", "network interface (shorthand)")
	credential := fs.String("credential", "", "required credential, username:password")
	fs.StringVar(credential, "c", "", "required credential (shorthand)")
	uid := fs.Int("uid", 0, "drop privileges to this uid after spawning")
	fs.IntVar(uid, "u", 0, "uid (shorthand)")
	gid := fs.Int("gid", 0, "drop privileges to this gid after spawning")
	fs.IntVar(gid, "g", 0, "gid (shorthand)")
	sig := fs.String("signal", "SIGHUP", "signal sent to the child on session close")
	fs.StringVar(sig, "s", "SIGHUP", "signal (shorthand)")
	reconnect := fs.Int("reconnect", 10, "client reconnect time in seconds")
	fs.IntVar(reconnect, "r", 10, "reconnect time (shorthand)")
	index := fs.String("index", "", "custom index.html path")
	fs.StringVar(index, "I", "", "custom index.html path (shorthand)")
	ssl := fs.Bool("ssl", false, "enable TLS")
	fs.BoolVar(ssl, "S", false, "enable TLS (shorthand)")
	sslCert := fs.String("ssl-cert", "", "TLS certificate path")
	fs.StringVar(sslCert, "C", "", "TLS certificate path (shorthand)")
	sslKey := fs.String("ssl-key", "", "TLS key path")
	fs.StringVar(sslKey, "K", "", "TLS key path (shorthand)")
	sslCA := fs.String("ssl-ca", "", "TLS CA path")
	fs.StringVar(sslCA, "A", "", "TLS CA path (shorthand)")
	readonly := fs.Bool("readonly", false, "disallow client writes to the PTY")
	fs.BoolVar(readonly, "R", false, "readonly (shorthand)")
	var opts clientOptions
	fs.Var(&opts, "client-option", "xterm.js client option, k=v or JSON (repeatable)")
	fs.Var(&opts, "t", "client option (shorthand)")
	checkOrigin := fs.Bool("check-origin", false, "reject WebSocket upgrades from a different origin")
	fs.BoolVar(checkOrigin, "O", false, "check-origin (shorthand)")
	maxClients := fs.Int("max-clients", 0, "maximum concurrent clients, 0 for unlimited")
	fs.IntVar(maxClients, "m", 0, "max-clients (shorthand)")
	once := fs.Bool("once", false, "accept only one client and exit after it disconnects")
	fs.BoolVar(once, "o", false, "once (shorthand)")
	browser := fs.Bool("browser", false, "open the index page in a browser on startup")
	fs.BoolVar(browser, "B", false, "browser (shorthand)")
	logLevel := fs.String("log", "notice", "log level")
	fs.StringVar(logLevel, "l", "notice", "log level (shorthand)")
	version := fs.Bool("version", false, "print version and exit")
	fs.BoolVar(version, "v", false, "version (shorthand)")

	totpSecret := fs.String("totp-secret", "", "base32 TOTP secret required as a second factor for --web-login")
	webLogin := fs.Bool("web-login", false, "guard the index page and asset tree with a bcrypt+JWT cookie session")
	secretsPath := fs.String("secrets-file", DefaultSecretsPath(), "path to the --web-login secrets file")
	setup := fs.Bool("setup", false, "run the --web-login secrets wizard and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	if *version {
		fmt.Printf("webtty version %s\n", Version)
		return nil, true, nil
	}

	if *setup {
		if _, err := RunFirstSetup(*secretsPath); err != nil {
			return nil, false, fmt.Errorf("setup: %w", err)
		}
		return nil, true, nil
	}

	sigCode, ok := knownSignals[strings.ToUpper(*sig)]
	if !ok {
		return nil, false, fmt.Errorf("unknown signal %q", *sig)
	}

	cfg := &Config{
		Argv:           fs.Args(),
		Iface:          *iface,
		Port:           *port,
		Credential:     *credential,
		UID:            *uid,
		GID:            *gid,
		SigCode:        sigCode,
		SigName:        strings.ToUpper(*sig),
		Reconnect:      *reconnect,
		IndexPath:      expandHome(*index),
		SSL:            *ssl,
		SSLCert:        *sslCert,
		SSLKey:         *sslKey,
		SSLCA:          *sslCA,
		Readonly:       *readonly,
		ClientOptsJSON: opts.JSON(),
		CheckOrigin:    *checkOrigin,
		MaxClients:     *maxClients,
		Once:           *once,
		Browser:        *browser,
		LogLevel:       *logLevel,
		WebLogin:       *webLogin,
		TOTPSecret:     *totpSecret,
		SecretsPath:    *secretsPath,
	}

	if len(cfg.Argv) == 0 {
		return nil, false, fmt.Errorf("no command specified")
	}

	if strings.HasSuffix(cfg.Iface, ".sock") || strings.HasSuffix(cfg.Iface, ".socket") {
		cfg.SocketPath = cfg.Iface
	} else if cfg.Port == 0 {
		cfg.Port = 7681
	}

	if cfg.Credential != "" {
		kv := strings.SplitN(cfg.Credential, ":", 2)
		cfg.credUser = kv[0]
		if len(kv) == 2 {
			cfg.credPass = kv[1]
		}
	}

	if cfg.WebLogin {
		if err := cfg.loadWebLoginSecrets(); err != nil {
			return nil, false, err
		}
	}

	return cfg, false, nil
}

// CredentialToken returns the base64 form of "username:password" compared
// against a WebSocket JSON_DATA message's AuthToken, or "" if auth is
// disabled — the wire-protocol check from spec.md §4.3, unaffected by
// --web-login.
func (c *Config) CredentialToken() string {
	if c.Credential == "" {
		return ""
	}
	return basicToken(c.credUser, c.credPass)
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// WebLoginUsername returns the --web-login account name: the one
// persisted by --setup, or the --credential username if --web-login was
// combined with an explicit --credential instead.
func (c *Config) WebLoginUsername() string {
	return c.credUser
}

func (c *Config) loadWebLoginSecrets() error {
	data, err := os.ReadFile(c.SecretsPath)
	if err != nil {
		return fmt.Errorf("--web-login requires secrets generated via --setup (%s): %w", c.SecretsPath, err)
	}
	var s secretsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing secrets file: %w", err)
	}
	c.PasswordHash = s.PasswordHash
	if c.TOTPSecret == "" {
		c.TOTPSecret = s.TOTPSecret
	}
	jwtSecret, err := hex.DecodeString(s.JWTSecret)
	if err != nil {
		return fmt.Errorf("invalid jwt_secret in secrets file: %w", err)
	}
	c.JWTSecret = jwtSecret
	if c.credUser == "" {
		c.credUser = s.Username
	}
	return nil
}

type secretsFile struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	TOTPSecret   string `yaml:"totp_secret"`
	JWTSecret    string `yaml:"jwt_secret"`
}

// RunFirstSetup interactively collects an operator password (without
// echoing it, via golang.org/x/term — so it need not appear in a process
// listing the way --credential would), bcrypt-hashes it, enrolls a TOTP
// secret, and generates a JWT signing key, then persists all three to
// path for later --web-login runs.
func RunFirstSetup(path string) (*secretsFile, error) {
	fmt.Println("=== webtty --web-login setup ===")

	fmt.Print("Username: ")
	var username string
	if _, err := fmt.Scanln(&username); err != nil {
		return nil, fmt.Errorf("reading username: %w", err)
	}

	fmt.Print("Enter password: ")
	pw1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}

	fmt.Print("Confirm password: ")
	pw2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}

	if string(pw1) != string(pw2) {
		return nil, fmt.Errorf("passwords do not match")
	}
	if len(pw1) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(pw1, 12)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "webtty",
		AccountName: username,
	})
	if err != nil {
		return nil, fmt.Errorf("generating TOTP: %w", err)
	}

	jwtBuf := make([]byte, 32)
	if _, err := rand.Read(jwtBuf); err != nil {
		return nil, fmt.Errorf("generating JWT secret: %w", err)
	}

	s := &secretsFile{
		Username:     username,
		PasswordHash: string(hash),
		TOTPSecret:   key.Secret(),
		JWTSecret:    hex.EncodeToString(jwtBuf),
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}

	fmt.Printf("\nTOTP Secret: %s\n", key.Secret())
	fmt.Printf("TOTP URI:    %s\n", key.URL())
	fmt.Println("\nScan the URI with your authenticator app (e.g. Google Authenticator, Authy).")
	fmt.Printf("Secrets saved to: %s\n\n", path)

	return s, nil
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

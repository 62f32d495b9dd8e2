package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config captures all options required to run one export.
type Config struct {
	SchemaPath  string
	OutputPath  string
	Timestamped bool

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string

	MboxPath string
	StateDir string

	Limit  int
	DryRun bool

	LogLevel string
	LogDir   string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("schema", "field_config.yaml", "Path to the field config YAML")
	flags.String("output", "", "Path of the .xlsx artifact (falls back to EXCEL_PATH env var)")
	flags.Bool("timestamped", false, "Write a new timestamped artifact per run instead of appending")
	flags.String("imap-host", "", "IMAP server hostname (falls back to IMAP_SERVER env var)")
	flags.Int("imap-port", 0, "IMAP server port (falls back to IMAP_PORT env var, default 993)")
	flags.String("imap-user", "", "IMAP username (falls back to EMAIL env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to EMAIL_PASSWORD env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP mailbox to export from")
	flags.String("mbox", "", "Read messages from a local mbox file instead of IMAP")
	flags.String("state-dir", defaultStateDir, "Directory for the mbox processed-state file")
	flags.Int("limit", 0, "Maximum number of messages per run (0 = all)")
	flags.Bool("dry-run", false, "Fetch and extract but write nothing and flag nothing")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (in addition to stdout)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to From/Subject (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to From/Subject (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation. A .env file in the working directory supplies defaults,
// as do the IMAP_SERVER/IMAP_PORT/EMAIL/EMAIL_PASSWORD/EXCEL_PATH
// environment variables.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	// Optional; a missing .env is not an error.
	_ = godotenv.Load()

	flags := cmd.Flags()

	schemaPath, err := flags.GetString("schema")
	if err != nil {
		return Config{}, err
	}
	outputPath, err := flags.GetString("output")
	if err != nil {
		return Config{}, err
	}
	timestamped, err := flags.GetBool("timestamped")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	mailboxName, err := flags.GetString("mailbox")
	if err != nil {
		return Config{}, err
	}
	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	if outputPath == "" {
		outputPath = os.Getenv("EXCEL_PATH")
	}
	if imapHost == "" {
		imapHost = os.Getenv("IMAP_SERVER")
	}
	if imapPort == 0 {
		imapPort = 993
		if env := os.Getenv("IMAP_PORT"); env != "" {
			port, err := strconv.Atoi(env)
			if err != nil {
				return Config{}, fmt.Errorf("IMAP_PORT env var: %w", err)
			}
			imapPort = port
		}
	}
	if imapUser == "" {
		imapUser = os.Getenv("EMAIL")
	}
	if imapPass == "" {
		imapPass = os.Getenv("EMAIL_PASSWORD")
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		SchemaPath:         schemaPath,
		OutputPath:         outputPath,
		Timestamped:        timestamped,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Mailbox:            mailboxName,
		MboxPath:           mboxPath,
		StateDir:           filepath.Clean(stateDir),
		Limit:              limit,
		DryRun:             dryRun,
		LogLevel:           logLevel,
		LogDir:             logDir,
		IncludeHeader:      includeHeader,
		IncludeBody:        includeBody,
		ExcludeHeader:      excludeHeader,
		ExcludeBody:        excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.SchemaPath == "" {
		return fmt.Errorf("--schema is required")
	}
	if cfg.OutputPath == "" {
		return fmt.Errorf("output path must be provided via --output or EXCEL_PATH env var")
	}
	if cfg.MboxPath == "" {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("IMAP host must be provided via --imap-host or IMAP_SERVER env var")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("IMAP user must be provided via --imap-user or EMAIL env var")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or EMAIL_PASSWORD env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".imap-to-excel", "state"), nil
}

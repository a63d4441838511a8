// Command a2arunner serves agent handlers behind the resilient execution
// engine and offers a few operator commands around it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"a2arunner/pkg/config"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/version"
)

// EnvPassword unlocks the secrets file without prompting.
const EnvPassword = "A2A_PASSWORD"

type command struct {
	name    string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

//nolint:gochecknoglobals // command table
var commands = []command{
	{"serve", "run the HTTP server", runServe},
	{"chat", "talk to a handler from the terminal", runChat},
	{"handlers", "list configured and available handlers", runHandlers},
	{"stats", "show task and token totals from Prometheus", runStats},
	{"events", "print the task event journal", runEvents},
	{"secrets", "manage the encrypted secrets file", runSecrets},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches to a subcommand and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		printUsage(stdout)
		return 0
	case "-version", "--version", "version":
		fmt.Fprintf(stdout, "a2arunner %s\n", version.String())
		return 0
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: a2arunner <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "  %-10s %s\n", "version", "print version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'a2arunner <command> -h' for command flags.")
}

// commonFlags are shared by every command that reads the config file.
type commonFlags struct {
	configPath   string
	secretsPath  string
	logLevel     string
	debugDomains string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", config.DefaultConfigFile, "Path to the YAML config file")
	fs.StringVar(&c.secretsPath, "secrets-file", "", "Encrypted secrets file (default: from config, then "+config.DefaultSecretsFile+")")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.StringVar(&c.debugDomains, "debug-domains", "", "Comma-separated debug domains, e.g. engine,adapter (default: all)")
}

// load reads the config, decrypting the secrets file first when one exists.
// A missing config file falls back to the defaults.
func (c *commonFlags) load(stderr io.Writer) (*config.Config, error) {
	logx.SetOutput(stderr)
	if c.debugDomains != "" {
		logx.SetDebugDomains(strings.Split(c.debugDomains, ","))
	}

	secrets, err := c.openSecrets(stderr)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadWithSecrets(c.configPath, secrets)
	if errors.Is(err, os.ErrNotExist) && c.configPath == config.DefaultConfigFile {
		logx.Infof("no %s found, serving the default echo handler", c.configPath)
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return nil, err
	}

	level := cfg.Server.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logx.SetLevel(level)
	return cfg, nil
}

func (c *commonFlags) secretsFile() string {
	if c.secretsPath != "" {
		return c.secretsPath
	}
	return config.DefaultSecretsFile
}

func (c *commonFlags) openSecrets(stderr io.Writer) (*config.Secrets, error) {
	path := c.secretsFile()
	if _, err := os.Stat(path); err != nil {
		return nil, nil //nolint:nilnil // no secrets file means environment only
	}
	password, err := readPassword(stderr, "Secrets password: ")
	if err != nil {
		return nil, err
	}
	values, err := config.DecryptSecretsFile(path, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", path, err)
	}
	return config.NewSecrets(values), nil
}

// readPassword uses A2A_PASSWORD when set and otherwise prompts on the
// terminal without echo.
func readPassword(stderr io.Writer, prompt string) (string, error) {
	if pw := os.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(syscall.Stdin) {
		return "", fmt.Errorf("stdin is not a terminal; set %s", EnvPassword)
	}
	fmt.Fprint(stderr, prompt)
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(raw)
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"a2arunner/pkg/config"
)

// runSecrets implements "secrets list|set NAME|delete NAME".
func runSecrets(args []string, stdout, stderr io.Writer) int {
	var file string
	fs := flag.NewFlagSet("secrets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&file, "file", config.DefaultSecretsFile, "Encrypted secrets file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: a2arunner secrets [-file path] list | set NAME | delete NAME")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	password, err := readPassword(stderr, "Secrets password: ")
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	secrets, err := openOrCreateSecrets(file, password)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	switch {
	case rest[0] == "list" && len(rest) == 1:
		for _, name := range secrets.Names() {
			fmt.Fprintln(stdout, name)
		}
		return 0
	case rest[0] == "set" && len(rest) == 2:
		value, err := readSecretValue(stderr, rest[1])
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		secrets.Set(rest[1], value)
	case rest[0] == "delete" && len(rest) == 2:
		secrets.Delete(rest[1])
	default:
		fs.Usage()
		return 2
	}

	if err := secrets.Save(file, password); err != nil {
		fmt.Fprintf(stderr, "Failed to save secrets: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "saved %s (%d secrets)\n", file, len(secrets.Names()))
	return 0
}

func openOrCreateSecrets(path, password string) (*config.Secrets, error) {
	values, err := config.DecryptSecretsFile(path, password)
	if err == nil {
		return config.NewSecrets(values), nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return config.NewSecrets(nil), nil
	}
	return nil, err
}

// readSecretValue reads without echo on a terminal and a single line
// otherwise, so values can be piped in.
func readSecretValue(stderr io.Writer, name string) (string, error) {
	if term.IsTerminal(syscall.Stdin) {
		fmt.Fprintf(stderr, "Value for %s: ", name)
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Fprintln(stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", fmt.Errorf("empty value for %s", name)
	}
	return value, nil
}

package keyring

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// openTerminal returns the controlling terminal, or stdin when there is none
func openTerminal() (*os.File, func()) {
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return os.Stdin, func() {}
	}
	return tty, func() { tty.Close() }
}

// PromptPassword prompts the user to enter a password securely (no echo)
func PromptPassword(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter password for '%s': ", label)

	tty, closeTTY := openTerminal()
	defer closeTTY()

	passwordBytes, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr) // Print newline after password input
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(passwordBytes), nil
}

// PromptAndConfirmPassword prompts for a password twice and confirms they match
func PromptAndConfirmPassword(label string) (string, error) {
	password1, err := PromptPassword(label)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(os.Stderr, "Confirm password for '%s': ", label)

	tty, closeTTY := openTerminal()
	defer closeTTY()

	passwordBytes, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}

	if password1 != string(passwordBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return password1, nil
}

// PromptLine asks for a visible value such as a username
func PromptLine(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)

	tty, closeTTY := openTerminal()
	defer closeTTY()

	line, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

// IsInteractive reports whether a terminal is available for prompting
func IsInteractive() bool {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return true
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return false
	}
	tty.Close()
	return true
}

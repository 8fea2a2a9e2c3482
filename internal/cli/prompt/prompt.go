// Package prompt provides interactive terminal prompts for CLI commands.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted indicates the user cancelled the prompt with Ctrl+C.
var ErrAborted = errors.New("aborted")

// ErrPassphraseMismatch indicates the two passphrase entries differ.
var ErrPassphraseMismatch = errors.New("passphrases do not match")

func wrapError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return ErrAborted
	}
	return err
}

// Confirm asks a yes/no question. Ctrl+C returns ErrAborted.
func Confirm(label string, defaultYes bool) (bool, error) {
	defaultStr := "y/N"
	if defaultYes {
		defaultStr = "Y/n"
	}

	p := promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, defaultStr),
		IsConfirm: true,
	}
	result, err := p.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return false, ErrAborted
		}
		// promptui answers "n" with ErrAbort; empty input takes the default.
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		if result == "" {
			return defaultYes, nil
		}
		return false, err
	}
	r := strings.ToLower(result)
	return r == "y" || r == "yes", nil
}

// ConfirmWithForce skips the prompt when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}

// Passphrase asks for a masked passphrase.
func Passphrase(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// PassphraseWithConfirmation asks for a masked passphrase twice and checks
// the entries match. Used when creating passphrase-gated shares.
func PassphraseWithConfirmation(label string, minLength int) (string, error) {
	first := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < minLength {
				return fmt.Errorf("must be at least %d characters", minLength)
			}
			return nil
		},
	}
	passphrase, err := first.Run()
	if err != nil {
		return "", wrapError(err)
	}

	second := promptui.Prompt{
		Label: "Confirm " + strings.ToLower(label),
		Mask:  '*',
	}
	confirm, err := second.Run()
	if err != nil {
		return "", wrapError(err)
	}
	if passphrase != confirm {
		return "", ErrPassphraseMismatch
	}
	return passphrase, nil
}

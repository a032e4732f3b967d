// internal/config/prompt.go
package config

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptSecret reads a hidden value from the terminal. Used when proxy_user
// is set but proxy_pass is not, so credentials never have to live in the
// variables file.
func PromptSecret(label string) (string, error) {
	fmt.Printf("  ? %s: ", label)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // newline after hidden input
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

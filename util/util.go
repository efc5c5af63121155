package util

import (
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Errors accumulates multiple error messages so that every missing
// configuration value can be reported in one pass.
type Errors []error

func (e Errors) Error() string {
	messages := []string{}
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// RequireEnv retrieves an environment variable, appending an error to
// errs if it is unset.
func RequireEnv(varName string, errs *Errors) string {
	envVar := os.Getenv(varName)
	if len(envVar) == 0 {
		*errs = append(*errs, fmt.Errorf("environment variable %s must be set", varName))
	}
	return envVar
}

// ValidPort transforms a port number into a valid input for net.Listen.
func ValidPort(port string) (string, error) {
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("given portstring %s is invalid", port)
	}
	return fmt.Sprintf(":%s", port), nil
}

// NormalizeEmail lowercases an e-mail address and converts its domain part
// to ASCII. Returns an error if the address is not syntactically valid.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	address, err := mail.ParseAddress(email)
	if err != nil {
		return "", fmt.Errorf("%s is not a valid e-mail address", email)
	}
	at := strings.LastIndex(address.Address, "@")
	local, domain := address.Address[:at], address.Address[at+1:]
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("could not convert domain %s to ASCII (%s)", domain, err)
	}
	return fmt.Sprintf("%s@%s", local, ascii), nil
}

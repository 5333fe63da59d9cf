package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a shared signing secret from an environment variable
// or by prompting the operator. The value is cached after the first
// successful retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error

	stdin  *os.File
	stderr io.Writer
}

// NewSource constructs a source that checks envVar before interactively
// prompting on the terminal.
func NewSource(envVar, prompt string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: prompt,
		stdin:  os.Stdin,
		stderr: os.Stderr,
	}
}

// Get returns the cached secret or resolves it if this is the first call.
// Whitespace-only secrets are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if s.stdin == nil || !term.IsTerminal(int(s.stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("auth secret required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("auth secret required and no terminal available")
			}
			return
		}

		fmt.Fprint(s.stderr, s.prompt)
		raw, err := term.ReadPassword(int(s.stdin.Fd()))
		fmt.Fprintln(s.stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read secret: %w", err)
			return
		}

		value := string(raw)
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("auth secret cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}

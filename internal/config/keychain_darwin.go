//go:build darwin

package config

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// itemNotFound is the exit status of security(1) when no item matches.
const itemNotFound = 44

func keychainLookup(service, account string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == itemNotFound {
		return nil, fmt.Errorf("keychain item %s/%s not found", service, account)
	}
	if err != nil {
		return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return out, nil
}

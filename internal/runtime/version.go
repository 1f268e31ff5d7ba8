package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?`)

// CheckVersion verifies the agent CLI is installed and meets the minimum
// version. An empty minimum only checks that the binary runs.
func CheckVersion(ctx context.Context, command, minimum string) (string, error) {
	out, err := exec.CommandContext(ctx, command, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("agent runtime %s not available: %w", command, err)
	}

	raw := versionPattern.FindString(string(out))
	if raw == "" {
		return "", fmt.Errorf("agent runtime %s: no version in output %q", command, string(out))
	}
	if minimum == "" {
		return raw, nil
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return raw, fmt.Errorf("parse agent version %q: %w", raw, err)
	}
	min, err := semver.NewVersion(minimum)
	if err != nil {
		return raw, fmt.Errorf("parse minimum version %q: %w", minimum, err)
	}
	if v.LessThan(min) {
		return raw, fmt.Errorf("agent runtime %s version %s is older than required %s", command, raw, minimum)
	}
	return raw, nil
}

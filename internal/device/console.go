package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
)

// Console runs one invocation of an emulator's management CLI and returns stdout.
type Console func(ctx context.Context, args ...string) (string, error)

func execConsole(path string, pool *process.Pool) Console {
	return func(ctx context.Context, args ...string) (string, error) {
		var out string
		err := pool.Do(ctx, func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, path, args...)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("%s %s: %w: %s", path, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
			}
			out = stdout.String()
			return nil
		})
		return out, err
	}
}

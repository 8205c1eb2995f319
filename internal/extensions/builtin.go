package extensions

import (
	"fmt"
	"os"
)

// newBuiltinTransport spawns this executable with the toolsrv
// subcommand, yielding a bundled stdio tool server. The subprocess
// still inherits the session's working directory, same as stdio.
func newBuiltinTransport(cfg *Config, workingDir string) (*stdioTransport, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve executable: %v", ErrConnection, err)
	}

	t := newStdioTransport(cfg, workingDir)
	t.command = exe
	t.args = []string{"toolsrv", cfg.Name}
	t.logger = t.logger.With("transport", "builtin")
	return t, nil
}

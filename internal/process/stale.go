package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// KillStale kills processes left over from a previous run whose argv[0]
// matches binary, either exactly or by base name. It returns how many were
// killed. The calling process is never touched.
func KillStale(ctx context.Context, binary string, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	base := filepath.Base(binary)
	killed := 0
	for _, pr := range procs {
		if pr.Pid == self {
			continue
		}
		args, err := pr.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		if args[0] != binary && filepath.Base(args[0]) != base {
			continue
		}
		if err := pr.KillWithContext(ctx); err != nil {
			log.Warn("failed to kill stale process", "pid", pr.Pid, "error", err)
			continue
		}
		log.Info("killed stale process", "pid", pr.Pid, "cmd", args[0])
		killed++
	}
	if killed == 0 {
		log.Debug("no stale process found", "binary", base)
	}
	return killed, nil
}

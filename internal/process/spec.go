package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/massawatch/internal/logger"
)

// DefaultStopGrace is how long Stop waits after the termination signal
// before it escalates to a kill.
const DefaultStopGrace = 5 * time.Second

// Spec describes the one external process owned by a supervisor.
type Spec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	// WorkDir defaults to the directory holding Command[0].
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"`
	// Debug drains stdout/stderr line by line into the application logger.
	Debug     bool              `json:"debug"`
	Log       logger.FileConfig `json:"log"`
	StopGrace time.Duration     `json:"stop_grace"`
}

// Validate checks the minimal requirements for spawning.
func (s Spec) Validate() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return errors.New("process command is empty")
	}
	return nil
}

func (s Spec) grace() time.Duration {
	if s.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return s.StopGrace
}

func (s Spec) workDir(path string) string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	return filepath.Dir(path)
}

func (s Spec) displayName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Command) > 0 {
		return filepath.Base(s.Command[0])
	}
	return "process"
}

// mergeEnv overlays the spec's K=V pairs on the current environment.
// It returns nil when there is nothing to add so exec inherits os.Environ.
func (s Spec) mergeEnv() []string {
	if len(s.Env) == 0 {
		return nil
	}
	m := make(map[string]string)
	order := make([]string, 0)
	set := func(kv string, expand bool) {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return
		}
		k, v := kv[:i], kv[i+1:]
		if expand {
			v = os.Expand(v, func(name string) string { return m[name] })
		}
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, kv := range os.Environ() {
		set(kv, false)
	}
	for _, kv := range s.Env {
		set(kv, true)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out
}

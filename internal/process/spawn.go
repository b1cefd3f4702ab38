package process

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config describes one worker spawn.
type Config struct {
	Slot       string
	WorkerID   string
	Executable string
	Args       []string
	WorkDir    string
	Env        []string // appended to the parent environment
	ReadyGrace time.Duration
}

// Spawner starts one worker process. The returned channel yields the
// wait error once the process exits and is then closed.
type Spawner interface {
	Spawn(ctx context.Context, cfg Config) (pid int32, done <-chan error, err error)
}

// ExecSpawner spawns real OS processes with captured standard streams.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, cfg Config) (int32, <-chan error, error) {
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}
	wlog := log.With().Str("slot", cfg.Slot).Str("worker_id", cfg.WorkerID).Logger()
	cmd.Stdout = &lineWriter{log: wlog, stream: "stdout"}
	cmd.Stderr = &lineWriter{log: wlog, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		close(done)
	}()
	return int32(cmd.Process.Pid), done, nil
}

// lineWriter forwards a child's stream to the log line by line.
type lineWriter struct {
	log    zerolog.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		w.log.Debug().Str("stream", w.stream).Msg(line[:len(line)-1])
	}
	return len(p), nil
}

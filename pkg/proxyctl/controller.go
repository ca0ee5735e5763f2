// Controls the reverse-proxy process through its compose tooling
package proxyctl

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/logex"
	"github.com/hashicorp/go-multierror"
)

type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	// live reload, falling back to restart
	Reload(ctx context.Context) error
}

// returns combined output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Compose struct {
	bin       string // "docker" (with "compose" sub-command) or "docker-compose"
	file      string
	service   string
	reloadCmd []string
	run       commandRunner
	logl      *logex.Leveled
}

var _ Controller = (*Compose)(nil)

func NewCompose(
	bin string,
	composeFile string,
	service string,
	reloadCmd []string,
	logger *log.Logger,
) *Compose {
	return &Compose{
		bin:       bin,
		file:      composeFile,
		service:   service,
		reloadCmd: reloadCmd,
		run:       execRunner,
		logl:      logex.Levels(logger),
	}
}

func (c *Compose) Stop(ctx context.Context) error {
	output, err := c.compose(ctx, "stop", c.service)
	if err == nil {
		return nil
	}

	c.logl.Error.Printf("stop: %v: %s", err, trimOutput(output))

	// idempotent: stopping an already-stopped proxy succeeds
	if running, runningErr := c.Running(ctx); runningErr == nil && !running {
		c.logl.Info.Println("stop: proxy was not running")
		return nil
	}

	return ckdomain.NewError(ckdomain.ProxyControlFailed, "stop "+c.service, err)
}

func (c *Compose) Start(ctx context.Context) error {
	output, err := c.compose(ctx, "up", "-d", c.service)
	if err == nil {
		return nil
	}

	c.logl.Error.Printf("start: %v: %s", err, trimOutput(output))

	if running, runningErr := c.Running(ctx); runningErr == nil && running {
		c.logl.Info.Println("start: proxy was already running")
		return nil
	}

	return ckdomain.NewError(ckdomain.ProxyControlFailed, "start "+c.service, err)
}

// a config swap done while the container is stopped leaves nothing to reload,
// hence the restart fallback
func (c *Compose) Reload(ctx context.Context) error {
	reloadArgs := append([]string{"exec", "-T", c.service}, c.reloadCmd...)

	output, reloadErr := c.compose(ctx, reloadArgs...)
	if reloadErr == nil {
		return nil
	}

	c.logl.Error.Printf("reload failed, restarting: %v: %s", reloadErr, trimOutput(output))

	output, restartErr := c.compose(ctx, "restart", c.service)
	if restartErr == nil {
		return nil
	}

	c.logl.Error.Printf("restart: %v: %s", restartErr, trimOutput(output))

	return ckdomain.NewError(
		ckdomain.ProxyControlFailed,
		"reload "+c.service,
		multierror.Append(
			fmt.Errorf("reload: %w", reloadErr),
			fmt.Errorf("restart: %w", restartErr)))
}

func (c *Compose) Running(ctx context.Context) (bool, error) {
	output, err := c.compose(ctx, "ps", "--status", "running", "-q", c.service)
	if err != nil {
		return false, fmt.Errorf("ps: %w: %s", err, trimOutput(output))
	}

	return len(bytes.TrimSpace(output)) > 0, nil
}

func (c *Compose) compose(ctx context.Context, args ...string) ([]byte, error) {
	full := []string{}
	if filepath.Base(c.bin) != "docker-compose" {
		full = append(full, "compose")
	}
	full = append(full, "-f", c.file)
	full = append(full, args...)

	return c.run(ctx, c.bin, full...)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func trimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

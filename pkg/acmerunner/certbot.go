package acmerunner

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/logex"
)

// runs the certbot binary. all its state stays under the managed root (never the
// system default paths).
type Certbot struct {
	bin          string
	directoryURL string // empty = certbot's default
	layout       certlayout.Layout
	run          commandRunner
	logl         *logex.Leveled
}

var _ Runner = (*Certbot)(nil)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func NewCertbot(bin string, directoryURL string, layout certlayout.Layout, logger *log.Logger) *Certbot {
	return &Certbot{
		bin:          bin,
		directoryURL: directoryURL,
		layout:       layout,
		run:          execRunner,
		logl:         logex.Levels(logger),
	}
}

func (c *Certbot) Obtain(ctx context.Context, domain ckdomain.Domain, contactEmail string) error {
	args := []string{
		"certonly",
		"--standalone",
		"--non-interactive",
		"--agree-tos",
		"-d", string(domain),
		"--email", contactEmail,
	}

	return c.certbot(ctx, append(args, c.commonArgs()...)...)
}

func (c *Certbot) Renew(ctx context.Context, domain ckdomain.Domain) error {
	args := []string{
		"renew",
		"--standalone",
		"--non-interactive",
		"--cert-name", string(domain),
	}

	return c.certbot(ctx, append(args, c.commonArgs()...)...)
}

func (c *Certbot) commonArgs() []string {
	args := []string{
		"--config-dir", c.layout.ConfigDir(),
		"--work-dir", c.layout.WorkDir(),
		"--logs-dir", c.layout.LogsDir(),
	}

	if c.directoryURL != "" {
		args = append(args, "--server", c.directoryURL)
	}

	return args
}

func (c *Certbot) certbot(ctx context.Context, args ...string) error {
	if err := c.layout.Ensure(); err != nil {
		return err
	}

	c.logl.Info.Printf("%s %s", c.bin, args[0])

	output, err := c.run(ctx, c.bin, args...)
	if err == nil {
		return nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ckdomain.NewError(ckdomain.ClientNotInstalled, c.bin, err)
	}

	outputTrimmed := strings.TrimSpace(string(output))

	c.logl.Error.Printf("%s %s: %v\n%s", c.bin, args[0], err, outputTrimmed)

	return ckdomain.NewError(classify(outputTrimmed), lastLine(outputTrimmed), err)
}

// certbot's most relevant diagnostic is usually its last line
func lastLine(output string) string {
	if output == "" {
		return "certbot failed"
	}

	lines := strings.Split(output, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

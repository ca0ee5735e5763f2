// Swaps the reverse proxy's active configuration between its HTTP-only and TLS variants.
//
// A swap first saves the active config as a backup marker. As long as the marker exists
// a swap is in progress, and RestoreIfBackedUp() puts the pre-swap config back. That makes
// an interrupted swap recoverable on the next run without a journal.
package proxyconf

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
)

type Switcher struct {
	layout certlayout.Layout
	logl   *logex.Leveled
}

func New(layout certlayout.Layout, logger *log.Logger) *Switcher {
	return &Switcher{
		layout: layout,
		logl:   logex.Levels(logger),
	}
}

func (s *Switcher) CurrentVariant() (ckdomain.Variant, error) {
	return variantOfFile(s.layout.ActiveConf())
}

func (s *Switcher) HasBackup() (bool, error) {
	return fileexists.Exists(s.layout.BackupMarker())
}

// variant of the saved pre-swap config. Unknown if there is no backup
func (s *Switcher) BackupVariant() (ckdomain.Variant, error) {
	return variantOfFile(s.layout.BackupMarker())
}

func (s *Switcher) SwapTo(variant ckdomain.Variant) error {
	current, err := s.CurrentVariant()
	if err != nil {
		return err
	}

	if current == variant {
		return nil
	}

	template := s.layout.Template(variant)
	if template == "" {
		return ckdomain.NewError(ckdomain.ConfigMissing, fmt.Sprintf("no template for variant %s", variant), nil)
	}

	templateContent, err := ioutil.ReadFile(template)
	if err != nil {
		if os.IsNotExist(err) {
			return ckdomain.NewError(ckdomain.ConfigMissing, "template missing: "+template, nil)
		}

		return err
	}

	if current != ckdomain.Unknown {
		// an existing marker is older truth (stale swap). never overwrite it
		hasBackup, err := s.HasBackup()
		if err != nil {
			return err
		}

		if !hasBackup {
			activeContent, err := ioutil.ReadFile(s.layout.ActiveConf())
			if err != nil {
				return err
			}

			if err := writeFileAtomic(s.layout.BackupMarker(), activeContent); err != nil {
				return fmt.Errorf("save backup marker: %w", err)
			}
		}
	}

	if err := writeFileAtomic(s.layout.ActiveConf(), templateContent); err != nil {
		return fmt.Errorf("activate %s: %w", variant, err)
	}

	s.logl.Info.Printf("swapped proxy config %s -> %s", current, variant)

	return nil
}

// moves the backup marker over the active config. no-op without a marker
func (s *Switcher) RestoreIfBackedUp() (bool, error) {
	hasBackup, err := s.HasBackup()
	if err != nil || !hasBackup {
		return false, err
	}

	if err := os.Rename(s.layout.BackupMarker(), s.layout.ActiveConf()); err != nil {
		return false, fmt.Errorf("restore backup marker: %w", err)
	}

	restored, _ := s.CurrentVariant()

	s.logl.Info.Printf("restored pre-swap proxy config (%s)", restored)

	return true, nil
}

// forgets the pre-swap config, making the current active config the final one
func (s *Switcher) DiscardBackup() error {
	if err := os.Remove(s.layout.BackupMarker()); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// makes variant the final active config and leaves no marker behind. prefers the
// backed-up config when it already is that variant (it's what the operator had).
func (s *Switcher) Promote(variant ckdomain.Variant) error {
	backupVariant, err := s.BackupVariant()
	if err != nil {
		return err
	}

	if backupVariant == variant {
		_, err := s.RestoreIfBackedUp()
		return err
	}

	if err := s.SwapTo(variant); err != nil {
		return err
	}

	return s.DiscardBackup()
}

func variantOfFile(path string) (ckdomain.Variant, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ckdomain.Unknown, nil
		}

		return ckdomain.Unknown, err
	}

	return DetectVariant(content), nil
}

// TLS if any non-comment line has a TLS-listening directive. lines have no length limit
func DetectVariant(conf []byte) ckdomain.Variant {
	for _, line := range bytes.Split(conf, []byte("\n")) {
		if idx := bytes.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}

		if isTLSListen(string(line)) {
			return ckdomain.TLSEnabled
		}
	}

	return ckdomain.HTTPOnly
}

// "listen 443 ssl;", "listen [::]:443 ssl http2;", "listen 8443 ssl;", "listen 443;"
func isTLSListen(line string) bool {
	for _, directive := range strings.Split(line, ";") {
		fields := strings.Fields(directive)

		for idx, field := range fields {
			if field != "listen" {
				continue
			}

			for _, arg := range fields[idx+1:] {
				if arg == "ssl" || arg == "443" || strings.HasSuffix(arg, ":443") {
					return true
				}
			}
		}
	}

	return false
}

// readers never see half-written config. the proxy may run as another user
func writeFileAtomic(path string, content []byte) error {
	if err := atomicfilewrite.Write(path, func(sink io.Writer) error {
		_, err := sink.Write(content)
		return err
	}); err != nil {
		return err
	}

	return os.Chmod(path, 0644)
}

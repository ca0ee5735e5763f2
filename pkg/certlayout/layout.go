// Deterministic on-disk layout under one managed root. Passed explicitly to every
// component so tests can substitute an isolated root.
package certlayout

import (
	"os"
	"path/filepath"

	"github.com/function61/certkeeper/pkg/ckdomain"
)

type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// ACME client --config-dir
func (l Layout) ConfigDir() string {
	return filepath.Join(l.Root, "store", "conf")
}

func (l Layout) WorkDir() string {
	return filepath.Join(l.ConfigDir(), "work")
}

func (l Layout) LogsDir() string {
	return filepath.Join(l.ConfigDir(), "logs")
}

// ACME account of the in-process client. outside the store so permission
// normalization never makes the account key readable to the proxy
func (l Layout) LegoAccount() string {
	return filepath.Join(l.Root, "accounts", "lego", "account.json")
}

func (l Layout) LiveDir(domain ckdomain.Domain) string {
	return filepath.Join(l.ConfigDir(), "live", string(domain))
}

func (l Layout) FullChain(domain ckdomain.Domain) string {
	return filepath.Join(l.LiveDir(domain), "fullchain.pem")
}

func (l Layout) PrivateKey(domain ckdomain.Domain) string {
	return filepath.Join(l.LiveDir(domain), "privkey.pem")
}

func (l Layout) Chain(domain ckdomain.Domain) string {
	return filepath.Join(l.LiveDir(domain), "chain.pem")
}

func (l Layout) ProxyDir() string {
	return filepath.Join(l.Root, "proxy")
}

// the file the proxy reads
func (l Layout) ActiveConf() string {
	return filepath.Join(l.ProxyDir(), "active.conf")
}

// evidence of an in-progress swap
func (l Layout) BackupMarker() string {
	return l.ActiveConf() + ".bak"
}

func (l Layout) Template(variant ckdomain.Variant) string {
	switch variant {
	case ckdomain.HTTPOnly:
		return filepath.Join(l.ProxyDir(), "variant.http-only.conf")
	case ckdomain.TLSEnabled:
		return filepath.Join(l.ProxyDir(), "variant.tls.conf")
	default:
		return ""
	}
}

// creates the ACME client's scratch/log space
func (l Layout) Ensure() error {
	for _, dir := range []string{l.ConfigDir(), l.WorkDir(), l.LogsDir(), l.ProxyDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

package certificatestore

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/cryptoutil"
)

var ErrNoBundle = errors.New("certificate bundle not found")

type Store struct {
	layout certlayout.Layout
}

func New(layout certlayout.Layout) *Store {
	return &Store{layout}
}

// a bundle exists when its chain file is present and non-empty. the ACME clients only
// publish complete bundles, so partial material never passes this check.
func (s *Store) Exists(domain ckdomain.Domain) (bool, error) {
	info, err := os.Stat(s.layout.FullChain(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// parses the leaf cert of the bundle. returns ErrNoBundle if it does not exist
func (s *Store) Inspect(domain ckdomain.Domain) (*Bundle, error) {
	exists, err := s.Exists(domain)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoBundle
	}

	chainPem, err := ioutil.ReadFile(s.layout.FullChain(domain))
	if err != nil {
		return nil, err
	}

	leaf, err := cryptoutil.ParsePemX509Certificate(chainPem)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.layout.FullChain(domain), err)
	}

	return &Bundle{
		Domain:         domain,
		FullChainPath:  s.layout.FullChain(domain),
		PrivateKeyPath: s.layout.PrivateKey(domain),
		NotAfter:       leaf.NotAfter,
		RenewAt:        renewAtFromExpiration(leaf.NotAfter),
	}, nil
}

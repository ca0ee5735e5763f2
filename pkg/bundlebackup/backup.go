// Off-host backup of the certificate bundle. The private key is readable only with the
// operator's RSA key, so the backup can be stored anywhere.
package bundlebackup

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/function61/certkeeper/pkg/certificatestore"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/pkencryptedstream"
)

type Backup struct {
	Domain               ckdomain.Domain `json:"domain"`
	FullChain            string          `json:"fullchain"`          // public material, stored as-is
	KeyFingerprint       string          `json:"key_fingerprint"`    // .. of the key that encrypted the private key
	PrivateKeyCiphertext []byte          `json:"privkey_ciphertext"` // gokit/pkencryptedstream
}

func Seal(bundle *certificatestore.Bundle, pubKey *rsa.PublicKey) (*Backup, error) {
	fullChain, err := ioutil.ReadFile(bundle.FullChainPath)
	if err != nil {
		return nil, err
	}

	privateKey, err := ioutil.ReadFile(bundle.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	fingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(pubKey)
	if err != nil {
		return nil, err
	}

	ciphertext := &bytes.Buffer{}
	encrypt, err := pkencryptedstream.Writer(ciphertext, pubKey)
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(encrypt, bytes.NewReader(privateKey)); err != nil {
		return nil, err
	}

	if err := encrypt.Close(); err != nil {
		return nil, err
	}

	return &Backup{
		Domain:               bundle.Domain,
		FullChain:            string(fullChain),
		KeyFingerprint:       fingerprint,
		PrivateKeyCiphertext: ciphertext.Bytes(),
	}, nil
}

func (b *Backup) OpenPrivateKey(privKey *rsa.PrivateKey) ([]byte, error) {
	fingerprint, err := cryptoutil.Sha256FingerprintForPublicKey(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	if b.KeyFingerprint != fingerprint {
		return nil, fmt.Errorf(
			"backup was encrypted with key fingerprint %s, tried to open with %s",
			b.KeyFingerprint,
			fingerprint)
	}

	plaintextReader, err := pkencryptedstream.Reader(bytes.NewReader(b.PrivateKeyCiphertext), privKey)
	if err != nil {
		return nil, err
	}

	return ioutil.ReadAll(plaintextReader)
}

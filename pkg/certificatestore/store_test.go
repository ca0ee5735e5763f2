package certificatestore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/function61/certkeeper/internal/testcert"
	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/gokit/assert"
)

func TestExists(t *testing.T) {
	layout := certlayout.New(t.TempDir())
	certs := New(layout)

	exists, err := certs.Exists("example.org")
	assert.Ok(t, err)
	assert.Assert(t, !exists)

	assert.Ok(t, os.MkdirAll(layout.LiveDir("example.org"), 0755))

	// zero-sized chain is not a bundle (interrupted write)
	assert.Ok(t, ioutil.WriteFile(layout.FullChain("example.org"), nil, 0644))
	exists, err = certs.Exists("example.org")
	assert.Ok(t, err)
	assert.Assert(t, !exists)

	assert.Ok(t, ioutil.WriteFile(layout.FullChain("example.org"), []byte("dummy"), 0644))
	exists, err = certs.Exists("example.org")
	assert.Ok(t, err)
	assert.Assert(t, exists)

	// other domains are not affected
	exists, err = certs.Exists("example.com")
	assert.Ok(t, err)
	assert.Assert(t, !exists)
}

func TestExistsDirectoryIsNotBundle(t *testing.T) {
	layout := certlayout.New(t.TempDir())

	assert.Ok(t, os.MkdirAll(filepath.Join(layout.FullChain("example.org"), "nested"), 0755))

	exists, err := New(layout).Exists("example.org")
	assert.Ok(t, err)
	assert.Assert(t, !exists)
}

func TestInspect(t *testing.T) {
	layout := certlayout.New(t.TempDir())
	certs := New(layout)

	_, err := certs.Inspect("example.org")
	assert.Assert(t, err == ErrNoBundle)

	notAfter := time.Date(2020, 1, 31, 16, 54, 0, 0, time.UTC)

	certPem, keyPem := testcert.Generate(t, "example.org", notAfter)

	assert.Ok(t, os.MkdirAll(layout.LiveDir("example.org"), 0755))
	assert.Ok(t, ioutil.WriteFile(layout.FullChain("example.org"), certPem, 0644))
	assert.Ok(t, ioutil.WriteFile(layout.PrivateKey("example.org"), keyPem, 0600))

	bundle, err := certs.Inspect("example.org")
	assert.Ok(t, err)
	assert.EqualString(t, bundle.NotAfter.Format(time.RFC3339), "2020-01-31T16:54:00Z")
	assert.EqualString(t, bundle.RenewAt.Format(time.RFC3339), "2019-12-31T16:54:00Z")
	assert.EqualString(t, bundle.PrivateKeyPath, layout.PrivateKey("example.org"))
}

func TestInspectGarbage(t *testing.T) {
	layout := certlayout.New(t.TempDir())

	assert.Ok(t, os.MkdirAll(layout.LiveDir("example.org"), 0755))
	assert.Ok(t, ioutil.WriteFile(layout.FullChain("example.org"), []byte("not pem"), 0644))

	_, err := New(layout).Inspect("example.org")
	assert.Assert(t, err != nil)
}

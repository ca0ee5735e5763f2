package lifecycle

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/function61/certkeeper/pkg/certificatestore"
	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/certkeeper/pkg/proxyconf"
	"github.com/function61/gokit/assert"
)

const (
	testDomain = ckdomain.Domain("example.org")

	httpOnlyConf = "server { listen 80; }\n"
	tlsConf      = "server { listen 80; }\nserver { listen 443 ssl; }\n"
)

func TestObtainColdStart(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)

	result := env.orchestrator.Obtain(context.Background())
	assert.EqualString(t, result.String(), "Succeeded")
	assert.Assert(t, result.ExitCode() == 0)
	assert.EqualString(t, env.orchestrator.State().String(), "Obtained")

	assert.EqualString(t, env.proxy.log(), "stop,start")
	assert.Assert(t, env.acme.obtains == 1)
	assert.Assert(t, env.perms.normalized == 1)
	env.assertActive(t, tlsConf)
	env.assertNoMarker(t)

	// second run must not touch the CA nor the proxy
	result = env.orchestrator.Obtain(context.Background())
	assert.EqualString(t, result.String(), "SkippedAlreadyCurrent")
	assert.Assert(t, result.ExitCode() == 0)
	assert.Assert(t, env.acme.obtains == 1)
	assert.EqualString(t, env.proxy.log(), "stop,start")
}

func TestObtainFromStaleTLSConfig(t *testing.T) {
	env := newTestEnv(t, tlsConf)

	// validation must run against the HTTP-only config
	env.proxy.onStop = func() {
		env.assertActive(t, httpOnlyConf)
	}

	result := env.orchestrator.Obtain(context.Background())
	assert.Assert(t, result.Ok())

	env.assertActive(t, tlsConf)
	env.assertNoMarker(t)
}

func TestObtainFailureNeverLeavesTLSWithoutBundle(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.acme.obtainErr = ckdomain.NewError(ckdomain.RateLimited, "too many certificates", nil)

	result := env.orchestrator.Obtain(context.Background())
	assert.Assert(t, result.ExitCode() == 1)
	assert.EqualString(t, result.Reason().String(), "RateLimited")
	assert.Assert(t, errors.Is(result.Err, ckdomain.ErrRateLimited))
	assert.EqualString(t, env.orchestrator.State().String(), "Failed")

	env.assertActive(t, httpOnlyConf)
	env.assertNoMarker(t)

	// partial store is still normalized. proxy stays stopped
	assert.Assert(t, env.perms.normalized == 1)
	assert.EqualString(t, env.proxy.log(), "stop")
}

func TestObtainFailureKeepsHTTPOnlyConfig(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)
	env.acme.obtainErr = ckdomain.NewError(ckdomain.ValidationFailed, "unauthorized", nil)

	result := env.orchestrator.Obtain(context.Background())
	assert.EqualString(t, result.Reason().String(), "ValidationFailed")

	env.assertActive(t, httpOnlyConf)
	env.assertNoMarker(t)
}

func TestObtainProxyStopFailure(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.proxy.stopErr = ckdomain.NewError(ckdomain.ProxyControlFailed, "compose stop", nil)

	result := env.orchestrator.Obtain(context.Background())
	assert.EqualString(t, result.Reason().String(), "ProxyControlFailed")
	assert.Assert(t, env.acme.obtains == 0)

	env.assertActive(t, httpOnlyConf)
	env.assertNoMarker(t)
}

func TestObtainWithoutTLSTemplate(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)
	assert.Ok(t, os.Remove(env.layout.Template(ckdomain.TLSEnabled)))

	result := env.orchestrator.Obtain(context.Background())
	assert.EqualString(t, result.Reason().String(), "ConfigMissing")

	// certificate is there, so the proxy comes back up with what it had
	assert.EqualString(t, env.orchestrator.State().String(), "Obtained")
	assert.EqualString(t, env.proxy.log(), "stop,start")
	env.assertActive(t, httpOnlyConf)
	env.assertNoMarker(t)
}

func TestObtainRecoversInterruptedSwap(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)

	// killed after swapping away from TLS
	assert.Ok(t, ioutil.WriteFile(env.layout.BackupMarker(), []byte(tlsConf), 0644))

	result := env.orchestrator.Obtain(context.Background())
	assert.Assert(t, result.Ok())

	env.assertActive(t, tlsConf)
	env.assertNoMarker(t)
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)
	env.writeBundle(t, "old")
	assert.Ok(t, ioutil.WriteFile(env.layout.BackupMarker(), []byte(tlsConf), 0644))

	for i := 0; i < 2; i++ {
		assert.Ok(t, env.orchestrator.Recover())
		assert.EqualString(t, env.orchestrator.State().String(), "Obtained")
		env.assertActive(t, tlsConf)
		env.assertNoMarker(t)
	}

	assert.EqualString(t, env.proxy.log(), "")
}

func TestRenewNotYetObtained(t *testing.T) {
	env := newTestEnv(t, httpOnlyConf)

	result := env.orchestrator.Renew(context.Background())
	assert.EqualString(t, result.Reason().String(), "NotYetObtained")
	assert.Assert(t, result.ExitCode() == 1)
	assert.Assert(t, env.acme.renews == 0)
	assert.EqualString(t, env.proxy.log(), "")
}

func TestRenewStopsAndStarts(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.writeBundle(t, "old")

	result := env.orchestrator.Renew(context.Background())
	assert.Assert(t, result.Ok())
	assert.Assert(t, env.acme.renews == 1)
	assert.Assert(t, env.perms.normalized == 1)
	assert.EqualString(t, env.proxy.log(), "stop,start")
	assert.EqualString(t, env.orchestrator.State().String(), "Obtained")

	env.assertActive(t, tlsConf)
}

func TestRenewWithoutStopReloads(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.writeBundle(t, "old")
	env.orchestrator.conf.StopForRenewal = false

	result := env.orchestrator.Renew(context.Background())
	assert.Assert(t, result.Ok())
	assert.EqualString(t, env.proxy.log(), "reload")
}

func TestRenewFailureRestartsProxy(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.writeBundle(t, "old")
	env.acme.renewErr = ckdomain.NewError(ckdomain.RateLimited, "too many certificates", nil)

	result := env.orchestrator.Renew(context.Background())
	assert.EqualString(t, result.Reason().String(), "RateLimited")
	assert.Assert(t, result.ExitCode() == 1)

	// degraded, not down
	assert.EqualString(t, env.proxy.log(), "stop,start")
	assert.EqualString(t, env.orchestrator.State().String(), "Obtained")

	fullchain, err := ioutil.ReadFile(env.layout.FullChain(testDomain))
	assert.Ok(t, err)
	assert.EqualString(t, string(fullchain), "old")
	env.assertActive(t, tlsConf)
}

func TestRenewFailureWithRestartFailure(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.writeBundle(t, "old")
	env.acme.renewErr = ckdomain.NewError(ckdomain.ValidationFailed, "connection refused", nil)
	env.proxy.startErr = ckdomain.NewError(ckdomain.ProxyControlFailed, "compose start", nil)

	result := env.orchestrator.Renew(context.Background())

	// renewal failure is the headline
	assert.EqualString(t, result.Reason().String(), "ValidationFailed")
	assert.Assert(t, strings.Contains(result.Err.Error(), "compose start"))
}

func TestRenewStopFailureStartsProxy(t *testing.T) {
	env := newTestEnv(t, tlsConf)
	env.writeBundle(t, "old")
	env.proxy.stopErr = ckdomain.NewError(ckdomain.ProxyControlFailed, "compose stop", nil)

	result := env.orchestrator.Renew(context.Background())
	assert.EqualString(t, result.Reason().String(), "ProxyControlFailed")
	assert.Assert(t, env.acme.renews == 0)
	assert.EqualString(t, env.proxy.log(), "stop,start")
	assert.EqualString(t, env.orchestrator.State().String(), "Obtained")
}

type testEnv struct {
	layout       certlayout.Layout
	orchestrator *Orchestrator
	proxy        *fakeProxy
	acme         *fakeACME
	perms        *fakePerms
}

func newTestEnv(t *testing.T, activeConf string) *testEnv {
	t.Helper()

	layout := certlayout.New(t.TempDir())
	assert.Ok(t, layout.Ensure())

	assert.Ok(t, ioutil.WriteFile(layout.ActiveConf(), []byte(activeConf), 0644))
	assert.Ok(t, ioutil.WriteFile(layout.Template(ckdomain.HTTPOnly), []byte(httpOnlyConf), 0644))
	assert.Ok(t, ioutil.WriteFile(layout.Template(ckdomain.TLSEnabled), []byte(tlsConf), 0644))

	env := &testEnv{
		layout: layout,
		proxy:  &fakeProxy{},
		perms:  &fakePerms{},
	}
	env.acme = &fakeACME{env: env, t: t}

	env.orchestrator = New(
		Config{
			Domain:         testDomain,
			ContactEmail:   "admin@example.org",
			StoreDir:       layout.ConfigDir(),
			StopForRenewal: true,
		},
		certificatestore.New(layout),
		proxyconf.New(layout, nil),
		env.proxy,
		env.acme,
		env.perms,
		nil)

	return env
}

func (e *testEnv) writeBundle(t *testing.T, content string) {
	t.Helper()

	assert.Ok(t, os.MkdirAll(e.layout.LiveDir(testDomain), 0755))
	assert.Ok(t, ioutil.WriteFile(e.layout.FullChain(testDomain), []byte(content), 0644))
	assert.Ok(t, ioutil.WriteFile(e.layout.PrivateKey(testDomain), []byte("key"), 0600))
}

func (e *testEnv) assertActive(t *testing.T, expected string) {
	t.Helper()

	content, err := ioutil.ReadFile(e.layout.ActiveConf())
	assert.Ok(t, err)
	assert.EqualString(t, string(content), expected)
}

func (e *testEnv) assertNoMarker(t *testing.T) {
	t.Helper()

	_, err := os.Stat(e.layout.BackupMarker())
	assert.Assert(t, os.IsNotExist(err))
}

type fakeProxy struct {
	calls    []string
	stopErr  error
	startErr error
	onStop   func()
}

func (f *fakeProxy) Stop(_ context.Context) error {
	f.calls = append(f.calls, "stop")
	if f.onStop != nil {
		f.onStop()
	}
	return f.stopErr
}

func (f *fakeProxy) Start(_ context.Context) error {
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeProxy) Reload(_ context.Context) error {
	f.calls = append(f.calls, "reload")
	return nil
}

func (f *fakeProxy) log() string {
	return strings.Join(f.calls, ",")
}

// issues by writing a bundle into the store, like a real client would
type fakeACME struct {
	env       *testEnv
	t         *testing.T
	obtains   int
	renews    int
	obtainErr error
	renewErr  error
}

func (f *fakeACME) Obtain(_ context.Context, domain ckdomain.Domain, contactEmail string) error {
	f.obtains++

	if f.obtainErr != nil {
		return f.obtainErr
	}

	f.env.writeBundle(f.t, "new")
	return nil
}

func (f *fakeACME) Renew(_ context.Context, domain ckdomain.Domain) error {
	f.renews++

	if f.renewErr != nil {
		return f.renewErr
	}

	f.env.writeBundle(f.t, "renewed")
	return nil
}

type fakePerms struct {
	normalized int
}

func (f *fakePerms) Normalize(_ string) error {
	f.normalized++
	return nil
}

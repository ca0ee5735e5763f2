package acmerunner

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/function61/certkeeper/pkg/certificatestore"
	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/logex"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	legolog "github.com/go-acme/lego/v4/log"
	"github.com/go-acme/lego/v4/registration"
)

// in-process ACME client. publishes the same bundle layout as certbot does.
type Lego struct {
	layout          certlayout.Layout
	certs           *certificatestore.Store
	directoryURL    string
	email           string // account for renewals
	http01Addr      string // "host:port" the standalone challenge server binds
	http01Provider  challenge.Provider
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
	now             func() time.Time
	logl            *logex.Leveled
}

var _ Runner = (*Lego)(nil)

type LegoOption func(*Lego)

// replaces the standalone challenge server
func WithHTTP01Provider(provider challenge.Provider) LegoOption {
	return func(l *Lego) {
		l.http01Provider = provider
	}
}

func WithHTTP01Address(addr string) LegoOption {
	return func(l *Lego) {
		l.http01Addr = addr
	}
}

func NewLego(
	layout certlayout.Layout,
	directoryURL string,
	email string,
	logger *log.Logger,
	opts ...LegoOption,
) *Lego {
	if directoryURL == "" {
		directoryURL = lego.LEDirectoryProduction
	}

	l := &Lego{
		layout:        layout,
		certs:         certificatestore.New(layout),
		directoryURL:  directoryURL,
		email:         email,
		http01Addr:    ":80",
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
		now:  time.Now,
		logl: logex.Levels(logger),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// lego logs through a package-global logger
func SetLegoLogger(logger *log.Logger) {
	legolog.Logger = logger
}

func (l *Lego) Obtain(ctx context.Context, domain ckdomain.Domain, contactEmail string) error {
	return l.issue(ctx, domain, contactEmail)
}

// re-issues only when inside the renewal window of the current bundle
func (l *Lego) Renew(ctx context.Context, domain ckdomain.Domain) error {
	bundle, err := l.certs.Inspect(domain)
	if err != nil {
		if err == certificatestore.ErrNoBundle {
			return ckdomain.NewError(ckdomain.NotYetObtained, "no bundle to renew", nil)
		}

		return err
	}

	if !certificatestore.DueForRenewal(bundle, l.now()) {
		l.logl.Info.Printf("not due for renewal (renew at %s)", bundle.RenewAt.Format(time.RFC3339))
		return nil
	}

	return l.issue(ctx, domain, l.email)
}

func (l *Lego) issue(ctx context.Context, domain ckdomain.Domain, contactEmail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	user, err := loadAccount(l.layout.LegoAccount())
	if err != nil {
		return err
	}

	registered := user != nil
	if !registered {
		accountKey, err := l.accountKeyMaker()
		if err != nil {
			return fmt.Errorf("generate account key: %w", err)
		}

		user = &accountUser{
			email: contactEmail,
			key:   accountKey,
		}
	}

	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = l.directoryURL
	legoConfig.Certificate.KeyType = certcrypto.RSA2048

	client, err := l.clientFactory(legoConfig)
	if err != nil {
		return fmt.Errorf("create acme client: %w", err)
	}

	provider, err := l.challengeProvider()
	if err != nil {
		return err
	}

	if err := client.SetHTTP01Provider(provider); err != nil {
		return fmt.Errorf("configure http-01 provider: %w", err)
	}

	// new-registrations are rate limited too
	if !registered {
		reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return classifiedErr("register account", err)
		}
		user.registration = reg

		if err := saveAccount(l.layout.LegoAccount(), user); err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		l.logl.Info.Printf("registered ACME account for %s", user.email)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	l.logl.Info.Printf("requesting certificate for %s", domain)

	resource, err := client.Obtain(certificate.ObtainRequest{
		Domains: []string{string(domain)},
		Bundle:  true,
	})
	if err != nil {
		return classifiedErr("obtain certificate", err)
	}

	return l.publish(domain, resource)
}

func (l *Lego) challengeProvider() (challenge.Provider, error) {
	if l.http01Provider != nil {
		return l.http01Provider, nil
	}

	host, port, err := net.SplitHostPort(l.http01Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid http-01 address %q: %w", l.http01Addr, err)
	}

	return http01.NewProviderServer(host, port), nil
}

// writes the bundle into a staging dir and renames it in place, so the live dir only
// ever holds a complete bundle
func (l *Lego) publish(domain ckdomain.Domain, resource *certificate.Resource) error {
	if resource == nil || len(resource.Certificate) == 0 || len(resource.PrivateKey) == 0 {
		return ckdomain.NewError(ckdomain.Other, "incomplete certificate from ACME server", nil)
	}

	liveDir := l.layout.LiveDir(domain)

	if err := os.MkdirAll(filepath.Dir(liveDir), 0755); err != nil {
		return err
	}

	staging, err := ioutil.TempDir(filepath.Dir(liveDir), "."+string(domain)+".staging-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging) // no-op after successful rename

	if err := os.Chmod(staging, 0755); err != nil {
		return err
	}

	files := []struct {
		path    string
		content []byte
		mode    os.FileMode
	}{
		{filepath.Join(staging, filepath.Base(l.layout.PrivateKey(domain))), resource.PrivateKey, 0600},
		{filepath.Join(staging, filepath.Base(l.layout.Chain(domain))), resource.IssuerCertificate, 0644},
		{filepath.Join(staging, filepath.Base(l.layout.FullChain(domain))), resource.Certificate, 0644},
	}

	for _, file := range files {
		if err := ioutil.WriteFile(file.path, file.content, file.mode); err != nil {
			return err
		}
	}

	previous := liveDir + ".previous"
	if err := os.RemoveAll(previous); err != nil {
		return err
	}

	if err := os.Rename(liveDir, previous); err != nil && !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(staging, liveDir); err != nil {
		return err
	}

	if err := os.RemoveAll(previous); err != nil {
		l.logl.Error.Printf("remove previous bundle: %v", err)
	}

	l.logl.Info.Printf("published bundle to %s", liveDir)

	return nil
}

func classifiedErr(action string, err error) error {
	var kindErr *ckdomain.Error
	if errors.As(err, &kindErr) {
		return err
	}

	return ckdomain.NewError(classify(err.Error()), action, err)
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(config *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &legoClientAdapter{client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

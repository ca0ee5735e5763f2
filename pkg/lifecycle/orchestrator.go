// Lifecycle state machine of the domain's certificate: Obtain and Renew.
//
// Runs strictly sequentially and holds no lock: overlapping invocations must be prevented
// by whoever schedules us. A killed run may leave a config backup marker behind, which
// the next run resolves before doing anything else.
package lifecycle

import (
	"context"
	"log"

	"github.com/function61/certkeeper/pkg/acmerunner"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/certkeeper/pkg/proxyconf"
	"github.com/function61/certkeeper/pkg/proxyctl"
	"github.com/function61/gokit/logex"
	"github.com/hashicorp/go-multierror"
)

type State int

const (
	NoCertificate State = iota
	Obtaining
	Obtained
	Renewing
	Failed
)

func (s State) String() string {
	switch s {
	case NoCertificate:
		return "NoCertificate"
	case Obtaining:
		return "Obtaining"
	case Obtained:
		return "Obtained"
	case Renewing:
		return "Renewing"
	default:
		return "Failed"
	}
}

type CertificateInspector interface {
	Exists(domain ckdomain.Domain) (bool, error)
}

type ConfigSwitcher interface {
	CurrentVariant() (ckdomain.Variant, error)
	Scope() *proxyconf.Swap
	RestoreIfBackedUp() (bool, error)
}

type PermissionNormalizer interface {
	Normalize(path string) error
}

type Config struct {
	Domain       ckdomain.Domain
	ContactEmail string
	StoreDir     string // normalized after every store mutation
	// standalone validation needs the port the running proxy holds
	StopForRenewal bool
}

type Orchestrator struct {
	conf     Config
	certs    CertificateInspector
	switcher ConfigSwitcher
	proxy    proxyctl.Controller
	acme     acmerunner.Runner
	perms    PermissionNormalizer
	state    State
	logl     *logex.Leveled
}

func New(
	conf Config,
	certs CertificateInspector,
	switcher ConfigSwitcher,
	proxy proxyctl.Controller,
	acme acmerunner.Runner,
	perms PermissionNormalizer,
	logger *log.Logger,
) *Orchestrator {
	return &Orchestrator{
		conf:     conf,
		certs:    certs,
		switcher: switcher,
		proxy:    proxy,
		acme:     acme,
		perms:    perms,
		state:    NoCertificate,
		logl:     logex.Levels(logger),
	}
}

// state after the last operation (or as resolved from disk if none ran yet)
func (o *Orchestrator) State() State {
	return o.state
}

// resolves a backup marker left behind by an interrupted run and syncs state with the
// certificate store
func (o *Orchestrator) Recover() error {
	restored, err := o.switcher.RestoreIfBackedUp()
	if err != nil {
		return err
	}
	if restored {
		o.logl.Info.Println("recovered proxy config from interrupted run")
	}

	exists, err := o.certs.Exists(o.conf.Domain)
	if err != nil {
		return err
	}

	if exists {
		o.state = Obtained
	} else {
		o.state = NoCertificate
	}

	return nil
}

func (o *Orchestrator) Obtain(ctx context.Context) ckdomain.OperationResult {
	if err := o.Recover(); err != nil {
		return o.fail(err)
	}

	// never re-obtain over an existing bundle (rate limits)
	if o.state == Obtained {
		o.logl.Info.Printf("certificate for %s already exists", o.conf.Domain)
		return ckdomain.Skipped()
	}

	o.state = Obtaining

	variant, err := o.switcher.CurrentVariant()
	if err != nil {
		return o.fail(err)
	}

	swap := o.switcher.Scope()
	defer func() {
		if err := swap.Release(); err != nil {
			o.logl.Error.Printf("restore proxy config: %v", err)
		}
	}()

	// cold start with a stale TLS config but no certificate
	if variant == ckdomain.TLSEnabled {
		if err := swap.To(ckdomain.HTTPOnly); err != nil {
			return o.fail(err)
		}
	}

	if err := o.proxy.Stop(ctx); err != nil {
		return o.failObtain(err, swap, variant)
	}

	if err := o.acme.Obtain(ctx, o.conf.Domain, o.conf.ContactEmail); err != nil {
		o.logl.Error.Printf("obtain: %v", err)

		// best-effort over whatever partial state exists
		if normalizeErr := o.perms.Normalize(o.conf.StoreDir); normalizeErr != nil {
			o.logl.Error.Printf("normalize: %v", normalizeErr)
		}

		// proxy stays stopped: a failed Obtain needs an operator before traffic resumes
		return o.failObtain(err, swap, variant)
	}

	if err := o.perms.Normalize(o.conf.StoreDir); err != nil {
		o.logl.Error.Printf("normalize: %v", err)
	}

	o.state = Obtained

	// terminal variant is TLS, not the pre-operation one
	if err := swap.Commit(ckdomain.TLSEnabled); err != nil {
		o.logl.Error.Printf("activate TLS config: %v", err)
		return ckdomain.Failed(withCleanup(err, o.proxy.Start(ctx)))
	}

	if err := o.proxy.Start(ctx); err != nil {
		return ckdomain.Failed(err)
	}

	o.logl.Info.Printf("obtained certificate for %s", o.conf.Domain)

	return ckdomain.Succeeded()
}

func (o *Orchestrator) Renew(ctx context.Context) ckdomain.OperationResult {
	if err := o.Recover(); err != nil {
		return o.fail(err)
	}

	if o.state != Obtained {
		return ckdomain.Failed(ckdomain.NewError(
			ckdomain.NotYetObtained,
			"no certificate for "+string(o.conf.Domain)+"; run obtain first",
			nil))
	}

	o.state = Renewing
	defer func() {
		// the existing, still-valid-for-now certificate stays in place on failure
		o.state = Obtained
	}()

	stopped := false
	if o.conf.StopForRenewal {
		if err := o.proxy.Stop(ctx); err != nil {
			// the stop may have partially succeeded
			return ckdomain.Failed(withCleanup(err, o.proxy.Start(ctx)))
		}
		stopped = true
	}

	if err := o.acme.Renew(ctx, o.conf.Domain); err != nil {
		o.logl.Error.Printf("renew: %v", err)

		// degraded but non-fatal: service must not stay down because of a failed renewal
		if stopped {
			return ckdomain.Failed(withCleanup(err, o.proxy.Start(ctx)))
		}

		return ckdomain.Failed(err)
	}

	if err := o.perms.Normalize(o.conf.StoreDir); err != nil {
		o.logl.Error.Printf("normalize: %v", err)
	}

	// pick up the refreshed certificate
	if stopped {
		if err := o.proxy.Start(ctx); err != nil {
			return ckdomain.Failed(err)
		}
	} else {
		if err := o.proxy.Reload(ctx); err != nil {
			return ckdomain.Failed(err)
		}
	}

	o.logl.Info.Printf("renewal for %s done", o.conf.Domain)

	return ckdomain.Succeeded()
}

func (o *Orchestrator) fail(err error) ckdomain.OperationResult {
	o.state = Failed

	return ckdomain.Failed(err)
}

// without a certificate a restored TLS config would be broken, so a swap away from
// TLS is kept. any other pre-operation config is restored.
func (o *Orchestrator) failObtain(err error, swap *proxyconf.Swap, preOperation ckdomain.Variant) ckdomain.OperationResult {
	var cleanupErr error
	if preOperation == ckdomain.TLSEnabled {
		cleanupErr = swap.Keep()
	} else {
		cleanupErr = swap.Release()
	}

	return o.fail(withCleanup(err, cleanupErr))
}

func withCleanup(err error, cleanupErr error) error {
	if cleanupErr == nil {
		return err
	}

	return multierror.Append(err, cleanupErr)
}

package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"strings"
	"time"

	"github.com/function61/certkeeper/pkg/acmerunner"
	"github.com/function61/certkeeper/pkg/bundlebackup"
	"github.com/function61/certkeeper/pkg/certificatestore"
	"github.com/function61/certkeeper/pkg/certlayout"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/certkeeper/pkg/lifecycle"
	"github.com/function61/certkeeper/pkg/permissions"
	"github.com/function61/certkeeper/pkg/proxyconf"
	"github.com/function61/certkeeper/pkg/proxyctl"
	"github.com/function61/gokit/cryptoutil"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
	"github.com/scylladb/termtables"
)

// the wired-up components for one domain
type keeper struct {
	conf         *config
	layout       certlayout.Layout
	certs        *certificatestore.Store
	switcher     *proxyconf.Switcher
	orchestrator *lifecycle.Orchestrator
	logger       *log.Logger
}

func build(conf *config, logger *log.Logger) (*keeper, error) {
	layout := certlayout.New(conf.Root)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	acme, err := makeRunner(conf, layout, logger)
	if err != nil {
		return nil, err
	}

	perms, err := makeNormalizer(conf, logger)
	if err != nil {
		return nil, err
	}

	certs := certificatestore.New(layout)
	switcher := proxyconf.New(layout, logex.Prefix("proxyconf", logger))

	proxy := proxyctl.NewCompose(
		conf.ComposeBin,
		conf.ComposeFile,
		conf.ProxyService,
		strings.Fields(conf.ProxyReload),
		logex.Prefix("proxyctl", logger))

	orchestrator := lifecycle.New(
		lifecycle.Config{
			Domain:         conf.domain(),
			ContactEmail:   conf.ContactEmail,
			StoreDir:       layout.ConfigDir(),
			StopForRenewal: conf.StopToRenew,
		},
		certs,
		switcher,
		proxy,
		acme,
		perms,
		logex.Prefix("lifecycle", logger))

	return &keeper{
		conf:         conf,
		layout:       layout,
		certs:        certs,
		switcher:     switcher,
		orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

func makeRunner(conf *config, layout certlayout.Layout, logger *log.Logger) (acmerunner.Runner, error) {
	switch conf.AcmeClient {
	case acmeClientLego:
		acmerunner.SetLegoLogger(logex.Prefix("lego", logger))

		opts := []acmerunner.LegoOption{acmerunner.WithHTTP01Address(conf.HTTP01Addr)}

		if conf.HTTP01Bucket != "" {
			bucketProvider, err := acmerunner.NewS3HTTP01Provider(conf.HTTP01Bucket, conf.HTTP01Region)
			if err != nil {
				return nil, err
			}

			opts = append(opts, acmerunner.WithHTTP01Provider(bucketProvider))
		}

		return acmerunner.NewLego(
			layout,
			conf.AcmeDirectory,
			conf.ContactEmail,
			logex.Prefix("acmerunner", logger),
			opts...), nil
	case acmeClientCertbot:
		return acmerunner.NewCertbot(
			conf.CertbotBin,
			conf.AcmeDirectory,
			layout,
			logex.Prefix("acmerunner", logger)), nil
	default:
		return nil, fmt.Errorf("unsupported ACME client: %s", conf.AcmeClient)
	}
}

func makeNormalizer(conf *config, logger *log.Logger) (*permissions.Normalizer, error) {
	if conf.OwnerUser != "" {
		return permissions.ForUser(conf.OwnerUser, logex.Prefix("permissions", logger))
	}

	return permissions.New(conf.OwnerUID, conf.OwnerGID, logex.Prefix("permissions", logger)), nil
}

func (k *keeper) status(out io.Writer) error {
	if err := k.orchestrator.Recover(); err != nil {
		return err
	}

	variant, err := k.switcher.CurrentVariant()
	if err != nil {
		return err
	}

	view := termtables.CreateTable()
	view.AddHeaders("Domain", "State", "Proxy config", "Expires", "Renew at")

	expires, renewAt := "-", "-"

	bundle, err := k.certs.Inspect(k.conf.domain())
	switch err {
	case nil:
		expires = bundle.NotAfter.Format(time.RFC3339)
		renewAt = bundle.RenewAt.Format(time.RFC3339)

		if certificatestore.DueForRenewal(bundle, time.Now()) {
			renewAt += " (due)"
		}
	case certificatestore.ErrNoBundle:
	default:
		return err
	}

	view.AddRow(
		string(k.conf.domain()),
		k.orchestrator.State().String(),
		variant.String(),
		expires,
		renewAt)

	_, err = fmt.Fprint(out, view.Render())
	return err
}

func (k *keeper) export(pubKeyPath string, out io.Writer) error {
	pubKeyPem, err := ioutil.ReadFile(pubKeyPath)
	if err != nil {
		return err
	}

	pubKey, err := cryptoutil.ParsePemPkcs1EncodedRsaPublicKey(pubKeyPem)
	if err != nil {
		return err
	}

	bundle, err := k.certs.Inspect(k.conf.domain())
	if err != nil {
		if err == certificatestore.ErrNoBundle {
			return ckdomain.NewError(ckdomain.NotYetObtained, "nothing to export", err)
		}

		return err
	}

	backup, err := bundlebackup.Seal(bundle, pubKey)
	if err != nil {
		return err
	}

	return jsonfile.Marshal(out, backup)
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/function61/certkeeper/pkg/ckdomain"
	"github.com/function61/gokit/jsonfile"
	"github.com/joho/godotenv"
)

const (
	acmeClientCertbot = "certbot"
	acmeClientLego    = "lego"
)

type config struct {
	Domain       string `json:"domain" env:"CERTKEEPER_DOMAIN" envDefault:"example.org"`
	ContactEmail string `json:"contact_email" env:"CERTKEEPER_EMAIL" envDefault:"admin@example.org"`
	Root         string `json:"root" env:"CERTKEEPER_ROOT" envDefault:"/srv/certkeeper"`

	AcmeClient    string `json:"acme_client" env:"CERTKEEPER_ACME_CLIENT" envDefault:"certbot"`
	CertbotBin    string `json:"certbot_bin" env:"CERTKEEPER_CERTBOT_BIN" envDefault:"certbot"`
	AcmeDirectory string `json:"acme_directory,omitempty" env:"CERTKEEPER_ACME_DIRECTORY"` // empty = Let's Encrypt production

	// lego only
	HTTP01Addr   string `json:"http01_addr" env:"CERTKEEPER_HTTP01_ADDR" envDefault:":80"`
	HTTP01Bucket string `json:"http01_bucket,omitempty" env:"CERTKEEPER_HTTP01_BUCKET"` // (optional) upload challenges here instead of serving them
	HTTP01Region string `json:"http01_region,omitempty" env:"CERTKEEPER_HTTP01_REGION"` // e.g. "us-east-1"

	ComposeBin    string `json:"compose_bin" env:"CERTKEEPER_COMPOSE_BIN" envDefault:"docker"`
	ComposeFile   string `json:"compose_file" env:"CERTKEEPER_COMPOSE_FILE"`
	ProxyService  string `json:"proxy_service" env:"CERTKEEPER_PROXY_SERVICE" envDefault:"nginx"`
	ProxyReload   string `json:"proxy_reload" env:"CERTKEEPER_PROXY_RELOAD" envDefault:"nginx -s reload"`
	StopToRenew   bool   `json:"stop_for_renewal" env:"CERTKEEPER_STOP_FOR_RENEWAL" envDefault:"true"`
	OwnerUser     string `json:"owner_user,omitempty" env:"CERTKEEPER_OWNER_USER"`
	OwnerUID      int    `json:"owner_uid" env:"CERTKEEPER_OWNER_UID" envDefault:"-1"`
	OwnerGID      int    `json:"owner_gid" env:"CERTKEEPER_OWNER_GID" envDefault:"-1"`
}

// .env in the working directory is optional
func loadConfig() (*config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loadConfig: .env: %w", err)
	}

	return parseConfig(env.Options{})
}

func parseConfig(opts env.Options) (*config, error) {
	conf := &config{}
	if err := env.ParseWithOptions(conf, opts); err != nil {
		return nil, fmt.Errorf("parseConfig: %w", err)
	}

	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("parseConfig: %w", err)
	}

	if conf.ComposeFile == "" {
		conf.ComposeFile = filepath.Join(conf.Root, "docker-compose.yml")
	}

	return conf, nil
}

func (c *config) validate() error {
	if _, err := ckdomain.ParseDomain(c.Domain); err != nil {
		return err
	}

	if !strings.Contains(c.ContactEmail, "@") {
		return fmt.Errorf("contact email looks invalid: %s", c.ContactEmail)
	}

	switch c.AcmeClient {
	case acmeClientCertbot, acmeClientLego:
	default:
		return fmt.Errorf("unsupported ACME client: %s", c.AcmeClient)
	}

	if c.HTTP01Bucket != "" && c.HTTP01Region == "" {
		return fmt.Errorf("HTTP-01 bucket given without region")
	}

	if len(strings.Fields(c.ProxyReload)) == 0 {
		return fmt.Errorf("empty proxy reload command")
	}

	return nil
}

func (c *config) domain() ckdomain.Domain {
	domain, err := ckdomain.ParseDomain(c.Domain)
	if err != nil { // validated on load
		panic(err)
	}

	return domain
}

func displayConfig(conf *config, out io.Writer) error {
	return jsonfile.Marshal(out, conf)
}

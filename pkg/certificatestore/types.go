// Store inspects the certificate bundle the ACME client publishes. It never mutates it.
package certificatestore

import (
	"time"

	"github.com/function61/certkeeper/pkg/ckdomain"
)

type Bundle struct {
	Domain         ckdomain.Domain `json:"domain"`
	FullChainPath  string          `json:"fullchain_path"`
	PrivateKeyPath string          `json:"privkey_path"`
	NotAfter       time.Time       `json:"not_after"`
	RenewAt        time.Time       `json:"renew_at"`
}

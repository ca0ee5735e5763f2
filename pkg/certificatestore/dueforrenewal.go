package certificatestore

import (
	"time"
)

func DueForRenewal(bundle *Bundle, now time.Time) bool {
	return bundle.RenewAt.Before(now)
}

// one month before
func renewAtFromExpiration(expires time.Time) time.Time {
	return expires.AddDate(0, -1, 0)
}

package service

import (
	"time"

	"github.com/zhejian/shortlink/internal/model"
)

// IsExpired reports whether m is no longer resolvable at now.
// The boundary instant itself counts as expired.
func IsExpired(m *model.Mapping, now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

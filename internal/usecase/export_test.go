package usecase

import (
	"io"
	"time"
)

// SetCodeRand replaces the randomness source of g.
func SetCodeRand(g *CodeGenerator, r io.Reader) {
	g.rand = r
}

// SetClock pins the clock of a use case built by one of the New* constructors.
func SetClock(uc any, now func() time.Time) {
	switch u := uc.(type) {
	case *activationCodeUC:
		u.now = now
	case *paymentUC:
		u.now = now
	case *provisioningUC:
		u.now = now
	case *webhookUC:
		u.now = now
	}
}

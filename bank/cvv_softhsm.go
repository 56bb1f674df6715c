//go:build softhsm

package bank

import (
	"fmt"

	"github.com/cyberbank/corebank/internal/security"
	"github.com/cyberbank/corebank/internal/security/hsm"
)

func newCVVProvider(cfg *Config) (security.CVVProvider, func(), error) {
	p := hsm.NewSoftHSMProvider(cfg.HSMModule, cfg.HSMSlot, cfg.HSMPin, cfg.HSMKeyLabel)
	if err := p.Open(); err != nil {
		return nil, nil, fmt.Errorf("opening hsm: %w", err)
	}
	return p, p.Close, nil
}

//go:build !softhsm

package bank

import "github.com/cyberbank/corebank/internal/security"

func newCVVProvider(cfg *Config) (security.CVVProvider, func(), error) {
	p, err := security.NewHMACProvider([]byte(cfg.CVKKey))
	if err != nil {
		return nil, nil, err
	}
	return p, p.Wipe, nil
}

//go:build softhsm

package hsm

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/expiry"
	"github.com/cyberbank/corebank/internal/security"
)

// SoftHSMProvider computes CVV2 as a 3DES MAC under a CVK held in a PKCS#11 token.
// Build with -tags softhsm; the default build carries no cgo dependency.
type SoftHSMProvider struct {
	libPath  string
	slotID   uint
	pin      string
	cvkLabel string

	mu   sync.Mutex
	p11  *pkcs11.Ctx
	sess pkcs11.SessionHandle
	cvk  pkcs11.ObjectHandle
}

func NewSoftHSMProvider(libPath string, slotID uint, pin, cvkLabel string) *SoftHSMProvider {
	return &SoftHSMProvider{libPath: libPath, slotID: slotID, pin: pin, cvkLabel: cvkLabel}
}

func (p *SoftHSMProvider) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib %s failed", p.libPath)
	}
	if err := p.p11.Initialize(); err != nil {
		return err
	}
	sess, err := p.p11.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		_ = p.p11.Finalize()
		return err
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		_ = p.p11.CloseSession(p.sess)
		_ = p.p11.Finalize()
		return err
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.cvkLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_DES3),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return err
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("cvk not found by label=%s", p.cvkLabel)
	}
	p.cvk = objs[0]
	return nil
}

func (p *SoftHSMProvider) Close() {
	if p.p11 == nil {
		return
	}
	if p.sess != 0 {
		_ = p.p11.Logout(p.sess)
		_ = p.p11.CloseSession(p.sess)
	}
	_ = p.p11.Finalize()
	p.p11.Destroy()
	p.p11 = nil
}

// decimalize maps the hex MAC to digits (a..f -> 0..5) and keeps the first n.
func decimalize(mac []byte, n int) string {
	hx := hex.EncodeToString(mac)
	out := make([]byte, 0, n)
	for i := 0; i < len(hx) && len(out) < n; i++ {
		c := hx[i]
		if c >= '0' && c <= '9' {
			out = append(out, c)
		} else {
			out = append(out, '0'+(c-'a'+10)%10)
		}
	}
	return string(out)
}

func (p *SoftHSMProvider) mac(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_DES3_MAC, nil)}
	if err := p.p11.SignInit(p.sess, mech, p.cvk); err != nil {
		return nil, err
	}
	return p.p11.Sign(p.sess, data)
}

func (p *SoftHSMProvider) ComputeCVV2(panNoCD, yymm, sc string, width int) (string, error) {
	if width != 4 {
		width = 3
	}
	if err := expiry.ValidateYYMM(yymm); err != nil {
		return "", err
	}
	if len(sc) != 3 || !cardgen.IsDigits(sc) {
		return "", fmt.Errorf("service code must be 3 digits")
	}
	if panNoCD == "" || !cardgen.IsDigits(panNoCD) {
		return "", fmt.Errorf("panNoCD must be digits only")
	}
	mac, err := p.mac([]byte(panNoCD + yymm + sc))
	if err != nil {
		return "", err
	}
	return decimalize(mac, width), nil
}

var _ security.CVVProvider = (*SoftHSMProvider)(nil)

package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	mu           sync.RWMutex
	defaultLoc   = time.UTC
	productYears = map[string]int{"credit": 3, "debit": 5}
)

// SetDefaultExpiryLocation sets the location expiry months are evaluated in (fallback UTC).
func SetDefaultExpiryLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	mu.Lock()
	defaultLoc = loc
	mu.Unlock()
}

// SetProductYears replaces the product -> validity years mapping.
func SetProductYears(m map[string]int) {
	if len(m) == 0 {
		return
	}
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[strings.ToLower(k)] = v
	}
	mu.Lock()
	productYears = cp
	mu.Unlock()
}

// YearsForProduct returns validity years for product unless override > 0. Unknown products get 5.
func YearsForProduct(product string, override int) int {
	if override > 0 {
		return override
	}
	mu.RLock()
	y, ok := productYears[strings.ToLower(product)]
	mu.RUnlock()
	if ok {
		return y
	}
	return 5
}

func location(loc *time.Location) *time.Location {
	if loc != nil {
		return loc
	}
	mu.RLock()
	defer mu.RUnlock()
	return defaultLoc
}

// StartOfDay is midnight of at's calendar day in the default expiry location.
func StartOfDay(at time.Time) time.Time {
	t := at.In(location(nil))
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// YYMM returns the expiry for a card issued at issue and valid for years.
func YYMM(issue time.Time, years int) string {
	t := issue.In(location(nil))
	return fmt.Sprintf("%02d%02d", (t.Year()+years)%100, int(t.Month()))
}

// CardFace converts YYMM to the MM/YY imprint.
func CardFace(yymm string) string {
	if ValidateYYMM(yymm) != nil {
		return ""
	}
	return yymm[2:] + "/" + yymm[:2]
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.ReplaceAll(strings.TrimSpace(in), "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	yymm := s[2:] + s[:2]
	if err := ValidateYYMM(yymm); err != nil {
		return "", err
	}
	return yymm, nil
}

// ParseYYMMEndOfMonth parses YYMM into the last instant of that month in loc.
func ParseYYMMEndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, location(loc)).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is strictly after the end of the YYMM month.
func IsExpired(yymm string, at time.Time, loc *time.Location) (bool, error) {
	end, err := ParseYYMMEndOfMonth(yymm, loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	if mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0'); mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

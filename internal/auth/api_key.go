package auth

import "crypto/subtle"

// KeyAllowList accepts only the configured keys.
type KeyAllowList struct {
	keys [][]byte
}

func NewKeyAllowList(keys []string) KeyAllowList {
	l := KeyAllowList{keys: make([][]byte, 0, len(keys))}
	for _, k := range keys {
		if k != "" {
			l.keys = append(l.keys, []byte(k))
		}
	}
	return l
}

func (l KeyAllowList) VerifyKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	candidate := []byte(key)
	match := 0
	// Compare against every entry so timing does not reveal which key matched.
	for _, k := range l.keys {
		match |= subtle.ConstantTimeCompare(candidate, k)
	}
	if match != 1 {
		return ErrInvalidKey
	}
	return nil
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

const MinSecretBytes = 16

// KeyDeriver turns session material into opaque cache keys so that raw
// tokens never reach the cache backend.
type KeyDeriver struct {
	secret []byte
}

func NewKeyDeriver(secret []byte) (*KeyDeriver, error) {
	if len(secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	return &KeyDeriver{secret: append([]byte(nil), secret...)}, nil
}

func (k *KeyDeriver) TokenKey(raw string) string {
	return k.derive("token:" + raw)
}

func (k *KeyDeriver) UserKey(userID int64) string {
	return k.derive("user:" + strconv.FormatInt(userID, 10))
}

func (k *KeyDeriver) derive(material string) string {
	mac := hmac.New(sha256.New, k.secret)
	_, _ = mac.Write([]byte(material))
	return hex.EncodeToString(mac.Sum(nil))
}

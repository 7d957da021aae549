package main

import (
	"crypto/hmac"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
)

// flagSpec names one per-user flag. Boolean flags never store a literal
// truth value; presence of any text means true.
type flagSpec struct {
	name      string
	isBoolean bool
}

var (
	managerFlag = flagSpec{name: "manager", isBoolean: true}
	noLimitFlag = flagSpec{name: "nolimit", isBoolean: true}
)

// obfuscatedFlagStore keeps sensitive per-user flags under HMAC-derived
// slot keys. This is key diversification only: anyone who can read the
// backing store and the secret can recover every flag. It exists to keep
// casual store listings from revealing which users hold which flags, and
// must not be treated as access control.
type obfuscatedFlagStore struct {
	store  keySlotStore
	secret []byte
	spec   flagSpec
}

func newObfuscatedFlagStore(store keySlotStore, secret []byte, spec flagSpec) *obfuscatedFlagStore {
	return &obfuscatedFlagStore{store: store, secret: secret, spec: spec}
}

func (o *obfuscatedFlagStore) hmacHex(data string) string {
	mac := hmac.New(sha256.New, o.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// storageKey derives the slot key for a user. The concatenation order
// flips on user id parity; the original service did this for "more
// unpredictability" and the permutation is carried as-is since keys
// derived under it are already in production stores.
func (o *obfuscatedFlagStore) storageKey(userID int64) string {
	id := strconv.FormatInt(userID, 10)
	var toHash string
	if userID%2 == 0 {
		toHash = id + o.spec.name
	} else {
		toHash = o.spec.name + id
	}
	return o.spec.name + "-" + o.hmacHex(toHash)
}

// GetBool reports whether the flag holds any value at all.
func (o *obfuscatedFlagStore) GetBool(userID int64) (bool, error) {
	raw, err := o.store.Get(userID, o.storageKey(userID))
	if err != nil {
		return false, err
	}
	return raw != "", nil
}

func (o *obfuscatedFlagStore) GetString(userID int64) (string, error) {
	return o.store.Get(userID, o.storageKey(userID))
}

// SetBool encodes true as a fresh random-looking token and false as the
// empty string. Nothing ever checks the token's content, only that a
// non-empty value is present.
func (o *obfuscatedFlagStore) SetBool(userID int64, value bool) error {
	encoded := ""
	if value {
		encoded = o.hmacHex(uuid.NewString())
	}
	return o.store.Set(userID, o.storageKey(userID), encoded)
}

func (o *obfuscatedFlagStore) SetString(userID int64, value string) error {
	return o.store.Set(userID, o.storageKey(userID), value)
}

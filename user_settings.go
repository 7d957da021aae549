package main

import "strconv"

// Scalar per-user options, each under its own slot key. Booleans are
// stored as "True"/"" and integers as decimal text, so values stay legible
// when inspecting the backing store directly.
const (
	settingKeyDPI            = "dpi"
	settingKeyCodeInCaption  = "code_in_caption"
	settingKeyTimeInCaption  = "time_in_caption"
	settingKeyLastRenderTime = "last_render_time"

	defaultDPI = 300

	minDPI       = 20
	maxDPI       = 1200
	maxDPIExempt = 10000
)

type userSettings struct {
	store keySlotStore
}

func newUserSettings(store keySlotStore) *userSettings {
	return &userSettings{store: store}
}

func (s *userSettings) getInt(userID int64, key string, fallback int64) (int64, error) {
	raw, err := s.store.Get(userID, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

func (s *userSettings) getBool(userID int64, key string) (bool, error) {
	raw, err := s.store.Get(userID, key)
	if err != nil {
		return false, err
	}
	return raw != "", nil
}

func (s *userSettings) setBool(userID int64, key string, value bool) error {
	encoded := ""
	if value {
		encoded = "True"
	}
	return s.store.Set(userID, key, encoded)
}

func (s *userSettings) DPI(userID int64) (int, error) {
	n, err := s.getInt(userID, settingKeyDPI, defaultDPI)
	return int(n), err
}

// SetDPI stores the value as-is. Range validation against the user's
// exemption status happens at the command layer, which knows the bound.
func (s *userSettings) SetDPI(userID int64, dpi int) error {
	return s.store.Set(userID, settingKeyDPI, strconv.Itoa(dpi))
}

func (s *userSettings) CodeInCaption(userID int64) (bool, error) {
	return s.getBool(userID, settingKeyCodeInCaption)
}

func (s *userSettings) SetCodeInCaption(userID int64, value bool) error {
	return s.setBool(userID, settingKeyCodeInCaption, value)
}

func (s *userSettings) TimeInCaption(userID int64) (bool, error) {
	return s.getBool(userID, settingKeyTimeInCaption)
}

func (s *userSettings) SetTimeInCaption(userID int64, value bool) error {
	return s.setBool(userID, settingKeyTimeInCaption, value)
}

func (s *userSettings) LastRenderTime(userID int64) (int64, error) {
	return s.getInt(userID, settingKeyLastRenderTime, 0)
}

func (s *userSettings) SetLastRenderTime(userID int64, unix int64) error {
	return s.store.Set(userID, settingKeyLastRenderTime, strconv.FormatInt(unix, 10))
}

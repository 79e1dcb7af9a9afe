////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"strings"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

// Storage values.
const (
	settingsKey     = "AppSettings"
	settingsVersion = 0
)

// ThemeMode is the colour scheme of the client.
type ThemeMode uint8

const (
	System ThemeMode = iota
	Light
	Dark
)

// String returns the name of the theme mode.
func (m ThemeMode) String() string {
	switch m {
	case System:
		return "system"
	case Light:
		return "light"
	case Dark:
		return "dark"
	default:
		return "INVALID THEME MODE"
	}
}

// ParseThemeMode parses the String form of a theme mode.
func ParseThemeMode(s string) (ThemeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return System, nil
	case "light":
		return Light, nil
	case "dark":
		return Dark, nil
	default:
		return System, errs.New(errs.InvalidEncoding, "unknown theme mode %q", s)
	}
}

// AppSettings are the preferences of the client shared by all accounts.
type AppSettings struct {
	ThemeMode ThemeMode `json:"themeMode"`
}

func loadSettings(kv *versioned.KV) (AppSettings, error) {
	var s AppSettings
	if err := kv.GetJSON(settingsKey, settingsVersion, &s); err != nil {
		if !kv.Exists(err) {
			return AppSettings{ThemeMode: System}, nil
		}
		return AppSettings{}, errs.StorageErr(err, "failed to load app settings")
	}
	return s, nil
}

// AppSettings returns the stored settings, or the defaults.
func (s *Session) AppSettings() (AppSettings, error) {
	s.settingsMux.Lock()
	defer s.settingsMux.Unlock()
	return loadSettings(s.kv)
}

// UpdateThemeMode stores a new theme mode.
func (s *Session) UpdateThemeMode(mode ThemeMode) (AppSettings, error) {
	s.settingsMux.Lock()
	defer s.settingsMux.Unlock()
	settings, err := loadSettings(s.kv)
	if err != nil {
		return AppSettings{}, err
	}
	settings.ThemeMode = mode
	if err = s.kv.SetJSON(settingsKey, settingsVersion, settings); err != nil {
		return AppSettings{}, errs.StorageErr(err, "failed to save app settings")
	}
	jww.INFO.Printf("[SES] Theme mode set to %s", mode)
	return settings, nil
}

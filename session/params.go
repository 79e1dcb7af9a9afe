////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/media"
	"gitlab.com/elixxir/whitenoise/monitor"
)

// Params configures a session.
type Params struct {
	// LookupWindow bounds a blocking lookup of a user or key package.
	LookupWindow time.Duration

	// BackgroundSyncTimeout bounds a background refresh of a user.
	BackgroundSyncTimeout time.Duration

	// PublishRate is the maximum number of events published per second. Zero
	// disables the limit.
	PublishRate int

	// MonitorPeriod is the delay between subscription sweeps.
	MonitorPeriod time.Duration

	// KeyPackageLifetime is the age after which fetched key packages are
	// ignored.
	KeyPackageLifetime time.Duration

	// MaxCommitAttempts is the number of times a commit is rebuilt after
	// losing a race for the next epoch.
	MaxCommitAttempts int

	// MaxSubscribeAttempts is the number of times one sweep tries to
	// subscribe an account.
	MaxSubscribeAttempts int

	// Relays given to new identities for each purpose
	DefaultNip65Relays      []string
	DefaultInboxRelays      []string
	DefaultKeyPackageRelays []string

	// DiscoveryRelays are queried for every user lookup.
	DiscoveryRelays []string

	// ImageMaxDimension bounds the sides of group images and profile pictures.
	ImageMaxDimension uint
}

// GetDefaultParams returns the default session parameters.
func GetDefaultParams() Params {
	return Params{
		LookupWindow:          5 * time.Second,
		BackgroundSyncTimeout: 30 * time.Second,
		PublishRate:           20,
		MonitorPeriod:         time.Minute,
		KeyPackageLifetime:    90 * 24 * time.Hour,
		MaxCommitAttempts:     groups.DefaultMaxCommitAttempts,
		MaxSubscribeAttempts:  monitor.DefaultMaxSubscribeAttempts,
		DefaultNip65Relays: []string{
			"wss://relay.damus.io", "wss://relay.primal.net", "wss://nos.lol"},
		DefaultInboxRelays: []string{
			"wss://relay.damus.io", "wss://relay.primal.net"},
		DefaultKeyPackageRelays: []string{
			"wss://relay.damus.io", "wss://nos.lol"},
		DiscoveryRelays: []string{
			"wss://purplepag.es", "wss://relay.nostr.band"},
		ImageMaxDimension: media.DefaultImageMaxDimension,
	}
}

// Marshal returns the JSON form of the parameters.
func (p Params) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// GetParameters returns the default Params, or override with given
// parameters, if set.
func GetParameters(params string) (Params, error) {
	p := GetDefaultParams()
	if len(params) > 0 {
		err := json.Unmarshal([]byte(params), &p)
		if err != nil {
			return Params{}, errors.Wrap(err, "failed to parse session parameters")
		}
	}
	return p, nil
}

////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/session"
	"gitlab.com/elixxir/whitenoise/transport"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWaitTimeout    = 30 * time.Second
)

// initSession opens the session in the storage directory. The returned
// function closes it and the relay connections.
func initSession() (*session.Session, func()) {
	params := session.GetDefaultParams()
	if path := viper.GetString(paramsFlag); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			jww.FATAL.Panicf("Failed to read params file: %+v", err)
		}
		if params, err = session.GetParameters(string(data)); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
	}

	var net transport.Transport
	var closeNet func()
	if viper.GetBool(offlineFlag) {
		net = transport.NewMemNetwork()
		closeNet = func() {}
	} else {
		relays := transport.NewNostrRelays(viper.GetDuration(connectTimeoutFlag))
		net = relays
		closeNet = func() {
			if err := relays.Close(); err != nil {
				jww.WARN.Printf("Failed to close relay connections: %+v", err)
			}
		}
	}

	storeDir := viper.GetString(sessionFlag)
	password := parsePassword(viper.GetString(passwordFlag))
	s, err := session.Open(storeDir, password, net, nil, params)
	if err != nil {
		jww.FATAL.Panicf("Failed to open session in %s: %+v", storeDir, err)
	}
	jww.INFO.Printf("Opened session in %s with %d accounts", storeDir,
		len(s.GetAccounts()))

	return s, func() {
		if err := s.Close(); err != nil {
			jww.ERROR.Printf("Failed to close session: %+v", err)
		}
		closeNet()
	}
}

// commandContext bounds the network work of one command.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(),
		viper.GetDuration(waitTimeoutFlag))
}

// activeAccount returns the account given by the account flag, or the only
// account of the session.
func activeAccount(s *session.Session) identity.PublicKey {
	if raw := viper.GetString(accountFlag); raw != "" {
		pk, err := identity.ParsePublicKey(raw)
		if err != nil {
			jww.FATAL.Panicf("Invalid account %q: %+v", raw, err)
		}
		if _, err = s.GetAccount(pk); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		return pk
	}
	all := s.GetAccounts()
	switch len(all) {
	case 0:
		jww.FATAL.Panicf("No accounts in the session, run \"account create\" first")
	case 1:
		return all[0].PubKey
	default:
		jww.FATAL.Panicf("The session holds %d accounts, select one with --%s",
			len(all), accountFlag)
	}
	return identity.PublicKey{}
}

// parsePublicKeys parses a comma separated list of npub or hex keys.
func parsePublicKeys(raw []string) []identity.PublicKey {
	var out []identity.PublicKey
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pk, err := identity.ParsePublicKey(entry)
		if err != nil {
			jww.FATAL.Panicf("Invalid public key %q: %+v", entry, err)
		}
		out = append(out, pk)
	}
	return out
}

// groupIDFlagValue parses the group flag.
func groupIDFlagValue() mls.GroupID {
	raw := viper.GetString(groupIDFlag)
	if raw == "" {
		jww.FATAL.Panicf("--%s is required", groupIDFlag)
	}
	id, err := mls.GroupIDFromHex(raw)
	if err != nil {
		jww.FATAL.Panicf("Invalid group id %q: %+v", raw, err)
	}
	return id
}

// printJSON writes the value to stdout as indented JSON.
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		jww.FATAL.Panicf("Failed to render output: %+v", err)
	}
	fmt.Println(string(data))
}

/////////////////////////////////////////////////////////////////////////////
// Password logic

func parsePassword(pwStr string) []byte {
	if strings.HasPrefix(pwStr, "0x") {
		return getPWFromHexString(pwStr[2:])
	} else if strings.HasPrefix(pwStr, "b64:") {
		return getPWFromb64String(pwStr[4:])
	} else {
		return []byte(pwStr)
	}
}

func getPWFromb64String(pwStr string) []byte {
	pwBytes, err := base64.StdEncoding.DecodeString(pwStr)
	if err != nil {
		jww.FATAL.Panicf("%+v", err)
	}
	return pwBytes
}

func getPWFromHexString(pwStr string) []byte {
	pwBytes, err := hex.DecodeString(pwStr)
	if err != nil {
		jww.FATAL.Panicf("%+v", err)
	}
	return pwBytes
}

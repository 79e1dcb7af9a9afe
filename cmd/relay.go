////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The relay subcommand manages the relay lists of an account

package cmd

import (
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/relays"
)

// relayCmd groups the relay list commands
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Manage the relay lists of an account",
	Args:  cobra.NoArgs,
}

var relayAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a relay to a list and republish it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		editRelay(args[0], true)
	},
}

var relayRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Remove a relay from a list and republish it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		editRelay(args[0], false)
	},
}

var relayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the relays of an account",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		pk := activeAccount(s)
		types := relays.AllTypes
		if viper.IsSet(relayTypeFlag) {
			types = []relays.Type{relayTypeFlagValue()}
		}
		out := make(map[string][]relays.Relay, len(types))
		for _, t := range types {
			list, err := s.Relays().ListRelays(pk, t)
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			out[t.String()] = list
		}
		printJSON(out)
	},
}

func editRelay(url string, add bool) {
	s, closeSession := initSession()
	defer closeSession()
	ctx, cancel := commandContext()
	defer cancel()

	pk := activeAccount(s)
	t := relayTypeFlagValue()
	var err error
	if add {
		err = s.AddRelay(ctx, pk, url, t)
	} else {
		err = s.RemoveRelay(ctx, pk, url, t)
	}
	if err != nil {
		jww.FATAL.Panicf("%+v", err)
	}
	jww.INFO.Printf("Updated %s relays of %s", t, pk)
}

func relayTypeFlagValue() relays.Type {
	raw := viper.GetString(relayTypeFlag)
	t, ok := relays.ParseType(raw)
	if !ok {
		jww.FATAL.Panicf("Unknown relay type %q, expected Nip65, Inbox or "+
			"KeyPackage", raw)
	}
	return t
}

func init() {
	relayCmd.PersistentFlags().StringP(relayTypeFlag, "t", relays.Nip65.String(),
		"Relay list: Nip65, Inbox or KeyPackage")
	bindPersistentFlagHelper(relayTypeFlag, relayCmd)

	relayCmd.AddCommand(relayAddCmd, relayRemoveCmd, relayListCmd)
	rootCmd.AddCommand(relayCmd)
}

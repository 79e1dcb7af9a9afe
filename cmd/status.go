////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The status subcommand syncs the accounts and reports relay health

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/monitor"
	"gitlab.com/elixxir/whitenoise/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Sync every account and print the state of its relays",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		if err := s.Monitor().EnsureAllSubscriptions(ctx); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		out := make(map[string][]monitor.RelayState)
		for _, a := range s.GetAccounts() {
			if err := s.Sync(ctx, a.PubKey); err != nil {
				jww.ERROR.Printf("Sync of %s failed: %+v", a.PubKey, err)
			}
			states, err := s.Monitor().FetchRelayStatus(a.PubKey)
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			out[a.PubKey.Npub()] = states
		}
		printJSON(out)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay subscribed and log relay changes until the wait timeout",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		id := s.Monitor().AddStatusCallback(func(account identity.PublicKey,
			relay string, status transport.RelayStatus) {
			fmt.Printf("%s %s %s\n", account.Npub(), relay, status)
		})
		defer s.Monitor().RemoveStatusCallback(id)

		if err := s.StartProcesses(); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		wait := viper.GetDuration(waitTimeoutFlag)
		jww.INFO.Printf("Listening for %s", wait)
		time.Sleep(wait)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, listenCmd)
}

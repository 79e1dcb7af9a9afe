////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The message subcommand sends and shows group messages

package cmd

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/protocol"
)

// messageCmd groups the message commands
var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Send and read group messages",
	Args:  cobra.NoArgs,
}

var messageSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message, reaction or deletion to a group",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk, id := activeAccount(s), groupIDFlagValue()
		switch {
		case viper.IsSet(reactFlag):
			target := viper.GetString(replyToFlag)
			if target == "" {
				jww.FATAL.Panicf("--%s names the message to react to", replyToFlag)
			}
			ev, err := s.SendReaction(ctx, pk, id, target, viper.GetString(reactFlag))
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			fmt.Println(ev.ID)
		case viper.IsSet(deleteFlag):
			ev, err := s.DeleteMessage(ctx, pk, id, viper.GetString(deleteFlag))
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			fmt.Println(ev.ID)
		case viper.IsSet(mediaPathFlag):
			f, err := s.UploadChatMedia(ctx, pk, id, viper.GetString(mediaPathFlag))
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			printJSON(f)
		default:
			var tags nostr.Tags
			if target := viper.GetString(replyToFlag); target != "" {
				tags = nostr.Tags{{protocol.TagEvent, target, "", protocol.MarkerReply}}
			}
			sent, err := s.SendMessage(ctx, pk, id, viper.GetString(messageFlag), 0, tags)
			if err != nil {
				jww.FATAL.Panicf("%+v", err)
			}
			fmt.Println(sent.Event.ID)
		}
	},
}

var messageListCmd = &cobra.Command{
	Use:   "list",
	Short: "Fetch new events and print the chat history of a group",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk, id := activeAccount(s), groupIDFlagValue()
		if err := s.Sync(ctx, pk); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		msgs, err := s.FetchAggregatedMessages(pk, id)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(msgs)
	},
}

func init() {
	messageSendCmd.Flags().StringP(messageFlag, "m", "", "Message to send")
	bindFlagHelper(messageFlag, messageSendCmd)
	messageSendCmd.Flags().String(reactFlag, "",
		"React to --replyTo with this emoji; empty retracts")
	bindFlagHelper(reactFlag, messageSendCmd)
	messageSendCmd.Flags().String(replyToFlag, "",
		"Event id of the message to reply or react to")
	bindFlagHelper(replyToFlag, messageSendCmd)
	messageSendCmd.Flags().String(deleteFlag, "",
		"Event id of an own message to delete")
	bindFlagHelper(deleteFlag, messageSendCmd)
	messageSendCmd.Flags().String(mediaPathFlag, "",
		"Encrypt and upload this file for the group")
	bindFlagHelper(mediaPathFlag, messageSendCmd)

	messageCmd.AddCommand(messageSendCmd, messageListCmd)
	rootCmd.AddCommand(messageCmd)
}

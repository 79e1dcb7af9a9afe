////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package protocol lists the relay event kinds and tag conventions used on the
// wire.
package protocol

// Event kinds.
const (
	KindMetadata         = 0
	KindContactList      = 3
	KindDeletion         = 5
	KindReaction         = 7
	KindChatMessage      = 9
	KindKeyPackage       = 443
	KindWelcome          = 444
	KindGroupMessage     = 445
	KindRelayList        = 10002
	KindInboxRelays      = 10050
	KindKeyPackageRelays = 10051
)

// Tag names.
const (
	TagEvent    = "e"
	TagPubkey   = "p"
	TagGroup    = "h"
	TagKind     = "k"
	TagRelay    = "relay"
	TagRelays   = "relays"
	TagRelayRef = "r"
	TagClient   = "client"
	TagExpire   = "expiration"

	TagMlsVersion  = "mls_protocol_version"
	TagCiphersuite = "ciphersuite"
	TagExtensions  = "extensions"

	MarkerReply = "reply"
	MarkerRoot  = "root"
)

// ClientName is advertised in the client tag of published events.
const ClientName = "whitenoise"

// MlsVersion is the protocol version advertised on key packages.
const MlsVersion = "1.0"

// Ciphersuite advertised on key packages (X25519, ChaCha20-Poly1305, SHA256).
const Ciphersuite = "0x0003"

// IsReplaceable reports whether relays keep only the newest event of the kind
// per author.
func IsReplaceable(kind int) bool {
	return kind == KindMetadata || kind == KindContactList ||
		(kind >= 10000 && kind < 20000)
}

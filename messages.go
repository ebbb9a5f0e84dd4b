package sshmux

// SSH-2 transport and connection protocol message type codes. The first
// payload byte of every framed packet is one of these.
const (
	msgDisconnect     byte = 1
	msgIgnore         byte = 2
	msgUnimplemented  byte = 3
	msgDebug          byte = 4
	msgServiceRequest byte = 5
	msgServiceAccept  byte = 6

	msgKexinit byte = 20
	msgNewkeys byte = 21

	msgKexdhInit  byte = 30
	msgKexdhReply byte = 31

	msgUserauthRequest byte = 50
	msgUserauthFailure byte = 51
	msgUserauthSuccess byte = 52
	msgUserauthBanner  byte = 53

	msgGlobalRequest  byte = 80
	msgRequestSuccess byte = 81
	msgRequestFailure byte = 82

	msgChannelOpen             byte = 90
	msgChannelOpenConfirmation byte = 91
	msgChannelOpenFailure      byte = 92
	msgChannelWindowAdjust     byte = 93
	msgChannelData             byte = 94
	msgChannelExtendedData     byte = 95
	msgChannelEOF              byte = 96
	msgChannelClose            byte = 97
	msgChannelRequest          byte = 98
	msgChannelSuccess          byte = 99
	msgChannelFailure          byte = 100
)

// Channel open failure reason codes.
const (
	openAdministrativelyProhibited uint32 = 1
	openConnectFailed              uint32 = 2
	openUnknownChannelType         uint32 = 3
	openResourceShortage           uint32 = 4
)

// Disconnect reason codes (subset actually emitted).
const (
	disconnectProtocolError        uint32 = 2
	disconnectKeyExchangeFailed    uint32 = 3
	disconnectMACError             uint32 = 5
	disconnectByApplication        uint32 = 11
	disconnectNoMoreAuthMethods    uint32 = 14
	disconnectIllegalUserName      uint32 = 15
)

// Extended data type code for the stderr stream.
const extendedDataStderr uint32 = 1

var messageNames = map[byte]string{
	msgDisconnect:              "SSH_MSG_DISCONNECT",
	msgIgnore:                  "SSH_MSG_IGNORE",
	msgUnimplemented:           "SSH_MSG_UNIMPLEMENTED",
	msgDebug:                   "SSH_MSG_DEBUG",
	msgServiceRequest:          "SSH_MSG_SERVICE_REQUEST",
	msgServiceAccept:           "SSH_MSG_SERVICE_ACCEPT",
	msgKexinit:                 "SSH_MSG_KEXINIT",
	msgNewkeys:                 "SSH_MSG_NEWKEYS",
	msgKexdhInit:               "SSH_MSG_KEXDH_INIT",
	msgKexdhReply:              "SSH_MSG_KEXDH_REPLY",
	msgUserauthRequest:         "SSH_MSG_USERAUTH_REQUEST",
	msgUserauthFailure:         "SSH_MSG_USERAUTH_FAILURE",
	msgUserauthSuccess:         "SSH_MSG_USERAUTH_SUCCESS",
	msgUserauthBanner:          "SSH_MSG_USERAUTH_BANNER",
	msgGlobalRequest:           "SSH_MSG_GLOBAL_REQUEST",
	msgRequestSuccess:          "SSH_MSG_REQUEST_SUCCESS",
	msgRequestFailure:          "SSH_MSG_REQUEST_FAILURE",
	msgChannelOpen:             "SSH_MSG_CHANNEL_OPEN",
	msgChannelOpenConfirmation: "SSH_MSG_CHANNEL_OPEN_CONFIRMATION",
	msgChannelOpenFailure:      "SSH_MSG_CHANNEL_OPEN_FAILURE",
	msgChannelWindowAdjust:     "SSH_MSG_CHANNEL_WINDOW_ADJUST",
	msgChannelData:             "SSH_MSG_CHANNEL_DATA",
	msgChannelExtendedData:     "SSH_MSG_CHANNEL_EXTENDED_DATA",
	msgChannelEOF:              "SSH_MSG_CHANNEL_EOF",
	msgChannelClose:            "SSH_MSG_CHANNEL_CLOSE",
	msgChannelRequest:          "SSH_MSG_CHANNEL_REQUEST",
	msgChannelSuccess:          "SSH_MSG_CHANNEL_SUCCESS",
	msgChannelFailure:          "SSH_MSG_CHANNEL_FAILURE",
}

// messageName returns a printable name for a message type code.
func messageName(t byte) string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return "SSH_MSG_UNKNOWN"
}

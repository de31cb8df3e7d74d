package types

// Channel identifies which entry surface a request came through.
// External requests are signed by third-party clients; internal requests
// carry a JWT-authenticated user and participate in conversation state.
type Channel string

const (
	ChannelExternal Channel = "external"
	ChannelInternal Channel = "internal"
)

// Capability is the kind of work a request asks for.
type Capability string

const (
	CapabilityChat          Capability = "chat"
	CapabilityEmbedding     Capability = "embedding"
	CapabilityImage         Capability = "image"
	CapabilitySpeechToText  Capability = "speech_to_text"
	CapabilityTextToSpeech  Capability = "text_to_speech"
	CapabilityVideo         Capability = "video"
)

// Valid reports whether the channel is one of the known values.
func (c Channel) Valid() bool {
	return c == ChannelExternal || c == ChannelInternal
}

// Valid reports whether the capability is one of the known values.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityChat, CapabilityEmbedding, CapabilityImage,
		CapabilitySpeechToText, CapabilityTextToSpeech, CapabilityVideo:
		return true
	}
	return false
}

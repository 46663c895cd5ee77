package voicechat

import (
	"github.com/pion/webrtc/v4"
)

type EventName string

const (
	EventConnect                  EventName = "connect"
	EventDisconnect               EventName = "disconnect"
	EventConnectionStateChange    EventName = "connectionStateChange"
	EventICEConnectionStateChange EventName = "iceConnectionStateChange"
	EventTrack                    EventName = "track"
	EventSubtitle                 EventName = "subtitle"
	EventMessage                  EventName = "message"
	EventDataChannelOpen          EventName = "dataChannelOpen"
	EventDataChannelClose         EventName = "dataChannelClose"
	EventError                    EventName = "error"
	EventLog                      EventName = "log"
)

// AllEvents lists every name a Bus can carry.
var AllEvents = []EventName{
	EventConnect,
	EventDisconnect,
	EventConnectionStateChange,
	EventICEConnectionStateChange,
	EventTrack,
	EventSubtitle,
	EventMessage,
	EventDataChannelOpen,
	EventDataChannelClose,
	EventError,
	EventLog,
}

// Event is the closed set of payloads published on a Bus.
type Event interface {
	Name() EventName
	isEvent()
}

type ConnectEvent struct {
	WebRTCID string
}

type DisconnectEvent struct {
	WebRTCID string
}

type ConnectionStateChangeEvent struct {
	State     ConnectionState
	PeerState webrtc.PeerConnectionState
}

type ICEConnectionStateChangeEvent struct {
	State webrtc.ICEConnectionState
}

type TrackEvent struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
}

type SubtitleEvent struct {
	WebRTCID string
	Subtitle Subtitle
}

type MessageEvent struct {
	Message DataMessage
}

type DataChannelOpenEvent struct {
	Label string
}

type DataChannelCloseEvent struct {
	Label string
}

type ErrorEvent struct {
	Message string
	Err     error
}

type LogEvent struct {
	Message string
}

func (ConnectEvent) Name() EventName                  { return EventConnect }
func (DisconnectEvent) Name() EventName               { return EventDisconnect }
func (ConnectionStateChangeEvent) Name() EventName    { return EventConnectionStateChange }
func (ICEConnectionStateChangeEvent) Name() EventName { return EventICEConnectionStateChange }
func (TrackEvent) Name() EventName                    { return EventTrack }
func (SubtitleEvent) Name() EventName                 { return EventSubtitle }
func (MessageEvent) Name() EventName                  { return EventMessage }
func (DataChannelOpenEvent) Name() EventName          { return EventDataChannelOpen }
func (DataChannelCloseEvent) Name() EventName         { return EventDataChannelClose }
func (ErrorEvent) Name() EventName                    { return EventError }
func (LogEvent) Name() EventName                      { return EventLog }

func (ConnectEvent) isEvent()                  {}
func (DisconnectEvent) isEvent()               {}
func (ConnectionStateChangeEvent) isEvent()    {}
func (ICEConnectionStateChangeEvent) isEvent() {}
func (TrackEvent) isEvent()                    {}
func (SubtitleEvent) isEvent()                 {}
func (MessageEvent) isEvent()                  {}
func (DataChannelOpenEvent) isEvent()          {}
func (DataChannelCloseEvent) isEvent()         {}
func (ErrorEvent) isEvent()                    {}
func (LogEvent) isEvent()                      {}

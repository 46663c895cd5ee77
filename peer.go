package voicechat

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of an inbound media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DataChannel is the subset of *webrtc.DataChannel the client drives.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(err error))
	OnMessage(f func(msg webrtc.DataChannelMessage))
	SendText(s string) error
	Close() error
}

var _ DataChannel = (*webrtc.DataChannel)(nil)

// PeerConnection is the connection object the session manager owns.
type PeerConnection interface {
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnTrack(f func(RemoteTrack))
	OnDataChannel(f func(DataChannel))
	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// GatheringComplete must be obtained before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	LocalDescription() *webrtc.SessionDescription
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerFactory builds the connection for one attempt.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

var _ PeerConnection = (*pionPeer)(nil)

// NewPionPeer is the default PeerFactory.
func NewPionPeer(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

func (p *pionPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(f)
}

func (p *pionPeer) OnTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionPeer) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	return p.pc.CreateDataChannel(label, nil)
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(p.pc)
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

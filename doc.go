// # Go Client Package for Realtime Voice Conversations
//
// This package connects a microphone to a conversational AI voice server over WebRTC. A Client negotiates the session with the server's signaling endpoints, streams local audio, plays the assistant's reply, drives two audio visualizers and surfaces time-aligned subtitles. Everything the session does is reported as typed events on a Bus.
package voicechat

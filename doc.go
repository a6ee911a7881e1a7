// Package rtcall implements peer-to-peer audio/video call signaling and
// media-session state management between two endpoints.
//
// The package coordinates asynchronous network events (signaling, ICE
// connectivity changes, track mute and unmute), real device resources
// (camera and microphone), and user-facing state transitions that stay
// consistent under failure: unreachable peers, network drops, and
// simultaneous call attempts.
//
// # Getting Started
//
// Create a client over a connection broker and a capture backend, then
// start it and submit commands:
//
//	broker, err := webrtcbroker.New(webrtcbroker.DefaultConfig("wss://rendezvous.example.com/ws"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := rtcall.New(rtcall.Options{
//	    Profile: rtcall.Profile{ID: "alice", DisplayName: "Alice"},
//	    Broker:  broker,
//	    Devices: captureBackend,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnState(func(state call.State) {
//	    fmt.Println("call state:", state)
//	})
//
//	client.Start()
//	client.Submit(rtcall.StartCall{
//	    Target: rtcall.Profile{ID: "bob"},
//	    Media:  media.TypeVideo,
//	})
//
// # Core Types
//
//   - [Client]: facade wiring device access, signaling, the call state
//     machine, and toast notifications
//   - [Options]: configuration for creating a client
//   - [StartCall]: the typed command that places an outbound call
//
// # Architecture
//
// The subsystems compose leaf-first:
//
//   - device: camera/microphone acquisition, switching, and toggles
//   - media: track and stream abstractions plus remote-state inference
//   - audio: loudness metering for visual feedback
//   - signaling: identity registration and offer placement with retries
//   - call: the single-call lifecycle state machine
//   - toast: ephemeral user notifications
//   - webrtcbroker: the pion WebRTC connection broker implementation
//
// At most one call exists at any time. A second inbound offer while one
// is pending or active is rejected silently (busy) without disturbing the
// existing call.
package rtcall

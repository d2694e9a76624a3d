// Package mqtt connects the host supervisor to an MQTT broker.
//
// The broker is an optional side channel: dashboards and remote tools
// follow the sequencer state, events, telemetry and command log there, and
// may submit command lines on the request topic. Nothing on the control
// path depends on it; the target link never goes through MQTT.
//
// The client handles:
//   - auto-reconnect with subscriptions restored on every connect
//   - a retained online/offline status with a Last Will for crashes
//   - publish and subscribe with QoS 0-2 and a bounded payload size
//
// # Topics
//
//	fusor/<site>/status                 retained online/offline (LWT)
//	fusor/<site>/sequencer/state        retained sequencer snapshot
//	fusor/<site>/event/<kind>           sequencer and safety events
//	fusor/<site>/telemetry/<channel>    latest sample per channel
//	fusor/<site>/command/request        remote command lines in
//	fusor/<site>/command/response       responses to remote commands
//	fusor/<site>/command/log            every completed command
//	fusor/<site>/safety/trip            emergency stops
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Publish(topics.SequencerState(), payload, 1, true)
package mqtt

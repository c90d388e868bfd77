/*
Package events provides an in-memory broker for rollout progress events.

The deployer and executor publish one event per step (stage boundaries,
pulls, teardowns, starts, health verdicts); the CLI subscribes and prints
progress lines. Publishing never blocks a rollout: events are queued in a
buffered channel and dropped when the queue or a subscriber's buffer is
full.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for e := range sub {
			fmt.Println(e.Type, e.Service, e.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventImagePulled, Service: "miner"})

A nil *Broker is valid and discards events, so components take an optional
broker without nil checks.
*/
package events

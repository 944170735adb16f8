/*
Package events provides an in-process broker for fleet lifecycle events.

Engines publish an Event whenever an instance is registered, terminated or
found orphaned, when capacity is requested or fulfilled, and when a fleet is
paused or unpaused. Subscribers receive every event; the admin API streams
them to clients as newline-delimited JSON on GET /v1/events.

Publish never blocks the engine. Events published while the broker's queue is
full are dropped, as are events for subscribers that do not keep up.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for e := range sub {
		fmt.Println(e.Type, e.FleetID, e.InstanceID)
	}
*/
package events

// Package event provides a pub-sub event bus for decoupled inter-component
// communication in loopguard.
//
// The loop coordinator, checkpoint gate and delusion guard publish events
// as they make decisions. Metrics collectors and the structured log
// subscribe to them, so the publishers never import either.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Loop:
//   - [LoopStateEvent]: every coordinator state transition
//   - [AdmissionDeniedEvent]: a loop or delegation refused by a cap or checkpoint
//   - [GuardVerdictEvent]: the delusion guard's verdict for a plan
//   - [DelegationEvent]: an admitted delegation edge
//
// Checkpoints:
//   - [CheckpointOpenedEvent], [CheckpointResolvedEvent]
//
// Failures and configuration:
//   - [FailureClassifiedEvent]: a failure report was produced
//   - [ConfigReloadedEvent]: the config file changed and was re-applied
//
// # Topics
//
// A subscription names an exact event type, a category pattern such as
// "checkpoint.*" (every type starting with "checkpoint."), or [Wildcard].
// Exact subscribers are called before category subscribers, which are
// called before wildcard subscribers.
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously and protected against panics: a panicking handler is
// logged and does not prevent other handlers from being called.
//
// # Basic Usage
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeAdmissionDenied, func(e event.Event) {
//	    denied := e.(event.AdmissionDeniedEvent)
//	    fmt.Println(denied.TaskID, denied.Reason)
//	})
//
//	bus.Publish(event.NewAdmissionDeniedEvent("proj", "t1", "cap_exceeded", 3, 3))
package event

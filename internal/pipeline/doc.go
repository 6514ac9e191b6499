// Package pipeline provides the per-request hook chain engine.
//
// Every controller request runs through an ordered chain of stages:
//
//	plugin init stages (registration order)
//	controller enter        (optional)
//	controller action
//	controller exit         (optional)
//	plugin finalize stages  (registration order)
//
// The first four make up the main list; the plugin finalize stages make up the
// finalization list. The main list stops at the first stage that aborts. The
// finalization list always runs to completion, whatever happened before it.
//
// # Completion contract
//
// A stage body receives a *Signal and may return before its work is done. The
// stage is complete when it calls Signal.Done, possibly from another goroutine.
// A watchdog bounds how long the driver waits: if Done is not called within
// Timeouts.Stage the stage aborts. A stage that needs longer may call
// Signal.Extend once to re-arm the watchdog with Timeouts.Extended.
//
//	func index(ps *pipeline.Plugins, sig *pipeline.Signal) error {
//		go func() {
//			defer sig.Done()
//			// slow work
//		}()
//		return nil
//	}
//
// Returning an error (or panicking) aborts the main list. Errors matching
// ErrInterrupt are the expected way for lower layers to short-circuit a request
// after they have written a terminal response (redirects, auth challenges) and
// are not reported.
//
// # Scheduling
//
// The driver is a loop. Completion callbacks never call the next stage; they
// post the outcome to a per-request channel the loop receives from, so the
// chain length does not affect stack depth.
package pipeline

/*
Package events provides the durability core's narrow, typed subscription
interface: one in-memory broker broadcasting recovery-relevant events to
interested subscribers, rather than each component growing its own ad hoc
emitter (spec.md §9).

Event delivery is non-blocking and best-effort: Publish never waits on a
slow subscriber, and a subscriber with a full buffer skips the event
instead of stalling the broker. This is deliberate — nothing in the
durability core treats an event as anything stronger than a notification;
the audit log (pkg/audit) is the durable record of what happened.
*/
package events

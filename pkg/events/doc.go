/*
Package events provides an in-memory event broker for storage-core lifecycle
notifications.

The Engine publishes through a shared Broker when an ident is created,
dropped or has its drop deferred, when an on-demand checkpoint completes,
after rollback-to-stable and when a backup cursor is closed, so that
observers — an external replication coordinator, an admin CLI tailing
events for --repair output — can react without being wired directly into
the commit path. Publish blocks only while the broker's 100-event queue is
full, which happens when the broker has not been started; a subscriber
whose buffer is full misses the event rather than stalling the broker.
*/
package events

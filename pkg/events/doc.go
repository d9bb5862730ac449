// Package events provides an in-process publish/subscribe broker for
// platform lifecycle events: site and device changes, job state
// transitions and monitoring status flips. Subscribers receive events
// on buffered channels; a slow subscriber drops events rather than
// blocking the publisher.
package events

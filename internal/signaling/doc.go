// Package signaling defines the envelope a call participant publishes to the
// mailbox: an offer, an answer or a batch of ICE candidates, stamped with
// the sender and a sequence number so the partner can drop stale copies.
package signaling

// Package chat defines the domain types shared by every part of the fanout
// service: persisted messages, live sessions, the events exchanged with
// clients, and the error taxonomy used across the delivery pipeline.
package chat

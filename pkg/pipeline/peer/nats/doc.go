// Package nats connects graphstream to NATS JetStream.
//
// Every topic maps to the subject `<subjectPrefix>.<topic>` of one stream
// capturing `<subjectPrefix>.>`. NATS has no message key, so the key travels
// in the Graphstream-Key header; a message with an empty payload is a
// tombstone.
//
// Topic globs use NATS wildcards directly: `people.*` matches one token and
// `people.**` becomes `people.>`. A sink pull-subscribes with one durable
// consumer per topic and acks a message once its batch is executed.
package nats

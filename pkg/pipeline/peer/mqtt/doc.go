// Package mqtt connects graphstream to an MQTT broker with paho.
//
// A topic `people.eu` is published to `<topicPrefix>/people/eu`. MQTT 3.1.1
// has neither keys nor headers, so each payload is a small msgpack frame
// holding the key, the encoded value and the headers. Frames without a value
// are tombstones.
//
// Subscriptions translate topic globs into filters: `people.*` becomes
// `<topicPrefix>/people/+` and `people.**` becomes `<topicPrefix>/people/#`.
// Messages are acknowledged once their batch is executed.
package mqtt

// Package kafka connects graphstream to Kafka with sarama.
//
// Publishing uses a synchronous producer. Message keys are hashed to
// partitions, so every change of one entity lands on the same partition and
// keeps its order. Deletes routed to compacted topics arrive here as
// tombstones (nil value).
//
// Topics can be created on first publish with a per-topic cleanup.policy.
// The peer also resolves cleanup policies from the cluster, which the router
// uses to pick between sequence keys and entity keys.
//
// Subscriptions join a consumer group. Topic globs ('.' separated, eg
// `people.*`) are expanded against the cluster's topics when subscribing.
//
// Config (JSON):
//
//	{
//	  "brokers": ["localhost:9092"],
//	  "groupId": "graphstream",
//	  "sasl": {"enable": true, "username": "u", "password": "p", "algorithm": "sha512"},
//	  "topics": {"autoCreate": true, "partitions": 3, "cleanupPolicies": {"people": "compact"}}
//	}
package kafka

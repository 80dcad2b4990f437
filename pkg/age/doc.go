// Package age adapts Apache AGE to the bridge.
//
// A Reader serves the post-commit state of vertices and edges to the change
// encoder, a ConstraintLoader feeds the constraint cache from the
// graphstream.constraints catalog (AGE declares no constraints of its own),
// and an Executor applies compiled ingestion statements through
// ag_catalog.cypher with the batch bound as the $events parameter.
//
// Every pooled connection runs LOAD 'age' and puts ag_catalog on the search
// path; see NewPool.
package age

// Package kv provides an interface for implementing
// kv backends that the document store builds on.
//
// A kv plugin is a factory for backend instances. A backend
// contains zero or more partitions and every partition is made
// of exactly three collections: the document map, the unique key
// index, and the searchable key index. Transactions for different
// partitions are completely independent from each other: there are
// no ordering or consistency guarantees for transactions spawned
// from different partitions. Within a partition transactions are
// strictly serializable and span all three collections, so a
// consumer can keep the collections consistent with each other.
//
//  - Backend
//    - Partition "users"
//      - documents
//        - key1: {...}
//      - unique_keys
//        - key1: 1
//      - searchable_keys
//        - (email, "a@b.c", key1): key1
//    - Partition "projects"
//      - documents
//      - unique_keys
//      - searchable_keys
//
// Partitioning was pushed down to this layer to let backends decide
// how to namespace collections (buckets for bbolt, key prefixes for
// pebble, rows for sqlite) and how to run transactions on different
// partitions concurrently.
package kv

// Command singletond runs a cluster singleton node.
//
//	singletond run --config node.toml
//	singletond validate --config node.toml
//	singletond status --addr 127.0.0.1:9090
//
// Every node of a cluster runs with the same [[singleton]] list and a
// shared backend. Exactly one node runs each singleton's worker; when it
// exits abnormally another node takes over.
package main

// Command admitd runs the admission-control daemon: it consumes the
// invalidation log, serves metrics and health, and runs cache maintenance.
// Its subcommands send requests and administrative actions through the same
// coordinator a service embeds.
//
// Usage:
//
//	# Start the daemon
//	admitd serve --config /etc/admit/admit.yaml
//
//	# Drop a key from every cache tier
//	admitd evict course:42
//
//	# Inspect events that could not be applied
//	admitd dlq list -n 20
package main

func main() {
	Execute()
}
